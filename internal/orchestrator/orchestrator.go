// Package orchestrator coordinates the fleet of worker processes. It owns
// group assignment, worker liveness, and the restart procedure; workers
// themselves never change their group set after spawn.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spamshield/platform/internal/domain"
	"github.com/spamshield/platform/internal/metrics"
	"github.com/spamshield/platform/internal/repository"
	"github.com/spamshield/platform/pkg/sysinfo"
)

// Options tune orchestration behaviour; zero values fall back to defaults.
type Options struct {
	MaxWorkers          int
	GroupsPerWorker     int
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	ReconcileInterval   time.Duration
	HeartbeatTimeout    time.Duration
	StopGracePeriod     time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 3
	}
	if o.GroupsPerWorker <= 0 {
		o.GroupsPerWorker = 5
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = time.Minute
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 2 * time.Minute
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 5 * time.Minute
	}
	if o.StopGracePeriod <= 0 {
		o.StopGracePeriod = 30 * time.Second
	}
}

// Deps bundles the collaborators the orchestrator needs.
type Deps struct {
	Groups      repository.GroupRepository
	Workers     repository.WorkerRepository
	Assignments repository.AssignmentRepository
	Events      repository.EventRepository
	Metrics     *metrics.Collector
	Runner      Runner
	Logger      *slog.Logger
}

// workerProc is the orchestrator's view of one spawned worker. groups is the
// desired set; a nil handle means the worker is planned but not yet running.
type workerProc struct {
	name       string
	instanceID string
	groups     []string
	handle     Handle
	startedAt  time.Time
}

// Orchestrator runs the control loops. All loop work happens on the Run
// goroutine; the mutex only guards procs against concurrent Status reads
// and admin calls.
type Orchestrator struct {
	name string
	deps Deps
	opts Options

	mu         sync.Mutex
	procs      map[string]*workerProc
	unassigned []string

	kick chan struct{}

	now        func() time.Time
	newID      func() string
	cpuPercent func() float64
}

// New constructs an Orchestrator with a generated instance name.
func New(deps Deps, opts Options) *Orchestrator {
	opts.setDefaults()
	name := "orchestrator-" + uuid.NewString()[:8]
	if deps.Logger != nil {
		deps.Logger = deps.Logger.With("component", "orchestrator", "instance", name)
	}
	return &Orchestrator{
		name:       name,
		deps:       deps,
		opts:       opts,
		procs:      make(map[string]*workerProc),
		kick:       make(chan struct{}, 1),
		now:        time.Now,
		newID:      func() string { return "worker-" + uuid.NewString()[:8] },
		cpuPercent: sysinfo.NewCPUTracker().Percent,
	}
}

// Name returns the orchestrator instance name.
func (o *Orchestrator) Name() string { return o.name }

// Run registers the orchestrator, performs an initial reconcile, and drives
// the heartbeat, health-check, and reconcile loops until the context is
// cancelled. On shutdown every worker gets a terminate signal and the grace
// period before being killed.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.register(ctx); err != nil {
		return err
	}
	o.logEvent(ctx, "orchestrator_started", "orchestrator", o.name,
		fmt.Sprintf("orchestrator started, max %d workers of %d groups", o.opts.MaxWorkers, o.opts.GroupsPerWorker),
		domain.SeverityInfo)

	o.reconcile(ctx)

	heartbeat := time.NewTicker(o.opts.HeartbeatInterval)
	health := time.NewTicker(o.opts.HealthCheckInterval)
	reconcile := time.NewTicker(o.opts.ReconcileInterval)
	defer heartbeat.Stop()
	defer health.Stop()
	defer reconcile.Stop()

	if o.deps.Logger != nil {
		o.deps.Logger.Info("orchestrator started")
	}
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case <-heartbeat.C:
			o.withTimeout(ctx, 10*time.Second, o.heartbeat)
		case <-health.C:
			o.withTimeout(ctx, 30*time.Second, o.healthCheck)
		case <-reconcile.C:
			o.withTimeout(ctx, time.Minute, o.reconcile)
		case <-o.kick:
			o.withTimeout(ctx, time.Minute, o.reconcile)
		}
	}
}

func (o *Orchestrator) withTimeout(ctx context.Context, d time.Duration, fn func(context.Context)) {
	opCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	fn(opCtx)
}

// AddGroup registers a new group for monitoring with default configuration
// and triggers assignment. Registering an existing group returns
// repository.ErrConflict.
func (o *Orchestrator) AddGroup(ctx context.Context, group *domain.Group) error {
	group.Status = domain.GroupStatusActive
	if err := o.deps.Groups.CreateGroup(ctx, group); err != nil {
		return err
	}
	o.logEvent(ctx, "group_added", "group", group.ID,
		fmt.Sprintf("group %q added to monitoring", group.Name), domain.SeverityInfo)
	o.TriggerReconcile()
	return nil
}

// RemoveGroup deactivates a group. Its assignment is released and its worker
// restarted without it on the next reconcile.
func (o *Orchestrator) RemoveGroup(ctx context.Context, groupID string) error {
	if err := o.deps.Groups.UpdateGroupStatus(ctx, groupID, domain.GroupStatusInactive); err != nil {
		return err
	}
	o.logEvent(ctx, "group_removed", "group", groupID, "group removed from monitoring", domain.SeverityInfo)
	o.TriggerReconcile()
	return nil
}

// TriggerReconcile requests an immediate reconcile cycle without waiting for
// the next tick. Safe to call from any goroutine.
func (o *Orchestrator) TriggerReconcile() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// WorkerStatus describes one worker in a Status snapshot.
type WorkerStatus struct {
	Name      string    `json:"name"`
	Alive     bool      `json:"alive"`
	Groups    []string  `json:"groups"`
	StartedAt time.Time `json:"started_at"`
}

// Status is a point-in-time view of the fleet. Unassigned lists active groups
// the last reconcile could not place anywhere; they are retried every cycle.
type Status struct {
	Instance    string         `json:"instance"`
	Workers     []WorkerStatus `json:"workers"`
	TotalGroups int            `json:"total_groups"`
	MaxCapacity int            `json:"max_capacity"`
	Unassigned  []string       `json:"unassigned,omitempty"`
}

// Status reports the current fleet state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Status{
		Instance:    o.name,
		MaxCapacity: o.opts.MaxWorkers * o.opts.GroupsPerWorker,
		Unassigned:  append([]string(nil), o.unassigned...),
	}
	for _, p := range o.procs {
		s.Workers = append(s.Workers, WorkerStatus{
			Name:      p.name,
			Alive:     p.handle != nil && p.handle.Alive(),
			Groups:    append([]string(nil), p.groups...),
			StartedAt: p.startedAt,
		})
		s.TotalGroups += len(p.groups)
	}
	sort.Slice(s.Workers, func(i, j int) bool { return s.Workers[i].Name < s.Workers[j].Name })
	return s
}

func (o *Orchestrator) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	instance := &domain.WorkerInstance{
		Name:      o.name,
		Hostname:  hostname,
		PID:       os.Getpid(),
		Status:    domain.WorkerStatusStarting,
		MaxGroups: o.opts.MaxWorkers * o.opts.GroupsPerWorker,
		StartedAt: o.now(),
		Version:   "2.0.0",
	}
	if err := o.deps.Workers.RegisterWorker(ctx, instance); err != nil {
		return fmt.Errorf("register orchestrator %s: %w", o.name, err)
	}
	return nil
}

// reconcile converges the fleet toward the set of active groups: stale
// assignments are released, unassigned groups are claimed for the least
// loaded worker, and workers whose desired set changed are restarted with
// the new set.
func (o *Orchestrator) reconcile(ctx context.Context) {
	now := o.now()

	activeGroups, err := o.deps.Groups.ListActiveGroups(ctx)
	if err != nil {
		o.warn("list active groups failed", err)
		return
	}
	assignments, err := o.deps.Assignments.ListAssignments(ctx)
	if err != nil {
		o.warn("list assignments failed", err)
		return
	}
	instances, err := o.deps.Workers.ListWorkers(ctx)
	if err != nil {
		o.warn("list workers failed", err)
		return
	}

	active := make(map[string]bool, len(activeGroups))
	for _, g := range activeGroups {
		active[g.ID] = true
	}
	instanceByID := make(map[string]domain.WorkerInstance, len(instances))
	for _, inst := range instances {
		instanceByID[inst.ID] = inst
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	mine := make(map[string]*workerProc, len(o.procs))
	for _, p := range o.procs {
		mine[p.instanceID] = p
	}

	dirty := make(map[string]bool)
	assigned := make(map[string]bool, len(assignments))

	for _, a := range assignments {
		if !active[a.GroupID] {
			if err := o.deps.Assignments.ReleaseAssignment(ctx, a.GroupID); err != nil {
				o.warn("release assignment failed", err)
				continue
			}
			if p, ok := mine[a.InstanceID]; ok && removeGroup(p, a.GroupID) {
				dirty[p.name] = true
			}
			continue
		}
		if _, ok := mine[a.InstanceID]; ok {
			assigned[a.GroupID] = true
			continue
		}
		// Owned by an instance this orchestrator does not manage. Leave it
		// alone while its owner heartbeats; reclaim it once the owner goes
		// stale so groups never stay orphaned after a crash.
		inst, known := instanceByID[a.InstanceID]
		if known && inst.Healthy(now, o.opts.HeartbeatTimeout) {
			assigned[a.GroupID] = true
			continue
		}
		if err := o.deps.Assignments.ReleaseAssignment(ctx, a.GroupID); err != nil {
			o.warn("release orphaned assignment failed", err)
			assigned[a.GroupID] = true
		}
	}

	var pending []string
	for _, g := range activeGroups {
		if !assigned[g.ID] {
			pending = append(pending, g.ID)
		}
	}
	sort.Strings(pending)

	var unplaced []string
	for _, groupID := range pending {
		p := o.leastLoaded()
		if p == nil {
			p = o.planWorker(ctx)
		}
		if p == nil {
			if o.deps.Logger != nil {
				o.deps.Logger.Warn("no available worker capacity", "group_id", groupID)
			}
			unplaced = append(unplaced, groupID)
			continue
		}
		err := o.deps.Assignments.ClaimAssignment(ctx, groupID, p.instanceID)
		if errors.Is(err, repository.ErrConflict) {
			// Another orchestrator claimed the group first.
			continue
		}
		if err != nil {
			o.warn("claim assignment failed", err)
			continue
		}
		p.groups = append(p.groups, groupID)
		dirty[p.name] = true
	}
	o.unassigned = unplaced

	for name, p := range o.procs {
		switch {
		case len(p.groups) == 0:
			o.stopProc(ctx, p)
			delete(o.procs, name)
			o.logEvent(ctx, "worker_stopped", "worker", name, "worker stopped, no groups assigned", domain.SeverityInfo)
		case p.handle == nil:
			o.spawn(ctx, p)
		case dirty[name]:
			o.restart(ctx, p, "group set changed")
		}
	}
}

// healthCheck restarts workers whose process died or whose heartbeat went
// stale. Restart preserves the worker name and group set, so assignments
// stay valid across it. A worker that vanished between cycles is simply
// respawned; repeating the check is idempotent.
func (o *Orchestrator) healthCheck(ctx context.Context) {
	now := o.now()

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, p := range o.procs {
		if p.handle == nil {
			o.spawn(ctx, p)
			continue
		}
		if !p.handle.Alive() {
			o.restart(ctx, p, "process exited")
			continue
		}
		// Young workers get one timeout of slack before heartbeats count.
		if now.Sub(p.startedAt) < o.opts.HeartbeatTimeout {
			continue
		}
		inst, err := o.deps.Workers.GetWorkerByName(ctx, p.name)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				o.warn("load worker failed", err)
			}
			continue
		}
		if !inst.Healthy(now, o.opts.HeartbeatTimeout) {
			o.restart(ctx, p, "heartbeat timeout")
		}
	}
}

// heartbeat publishes the orchestrator's own liveness row.
func (o *Orchestrator) heartbeat(ctx context.Context) {
	o.mu.Lock()
	total := 0
	var groups []string
	for _, p := range o.procs {
		total += len(p.groups)
		groups = append(groups, p.groups...)
	}
	o.mu.Unlock()

	err := o.deps.Workers.HeartbeatWorker(ctx, domain.Heartbeat{
		InstanceName:   o.name,
		Status:         domain.WorkerStatusRunning,
		CPUPercent:     o.cpuPercent(),
		MemoryMB:       sysinfo.HeapMB(),
		CurrentGroups:  total,
		AssignedGroups: groups,
		At:             o.now(),
	})
	if err != nil {
		o.warn("heartbeat failed", err)
	}
}

// leastLoaded returns the worker with the fewest groups that still has
// capacity, or nil when every worker is full.
func (o *Orchestrator) leastLoaded() *workerProc {
	var best *workerProc
	for _, p := range o.procs {
		if len(p.groups) >= o.opts.GroupsPerWorker {
			continue
		}
		if best == nil || len(p.groups) < len(best.groups) ||
			(len(p.groups) == len(best.groups) && p.name < best.name) {
			best = p
		}
	}
	return best
}

// planWorker registers a fresh worker row and tracks it with no process yet.
// Returns nil when the fleet is at MaxWorkers or registration fails.
func (o *Orchestrator) planWorker(ctx context.Context) *workerProc {
	if len(o.procs) >= o.opts.MaxWorkers {
		return nil
	}
	name := o.newID()
	instance := &domain.WorkerInstance{
		Name:      name,
		Status:    domain.WorkerStatusStarting,
		MaxGroups: o.opts.GroupsPerWorker,
		StartedAt: o.now(),
	}
	if err := o.deps.Workers.RegisterWorker(ctx, instance); err != nil {
		o.warn("register worker failed", err)
		return nil
	}
	p := &workerProc{name: name, instanceID: instance.ID}
	o.procs[name] = p
	return p
}

func (o *Orchestrator) spawn(ctx context.Context, p *workerProc) {
	handle, err := o.deps.Runner.Start(ctx, p.name, p.groups)
	if err != nil {
		o.warn("spawn worker failed", err)
		return
	}
	p.handle = handle
	p.startedAt = o.now()
	o.logEvent(ctx, "worker_started", "worker", p.name,
		fmt.Sprintf("worker started with %d groups", len(p.groups)), domain.SeverityInfo)
	if o.deps.Logger != nil {
		o.deps.Logger.Info("worker started", "worker", p.name, "groups", len(p.groups))
	}
}

func (o *Orchestrator) restart(ctx context.Context, p *workerProc, reason string) {
	if o.deps.Logger != nil {
		o.deps.Logger.Warn("restarting worker", "worker", p.name, "reason", reason)
	}
	o.stopProc(ctx, p)
	o.spawn(ctx, p)
	if o.deps.Metrics != nil {
		o.deps.Metrics.WorkerRestarted()
	}
	o.logEvent(ctx, "worker_restarted", "worker", p.name,
		fmt.Sprintf("worker restarted (%s) with %d groups", reason, len(p.groups)), domain.SeverityWarning)
}

// stopProc terminates a worker process, escalating to kill after the grace
// period. The worker row is marked stopped in case the process cannot do it
// itself.
//
// Called with o.mu held. Only the Run goroutine mutates procs; the lock
// exists for concurrent Status reads, so it is released while waiting out
// the grace period to keep Status and admin calls responsive.
func (o *Orchestrator) stopProc(ctx context.Context, p *workerProc) {
	handle := p.handle
	if handle == nil {
		return
	}
	p.handle = nil
	if err := handle.Terminate(); err != nil {
		o.warn("terminate worker failed", err)
	}

	o.mu.Unlock()
	select {
	case <-handle.Done():
	case <-time.After(o.opts.StopGracePeriod):
		if err := handle.Kill(); err != nil {
			o.warn("kill worker failed", err)
		}
	}
	o.mu.Lock()

	if err := o.deps.Workers.MarkWorkerStopped(ctx, p.name); err != nil {
		o.warn("mark worker stopped failed", err)
	}
}

// shutdown stops every worker and unregisters the orchestrator.
func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.StopGracePeriod+10*time.Second)
	defer cancel()

	o.mu.Lock()
	for name, p := range o.procs {
		o.stopProc(ctx, p)
		delete(o.procs, name)
	}
	o.mu.Unlock()

	if err := o.deps.Workers.MarkWorkerStopped(ctx, o.name); err != nil {
		o.warn("unregister orchestrator failed", err)
	}
	o.logEvent(ctx, "orchestrator_stopped", "orchestrator", o.name, "orchestrator stopped", domain.SeverityInfo)
	if o.deps.Logger != nil {
		o.deps.Logger.Info("orchestrator stopped")
	}
}

func (o *Orchestrator) logEvent(ctx context.Context, eventType, entityType, entityID, description, severity string) {
	event := &domain.EventLog{
		EventType:   eventType,
		EntityType:  entityType,
		EntityID:    entityID,
		Description: description,
		Severity:    severity,
		Actor:       o.name,
	}
	if err := o.deps.Events.AppendEventLog(ctx, event); err != nil {
		o.warn("append event log failed", err)
	}
}

func (o *Orchestrator) warn(msg string, err error) {
	if o.deps.Logger != nil {
		o.deps.Logger.Warn(msg, "error", err)
	}
}

// removeGroup drops a group from a proc's desired set, reporting whether it
// was present.
func removeGroup(p *workerProc, groupID string) bool {
	for i, id := range p.groups {
		if id == groupID {
			p.groups = append(p.groups[:i], p.groups[i+1:]...)
			return true
		}
	}
	return false
}
