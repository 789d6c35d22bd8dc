// Package worker implements the monitoring process. A worker owns a fixed
// set of group monitors handed to it at spawn time, scans them on their
// configured intervals, and reports liveness through heartbeats.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spamshield/platform/internal/chat"
	"github.com/spamshield/platform/internal/classify"
	"github.com/spamshield/platform/internal/configcache"
	"github.com/spamshield/platform/internal/domain"
	"github.com/spamshield/platform/internal/metrics"
	"github.com/spamshield/platform/internal/repository"
	"github.com/spamshield/platform/pkg/sysinfo"
)

const (
	scanTimeout         = 30 * time.Second
	defaultScanInterval = 30 * time.Second
)

// Deps bundles the collaborators a worker needs.
type Deps struct {
	Groups      repository.GroupRepository
	Workers     repository.WorkerRepository
	Assignments repository.AssignmentRepository
	Events      repository.EventRepository
	Configs     *configcache.Cache
	Chat        chat.Client
	Classifier  classify.Classifier
	Metrics     *metrics.Collector
	Logger      *slog.Logger
}

// Options tune worker behaviour; zero values fall back to defaults.
type Options struct {
	HeartbeatInterval time.Duration
	DedupeLookback    time.Duration
	MaxGroups         int
}

// Worker monitors the groups assigned to it. Group membership is fixed for
// the lifetime of the process; reassignment means the orchestrator restarts
// the worker with a new set.
type Worker struct {
	name     string
	groupIDs []string
	deps     Deps
	opts     Options

	mu       sync.Mutex
	monitors map[string]*Monitor

	now        func() time.Time
	cpuPercent func() float64
}

// New constructs a worker named name for the given groups.
func New(name string, groupIDs []string, deps Deps, opts Options) *Worker {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.DedupeLookback <= 0 {
		opts.DedupeLookback = time.Hour
	}
	if opts.MaxGroups <= 0 {
		opts.MaxGroups = len(groupIDs)
	}
	if deps.Logger != nil {
		deps.Logger = deps.Logger.With("worker", name)
	}
	return &Worker{
		name:       name,
		groupIDs:   groupIDs,
		deps:       deps,
		opts:       opts,
		monitors:   make(map[string]*Monitor),
		now:        time.Now,
		cpuPercent: sysinfo.NewCPUTracker().Percent,
	}
}

// Run registers the worker, initializes its monitors, and drives the scan
// and heartbeat loops until the context is cancelled. On shutdown the worker
// marks itself stopped so the orchestrator can tell a clean exit from a
// crash.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}

	for _, groupID := range w.groupIDs {
		monitor := NewMonitor(groupID, w.deps.Groups, w.deps.Events, w.deps.Configs, w.deps.Chat, w.deps.Classifier, w.deps.Metrics, w.deps.Logger, w.opts.DedupeLookback)
		initCtx, cancel := context.WithTimeout(ctx, scanTimeout)
		err := monitor.Initialize(initCtx)
		cancel()
		if err != nil {
			// The group stays assigned; the orchestrator surfaces the
			// error through group bookkeeping and can reassign later.
			if w.deps.Logger != nil {
				w.deps.Logger.Error("monitor initialization failed", "group_id", groupID, "error", err)
			}
			w.recordGroupError(ctx, groupID, err)
			continue
		}
		w.mu.Lock()
		w.monitors[groupID] = monitor
		w.mu.Unlock()
	}

	go w.heartbeatLoop(ctx)

	if w.deps.Logger != nil {
		w.deps.Logger.Info("worker started", "groups", len(w.monitors))
	}
	w.scanLoop(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.deps.Workers.MarkWorkerStopped(stopCtx, w.name); err != nil && w.deps.Logger != nil {
		w.deps.Logger.Warn("failed to mark worker stopped", "error", err)
	}
	if w.deps.Logger != nil {
		w.deps.Logger.Info("worker stopped")
	}
	return nil
}

func (w *Worker) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	instance := &domain.WorkerInstance{
		Name:           w.name,
		Hostname:       hostname,
		PID:            os.Getpid(),
		Status:         domain.WorkerStatusStarting,
		MaxGroups:      w.opts.MaxGroups,
		CurrentGroups:  len(w.groupIDs),
		AssignedGroups: w.groupIDs,
		StartedAt:      w.now(),
	}
	if err := w.deps.Workers.RegisterWorker(ctx, instance); err != nil {
		return fmt.Errorf("register worker %s: %w", w.name, err)
	}
	w.verifyAssignments(ctx, instance.ID)
	return nil
}

// verifyAssignments cross-checks the spawn group list against the claims
// recorded for this instance. The spawn list stays authoritative; a mismatch
// means the orchestrator restarted this worker with a stale flag list, which
// the next reconcile corrects, so it is surfaced but not acted on.
func (w *Worker) verifyAssignments(ctx context.Context, instanceID string) {
	if w.deps.Assignments == nil {
		return
	}
	assignments, err := w.deps.Assignments.ListAssignmentsForInstance(ctx, instanceID)
	if err != nil {
		if w.deps.Logger != nil {
			w.deps.Logger.Warn("assignment lookup failed", "error", err)
		}
		return
	}
	owned := make(map[string]bool, len(assignments))
	for _, a := range assignments {
		owned[a.GroupID] = true
	}
	for _, groupID := range w.groupIDs {
		if !owned[groupID] && w.deps.Logger != nil {
			w.deps.Logger.Warn("group not claimed for this instance", "group_id", groupID)
		}
	}
}

// scanLoop runs every monitor on the shortest configured interval across
// the assigned groups. Groups with longer intervals get scanned early, which
// is harmless: the message cursor keeps redundant scans to one cheap fetch.
func (w *Worker) scanLoop(ctx context.Context) {
	for {
		interval := w.minInterval(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			w.scanAll(ctx)
		}
	}
}

// scanAll runs one scan cycle over every active monitor concurrently.
// A failing group never blocks or aborts the others.
func (w *Worker) scanAll(ctx context.Context) {
	w.mu.Lock()
	monitors := make([]*Monitor, 0, len(w.monitors))
	for _, m := range w.monitors {
		if m.Active() {
			monitors = append(monitors, m)
		}
	}
	w.mu.Unlock()

	var wg sync.WaitGroup
	for _, monitor := range monitors {
		wg.Add(1)
		go func(m *Monitor) {
			defer wg.Done()
			scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
			defer cancel()
			if err := m.Scan(scanCtx); err != nil {
				if w.deps.Logger != nil {
					w.deps.Logger.Warn("scan failed", "group_id", m.groupID, "error", err)
				}
				w.recordGroupError(ctx, m.groupID, err)
				return
			}
			w.clearGroupError(ctx, m.groupID)
		}(monitor)
	}
	wg.Wait()
}

// minInterval is the shortest configured check interval across the worker's
// monitors. The fallback applies only when the worker has no monitors at
// all; a single group tuned to a long interval is scanned on that interval.
func (w *Worker) minInterval(ctx context.Context) time.Duration {
	w.mu.Lock()
	monitors := make([]*Monitor, 0, len(w.monitors))
	for _, m := range w.monitors {
		monitors = append(monitors, m)
	}
	w.mu.Unlock()

	if len(monitors) == 0 {
		return defaultScanInterval
	}
	interval := monitors[0].CheckInterval(ctx)
	for _, m := range monitors[1:] {
		if d := m.CheckInterval(ctx); d < interval {
			interval = d
		}
	}
	return interval
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := w.heartbeat(hbCtx); err != nil && w.deps.Logger != nil {
				w.deps.Logger.Warn("heartbeat failed", "error", err)
			}
			cancel()
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context) error {
	w.mu.Lock()
	active := 0
	groups := make([]string, 0, len(w.monitors))
	for id, m := range w.monitors {
		groups = append(groups, id)
		if m.Active() {
			active++
		}
	}
	w.mu.Unlock()

	return w.deps.Workers.HeartbeatWorker(ctx, domain.Heartbeat{
		InstanceName:   w.name,
		Status:         domain.WorkerStatusRunning,
		CPUPercent:     w.cpuPercent(),
		MemoryMB:       sysinfo.HeapMB(),
		CurrentGroups:  active,
		AssignedGroups: groups,
		At:             w.now(),
	})
}

func (w *Worker) recordGroupError(ctx context.Context, groupID string, cause error) {
	if err := w.deps.Groups.RecordGroupError(ctx, groupID, cause.Error()); err != nil && w.deps.Logger != nil {
		w.deps.Logger.Warn("failed to record group error", "group_id", groupID, "error", err)
	}
	if w.deps.Metrics != nil {
		w.deps.Metrics.RecordError(groupID, "scan", cause.Error())
	}
}

func (w *Worker) clearGroupError(ctx context.Context, groupID string) {
	if err := w.deps.Groups.ClearGroupError(ctx, groupID); err != nil && w.deps.Logger != nil {
		w.deps.Logger.Warn("failed to clear group error", "group_id", groupID, "error", err)
	}
}
