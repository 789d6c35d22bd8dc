package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/spamshield/platform/internal/domain"
	"github.com/spamshield/platform/internal/repository"
)

type fakeGroupRepo struct {
	groups []domain.Group
}

func (f *fakeGroupRepo) CreateGroup(ctx context.Context, g *domain.Group) error { return nil }
func (f *fakeGroupRepo) GetGroup(ctx context.Context, groupID string) (*domain.Group, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeGroupRepo) ListActiveGroups(ctx context.Context) ([]domain.Group, error) {
	return f.groups, nil
}
func (f *fakeGroupRepo) UpdateGroupStatus(ctx context.Context, groupID, status string) error {
	return nil
}
func (f *fakeGroupRepo) UpdateGroupCursor(ctx context.Context, groupID, lastMessageID string, checkedAt time.Time) error {
	return nil
}
func (f *fakeGroupRepo) RecordGroupError(ctx context.Context, groupID, message string) error {
	return nil
}
func (f *fakeGroupRepo) ClearGroupError(ctx context.Context, groupID string) error { return nil }
func (f *fakeGroupRepo) GetGroupConfig(ctx context.Context, groupID string) (*domain.GroupConfig, error) {
	cfg := domain.DefaultGroupConfig(groupID)
	return &cfg, nil
}
func (f *fakeGroupRepo) UpsertGroupConfig(ctx context.Context, cfg *domain.GroupConfig) error {
	return nil
}

type fakeWorkerRepo struct {
	mu        sync.Mutex
	instances map[string]domain.WorkerInstance
	stopped   []string
	lastHB    domain.Heartbeat
}

func newFakeWorkerRepo() *fakeWorkerRepo {
	return &fakeWorkerRepo{instances: make(map[string]domain.WorkerInstance)}
}

func (f *fakeWorkerRepo) RegisterWorker(ctx context.Context, instance *domain.WorkerInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.instances[instance.Name]; ok {
		instance.ID = existing.ID
	} else {
		instance.ID = "id-" + instance.Name
	}
	f.instances[instance.Name] = *instance
	return nil
}

func (f *fakeWorkerRepo) HeartbeatWorker(ctx context.Context, hb domain.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastHB = hb
	inst := f.instances[hb.InstanceName]
	inst.LastHeartbeat = hb.At
	inst.Status = hb.Status
	f.instances[hb.InstanceName] = inst
	return nil
}

func (f *fakeWorkerRepo) lastHeartbeat() domain.Heartbeat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHB
}

func (f *fakeWorkerRepo) GetWorkerByName(ctx context.Context, name string) (*domain.WorkerInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[name]; ok {
		return &inst, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeWorkerRepo) ListWorkers(ctx context.Context) ([]domain.WorkerInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.WorkerInstance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (f *fakeWorkerRepo) MarkWorkerStopped(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeWorkerRepo) setHeartbeat(name string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := f.instances[name]
	inst.LastHeartbeat = at
	f.instances[name] = inst
}

type fakeAssignmentRepo struct {
	mu        sync.Mutex
	byGroup   map[string]string
	conflicts map[string]bool
}

func newFakeAssignmentRepo() *fakeAssignmentRepo {
	return &fakeAssignmentRepo{byGroup: make(map[string]string), conflicts: make(map[string]bool)}
}

func (f *fakeAssignmentRepo) ClaimAssignment(ctx context.Context, groupID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts[groupID] {
		return repository.ErrConflict
	}
	if _, taken := f.byGroup[groupID]; taken {
		return repository.ErrConflict
	}
	f.byGroup[groupID] = instanceID
	return nil
}

func (f *fakeAssignmentRepo) ReleaseAssignment(ctx context.Context, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byGroup, groupID)
	return nil
}

func (f *fakeAssignmentRepo) ListAssignmentsForInstance(ctx context.Context, instanceID string) ([]domain.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Assignment
	for g, id := range f.byGroup {
		if id == instanceID {
			out = append(out, domain.Assignment{GroupID: g, InstanceID: id})
		}
	}
	return out, nil
}

func (f *fakeAssignmentRepo) ListAssignments(ctx context.Context) ([]domain.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Assignment, 0, len(f.byGroup))
	for g, id := range f.byGroup {
		out = append(out, domain.Assignment{GroupID: g, InstanceID: id})
	}
	return out, nil
}

func (f *fakeAssignmentRepo) owner(groupID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byGroup[groupID]
}

func (f *fakeAssignmentRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byGroup)
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []domain.EventLog
}

func (f *fakeEventRepo) AppendEventLog(ctx context.Context, e *domain.EventLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *e)
	return nil
}
func (f *fakeEventRepo) AppendMessageLog(ctx context.Context, log *domain.MessageLog) error {
	return nil
}
func (f *fakeEventRepo) UpdateMessageLogAction(ctx context.Context, groupID, messageID, action string, deleted, notified bool) error {
	return nil
}
func (f *fakeEventRepo) ListRecentMessageIDs(ctx context.Context, groupID string, since time.Time) ([]string, error) {
	return nil, nil
}
func (f *fakeEventRepo) ListMessageLogsForRange(ctx context.Context, groupID string, from, to time.Time) ([]domain.MessageLog, error) {
	return nil, nil
}
func (f *fakeEventRepo) DeleteEventLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeEventRepo) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakeHandle struct {
	mu         sync.Mutex
	alive      bool
	ignoreTerm bool
	termed     bool
	done       chan struct{}
	terminated chan struct{}
}

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *fakeHandle) Terminate() error {
	h.mu.Lock()
	if !h.termed {
		h.termed = true
		close(h.terminated)
	}
	ignore := h.ignoreTerm
	h.mu.Unlock()
	if !ignore {
		h.exit()
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.exit()
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) exit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.alive {
		h.alive = false
		close(h.done)
	}
}

type fakeRunner struct {
	mu      sync.Mutex
	started []string
	groups  map[string][]string
	handles map[string]*fakeHandle
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{groups: make(map[string][]string), handles: make(map[string]*fakeHandle)}
}

func (f *fakeRunner) Start(ctx context.Context, name string, groupIDs []string) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{alive: true, done: make(chan struct{}), terminated: make(chan struct{})}
	f.started = append(f.started, name)
	f.groups[name] = append([]string(nil), groupIDs...)
	f.handles[name] = h
	return h, nil
}

func (f *fakeRunner) startCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.started {
		if s == name {
			n++
		}
	}
	return n
}

func (f *fakeRunner) lastGroups(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groups[name]
}

type fixture struct {
	orch   *Orchestrator
	groups *fakeGroupRepo
	repo   *fakeWorkerRepo
	asg    *fakeAssignmentRepo
	events *fakeEventRepo
	runner *fakeRunner
	clock  *time.Time
}

func activeGroups(n int) []domain.Group {
	out := make([]domain.Group, n)
	for i := range out {
		out[i] = domain.Group{ID: fmt.Sprintf("g%02d", i+1), Status: domain.GroupStatusActive}
	}
	return out
}

func newFixture(t *testing.T, groups []domain.Group, opts Options) *fixture {
	t.Helper()

	f := &fixture{
		groups: &fakeGroupRepo{groups: groups},
		repo:   newFakeWorkerRepo(),
		asg:    newFakeAssignmentRepo(),
		events: &fakeEventRepo{},
		runner: newFakeRunner(),
	}
	opts.StopGracePeriod = 50 * time.Millisecond

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	f.orch = New(Deps{
		Groups:      f.groups,
		Workers:     f.repo,
		Assignments: f.asg,
		Events:      f.events,
		Runner:      f.runner,
		Logger:      logger,
	}, opts)

	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	f.clock = &t0
	f.orch.now = func() time.Time { return *f.clock }

	seq := 0
	f.orch.newID = func() string {
		seq++
		return fmt.Sprintf("worker-%d", seq)
	}
	return f
}

func TestReconcileAssignsGroupsUpToCapacity(t *testing.T) {
	f := newFixture(t, activeGroups(12), Options{MaxWorkers: 2, GroupsPerWorker: 5})

	f.orch.reconcile(context.Background())

	if got := f.asg.count(); got != 10 {
		t.Fatalf("assignments = %d, want 10", got)
	}
	status := f.orch.Status()
	if len(status.Workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(status.Workers))
	}
	for _, w := range status.Workers {
		if len(w.Groups) != 5 {
			t.Fatalf("worker %s has %d groups, want 5", w.Name, len(w.Groups))
		}
		if !w.Alive {
			t.Fatalf("worker %s not running", w.Name)
		}
	}
	if status.TotalGroups != 10 {
		t.Fatalf("total groups = %d, want 10", status.TotalGroups)
	}
	// The two overflow groups stay visible instead of dropping into limbo.
	if len(status.Unassigned) != 2 {
		t.Fatalf("unassigned = %v, want the 2 overflow groups", status.Unassigned)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t, activeGroups(4), Options{MaxWorkers: 2, GroupsPerWorker: 5})

	f.orch.reconcile(context.Background())
	f.orch.reconcile(context.Background())

	if got := f.asg.count(); got != 4 {
		t.Fatalf("assignments = %d, want 4", got)
	}
	// The second cycle must not restart or respawn anything.
	if got := f.runner.startCount("worker-1"); got != 1 {
		t.Fatalf("worker-1 started %d times, want 1", got)
	}
}

func TestReconcileSkipsConflictedClaims(t *testing.T) {
	f := newFixture(t, activeGroups(3), Options{MaxWorkers: 1, GroupsPerWorker: 5})
	f.asg.conflicts["g02"] = true

	f.orch.reconcile(context.Background())

	if got := f.asg.count(); got != 2 {
		t.Fatalf("assignments = %d, want 2", got)
	}
	groups := f.runner.lastGroups("worker-1")
	for _, g := range groups {
		if g == "g02" {
			t.Fatal("conflicted group must not be assigned locally")
		}
	}
	if len(groups) != 2 {
		t.Fatalf("worker groups = %v, want g01 and g03", groups)
	}
}

func TestReconcileReleasesDeactivatedGroups(t *testing.T) {
	f := newFixture(t, activeGroups(2), Options{MaxWorkers: 1, GroupsPerWorker: 5})

	f.orch.reconcile(context.Background())
	if got := f.asg.count(); got != 2 {
		t.Fatalf("assignments = %d, want 2", got)
	}

	f.groups.groups = activeGroups(1)
	f.orch.reconcile(context.Background())

	if got := f.asg.count(); got != 1 {
		t.Fatalf("assignments = %d, want 1 after deactivation", got)
	}
	if owner := f.asg.owner("g02"); owner != "" {
		t.Fatalf("g02 still owned by %s", owner)
	}
	// The worker restarts with the shrunken set.
	if got := f.runner.startCount("worker-1"); got != 2 {
		t.Fatalf("worker-1 started %d times, want 2", got)
	}
	if groups := f.runner.lastGroups("worker-1"); len(groups) != 1 || groups[0] != "g01" {
		t.Fatalf("worker groups = %v, want [g01]", groups)
	}
}

func TestReconcileStopsWorkerWithNoGroups(t *testing.T) {
	f := newFixture(t, activeGroups(1), Options{MaxWorkers: 1, GroupsPerWorker: 5})

	f.orch.reconcile(context.Background())
	f.groups.groups = nil
	f.orch.reconcile(context.Background())

	status := f.orch.Status()
	if len(status.Workers) != 0 {
		t.Fatalf("workers = %d, want 0", len(status.Workers))
	}
	if got := f.asg.count(); got != 0 {
		t.Fatalf("assignments = %d, want 0", got)
	}
}

func TestReconcileReclaimsOrphanedAssignments(t *testing.T) {
	f := newFixture(t, activeGroups(1), Options{MaxWorkers: 1, GroupsPerWorker: 5, HeartbeatTimeout: 5 * time.Minute})

	// g01 is owned by a dead instance from a previous run.
	stale := &domain.WorkerInstance{Name: "worker-old", Status: domain.WorkerStatusRunning}
	if err := f.repo.RegisterWorker(context.Background(), stale); err != nil {
		t.Fatal(err)
	}
	f.repo.setHeartbeat("worker-old", f.clock.Add(-time.Hour))
	f.asg.byGroup["g01"] = stale.ID

	f.orch.reconcile(context.Background())

	if owner := f.asg.owner("g01"); owner != "id-worker-1" {
		t.Fatalf("g01 owned by %s, want id-worker-1", owner)
	}
}

func TestReconcileLeavesHealthyForeignAssignments(t *testing.T) {
	f := newFixture(t, activeGroups(1), Options{MaxWorkers: 1, GroupsPerWorker: 5, HeartbeatTimeout: 5 * time.Minute})

	other := &domain.WorkerInstance{Name: "worker-other", Status: domain.WorkerStatusRunning}
	if err := f.repo.RegisterWorker(context.Background(), other); err != nil {
		t.Fatal(err)
	}
	f.repo.setHeartbeat("worker-other", f.clock.Add(-time.Minute))
	f.asg.byGroup["g01"] = other.ID

	f.orch.reconcile(context.Background())

	if owner := f.asg.owner("g01"); owner != other.ID {
		t.Fatalf("g01 owner changed to %s", owner)
	}
	if len(f.runner.started) != 0 {
		t.Fatalf("no local workers expected, started %v", f.runner.started)
	}
}

func TestHealthCheckRestartsDeadWorkerWithSameGroups(t *testing.T) {
	f := newFixture(t, activeGroups(3), Options{MaxWorkers: 1, GroupsPerWorker: 5})

	f.orch.reconcile(context.Background())
	before := f.runner.lastGroups("worker-1")

	f.runner.handles["worker-1"].exit()
	f.orch.healthCheck(context.Background())

	if got := f.runner.startCount("worker-1"); got != 2 {
		t.Fatalf("worker-1 started %d times, want 2", got)
	}
	after := f.runner.lastGroups("worker-1")
	if len(after) != len(before) {
		t.Fatalf("restart changed group set: %v -> %v", before, after)
	}
	if owner := f.asg.owner("g01"); owner != "id-worker-1" {
		t.Fatalf("assignment lost across restart, owner %s", owner)
	}
}

func TestHealthCheckRestartsOnHeartbeatTimeout(t *testing.T) {
	f := newFixture(t, activeGroups(1), Options{MaxWorkers: 1, GroupsPerWorker: 5, HeartbeatTimeout: 5 * time.Minute})

	f.orch.reconcile(context.Background())
	f.repo.setHeartbeat("worker-1", *f.clock)

	// Advance past the grace window with a stale heartbeat.
	*f.clock = f.clock.Add(10 * time.Minute)
	f.orch.healthCheck(context.Background())

	if got := f.runner.startCount("worker-1"); got != 2 {
		t.Fatalf("worker-1 started %d times, want 2", got)
	}
}

func TestHealthCheckLeavesHealthyWorkersAlone(t *testing.T) {
	f := newFixture(t, activeGroups(1), Options{MaxWorkers: 1, GroupsPerWorker: 5, HeartbeatTimeout: 5 * time.Minute})

	f.orch.reconcile(context.Background())
	*f.clock = f.clock.Add(10 * time.Minute)
	f.repo.setHeartbeat("worker-1", *f.clock)

	f.orch.healthCheck(context.Background())

	if got := f.runner.startCount("worker-1"); got != 1 {
		t.Fatalf("healthy worker restarted, start count %d", got)
	}
}

func TestHeartbeatReportsProcessUsage(t *testing.T) {
	f := newFixture(t, activeGroups(2), Options{MaxWorkers: 1, GroupsPerWorker: 5})
	f.orch.cpuPercent = func() float64 { return 12.5 }

	f.orch.reconcile(context.Background())
	f.orch.heartbeat(context.Background())

	hb := f.repo.lastHeartbeat()
	if hb.InstanceName != f.orch.name {
		t.Fatalf("heartbeat instance = %q, want %q", hb.InstanceName, f.orch.name)
	}
	if hb.CPUPercent != 12.5 {
		t.Fatalf("heartbeat cpu = %v, want 12.5", hb.CPUPercent)
	}
	if hb.CurrentGroups != 2 {
		t.Fatalf("heartbeat groups = %d, want 2", hb.CurrentGroups)
	}
}

func TestStatusRespondsDuringStopGracePeriod(t *testing.T) {
	f := newFixture(t, activeGroups(1), Options{MaxWorkers: 1, GroupsPerWorker: 5})

	f.orch.reconcile(context.Background())

	// The worker ignores the terminate signal, so the stop waits out the
	// full grace period before killing it.
	h := f.runner.handles["worker-1"]
	h.mu.Lock()
	h.ignoreTerm = true
	h.mu.Unlock()
	f.orch.opts.StopGracePeriod = 2 * time.Second

	f.groups.groups = nil
	reconciled := make(chan struct{})
	go func() {
		f.orch.reconcile(context.Background())
		close(reconciled)
	}()
	<-h.terminated

	statusDone := make(chan Status, 1)
	go func() { statusDone <- f.orch.Status() }()
	select {
	case <-statusDone:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Status blocked while a worker stop was in progress")
	}

	h.exit()
	<-reconciled
}

func TestWorkerEventsAreAudited(t *testing.T) {
	f := newFixture(t, activeGroups(1), Options{MaxWorkers: 1, GroupsPerWorker: 5})

	f.orch.reconcile(context.Background())
	f.runner.handles["worker-1"].exit()
	f.orch.healthCheck(context.Background())

	var started, restarted bool
	for _, typ := range f.events.types() {
		switch typ {
		case "worker_started":
			started = true
		case "worker_restarted":
			restarted = true
		}
	}
	if !started || !restarted {
		t.Fatalf("missing audit events, got %v", f.events.types())
	}
}
