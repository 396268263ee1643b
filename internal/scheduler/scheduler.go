// Package scheduler implements a bounded-concurrency task scheduler
// that assigns work to a pool of agents under dependency and capacity
// constraints.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/agentops/dispatch/internal/config"
	"github.com/agentops/dispatch/internal/events"
	"github.com/agentops/dispatch/internal/metrics"
)

var (
	// ErrValidation indicates a malformed submission.
	ErrValidation = errors.New("invalid task submission")

	// ErrDependencyUnresolved indicates a dependency id that names no
	// known task.
	ErrDependencyUnresolved = errors.New("unknown dependency")

	// ErrCapacityExceeded indicates the pending queue is at its
	// configured bound.
	ErrCapacityExceeded = errors.New("task queue is full")
)

// ExecutorFunc runs one task. Domain logic, including calls into the
// provider router, lives behind this boundary; the scheduler only
// records the outcome.
type ExecutorFunc func(ctx context.Context, task *Task) (any, error)

// Archiver receives terminal tasks evicted from the in-memory retention
// window and serves later lookups for them.
type Archiver interface {
	ArchiveTask(ctx context.Context, task *Task) error
	Task(ctx context.Context, id string) (*Task, error)
}

// SystemStatus summarizes the scheduler for observability.
type SystemStatus struct {
	TotalTasks         int     `json:"total_tasks"`
	RunningTasks       int     `json:"running_tasks"`
	QueuedTasks        int     `json:"queued_tasks"`
	CompletedTasks     int     `json:"completed_tasks"`
	FailedTasks        int     `json:"failed_tasks"`
	MaxConcurrency     int     `json:"max_concurrency"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Scheduler admits tasks, resolves dependencies, and assigns work to
// agents under global and per-agent concurrency caps. Dispatch is
// event-driven: a pass runs after every submission, completion, failure
// and cancellation, never on a timer.
type Scheduler struct {
	cfg config.SchedulerConfig

	mu        sync.Mutex
	tasks     map[string]*Task
	pending   []*Task // submission order; priority resolved at dispatch
	agents    map[string]*agentState
	agentIDs  []string // sorted for deterministic tie-breaking
	executors map[string]ExecutorFunc
	seq       uint64
	running   int
	completed int
	failed    int
	terminal  []string // terminal task ids, oldest first, for retention

	sem     *semaphore.Weighted
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	bus     *events.Bus
	archive Archiver
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBus wires an event bus for lifecycle notifications.
func WithBus(bus *events.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithArchiver wires a history archive for retention overflow.
func WithArchiver(a Archiver) Option {
	return func(s *Scheduler) { s.archive = a }
}

// WithMetrics wires Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// New creates a scheduler with a fixed agent pool. Agents are created
// at initialization and never destroyed during the process lifetime.
func New(cfg config.SchedulerConfig, agents []config.AgentConfig, opts ...Option) (*Scheduler, error) {
	if cfg.MaxGlobalConcurrency <= 0 {
		return nil, fmt.Errorf("%w: max global concurrency must be positive", ErrValidation)
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("%w: at least one agent is required", ErrValidation)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cfg:       cfg,
		tasks:     make(map[string]*Task),
		agents:    make(map[string]*agentState, len(agents)),
		executors: make(map[string]ExecutorFunc),
		sem:       semaphore.NewWeighted(int64(cfg.MaxGlobalConcurrency)),
		baseCtx:   ctx,
		cancel:    cancel,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, a := range agents {
		if a.ID == "" || a.MaxConcurrent <= 0 {
			cancel()
			return nil, fmt.Errorf("%w: agent %q has invalid configuration", ErrValidation, a.ID)
		}
		if _, dup := s.agents[a.ID]; dup {
			cancel()
			return nil, fmt.Errorf("%w: duplicate agent id %q", ErrValidation, a.ID)
		}
		s.agents[a.ID] = &agentState{
			id:            a.ID,
			capabilities:  append([]string(nil), a.Capabilities...),
			maxConcurrent: a.MaxConcurrent,
		}
		s.agentIDs = append(s.agentIDs, a.ID)
	}
	sort.Strings(s.agentIDs)

	return s, nil
}

// RegisterExecutor maps a task type to its executor. Registrations
// replace earlier ones for the same type.
func (s *Scheduler) RegisterExecutor(taskType string, fn ExecutorFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[taskType] = fn
}

// Submit validates and admits one task, then runs a dispatch pass.
// Returns the assigned task id.
func (s *Scheduler) Submit(spec TaskSpec) (string, error) {
	s.mu.Lock()

	task, err := s.admitLocked(spec, nil)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}

	pending := s.collectDispatchEventsLocked(task)
	s.dispatchLocked()
	s.mu.Unlock()

	s.emit(pending...)
	return task.ID, nil
}

// SubmitBatch validates and admits a group of tasks atomically. Specs
// may depend on each other through their Keys; the batch is rejected as
// a whole if it contains a cycle or an unresolvable reference.
func (s *Scheduler) SubmitBatch(specs []TaskSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrValidation)
	}

	s.mu.Lock()

	keyIndex := make(map[string]int, len(specs))
	for i, spec := range specs {
		if spec.Key == "" {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: batch spec %d has no key", ErrValidation, i)
		}
		if _, dup := keyIndex[spec.Key]; dup {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: duplicate batch key %q", ErrValidation, spec.Key)
		}
		keyIndex[spec.Key] = i
	}

	// Topologically order intra-batch references so each spec is
	// admitted after everything it depends on. References to tasks
	// already in the scheduler are validated by admitLocked.
	var edges []toposort.Edge
	for _, spec := range specs {
		hasLocalDep := false
		for _, dep := range spec.Dependencies {
			if _, local := keyIndex[dep]; local {
				edges = append(edges, toposort.Edge{dep, spec.Key})
				hasLocalDep = true
			}
		}
		if !hasLocalDep {
			edges = append(edges, toposort.Edge{nil, spec.Key})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: batch dependency cycle: %v", ErrValidation, err)
	}

	if s.cfg.MaxQueueSize > 0 && len(s.pending)+len(specs) > s.cfg.MaxQueueSize {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: batch of %d exceeds queue bound %d",
			ErrCapacityExceeded, len(specs), s.cfg.MaxQueueSize)
	}

	idByKey := make(map[string]string, len(specs))
	admitted := make([]*Task, 0, len(specs))
	for _, item := range sorted {
		if item == nil {
			continue
		}
		key := item.(string)
		spec := specs[keyIndex[key]]

		task, err := s.admitLocked(spec, idByKey)
		if err != nil {
			// Roll back everything admitted so far; the batch is
			// all-or-nothing.
			for _, t := range admitted {
				delete(s.tasks, t.ID)
			}
			s.pending = s.pending[:len(s.pending)-len(admitted)]
			s.mu.Unlock()
			return nil, fmt.Errorf("spec %q: %w", key, err)
		}
		idByKey[key] = task.ID
		admitted = append(admitted, task)
	}

	ids := make([]string, len(specs))
	var pendingEvents []busEvent
	for i, spec := range specs {
		ids[i] = idByKey[spec.Key]
	}
	for _, t := range admitted {
		pendingEvents = append(pendingEvents, s.collectDispatchEventsLocked(t)...)
	}
	s.dispatchLocked()
	s.mu.Unlock()

	s.emit(pendingEvents...)
	return ids, nil
}

// admitLocked validates a spec and appends the resulting task to the
// queue. idByKey maps batch-local keys to already-admitted ids; nil for
// single submissions.
func (s *Scheduler) admitLocked(spec TaskSpec, idByKey map[string]string) (*Task, error) {
	if spec.Type == "" {
		return nil, fmt.Errorf("%w: task type is required", ErrValidation)
	}
	if spec.Priority < PriorityLow || spec.Priority > PriorityCritical {
		return nil, fmt.Errorf("%w: unknown priority %d", ErrValidation, spec.Priority)
	}
	if spec.EstimatedDuration < 0 {
		return nil, fmt.Errorf("%w: negative estimated duration", ErrValidation)
	}
	if idByKey == nil && s.cfg.MaxQueueSize > 0 && len(s.pending) >= s.cfg.MaxQueueSize {
		return nil, fmt.Errorf("%w: queue bound %d reached", ErrCapacityExceeded, s.cfg.MaxQueueSize)
	}

	deps := make([]string, 0, len(spec.Dependencies))
	for _, dep := range spec.Dependencies {
		if id, ok := idByKey[dep]; ok {
			dep = id
		}
		if _, known := s.tasks[dep]; !known {
			return nil, fmt.Errorf("%w: %q", ErrDependencyUnresolved, dep)
		}
		deps = append(deps, dep)
	}

	s.seq++
	task := &Task{
		ID:                uuid.NewString(),
		Type:              spec.Type,
		Description:       spec.Description,
		Priority:          spec.Priority,
		Status:            StatusPending,
		Dependencies:      deps,
		EstimatedDuration: spec.EstimatedDuration,
		CreatedAt:         s.now(),
		seq:               s.seq,
	}

	s.tasks[task.ID] = task
	s.pending = append(s.pending, task)
	s.metrics.TaskQueued()
	return task, nil
}

// dispatchLocked runs the dispatch loop to quiescence. Caller holds
// s.mu; nothing in here may block or yield, so capacity accounting is
// atomic with respect to every other scheduler mutation.
func (s *Scheduler) dispatchLocked() {
	for {
		task := s.nextEligibleLocked()
		if task == nil {
			return
		}

		if !s.sem.TryAcquire(1) {
			// Global concurrency cap reached.
			return
		}

		agent := s.bestAgentLocked(task)
		if agent == nil {
			// No agent has free capacity; task stays pending.
			s.sem.Release(1)
			return
		}

		// Critical section: all bookkeeping completes before the
		// executor goroutine can observe or mutate anything.
		s.removePendingLocked(task.ID)
		task.Status = StatusRunning
		task.AssignedAgent = agent.id
		task.StartedAt = s.now()
		agent.currentTasks = append(agent.currentTasks, task.ID)
		s.running++
		s.metrics.TaskStarted()

		fn := s.executors[task.Type]
		snapshot := cloneTask(task)

		s.wg.Add(1)
		go s.execute(snapshot, fn)

		s.emitAsync(events.TopicTask, events.TaskStartedEvent{
			ID:        task.ID,
			Type:      task.Type,
			AgentID:   agent.id,
			Timestamp: task.StartedAt,
		})
	}
}

// nextEligibleLocked selects the highest-priority pending task whose
// dependencies are all completed, FIFO within a tier.
func (s *Scheduler) nextEligibleLocked() *Task {
	var best *Task
	for _, task := range s.pending {
		if !s.depsCompletedLocked(task) {
			continue
		}
		if best == nil || task.Priority > best.Priority {
			best = task
		}
		// Equal priority: s.pending is in submission order, so the
		// earlier task is already held.
	}
	return best
}

func (s *Scheduler) depsCompletedLocked(task *Task) bool {
	for _, dep := range task.Dependencies {
		d, ok := s.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// bestAgentLocked scores every agent with free capacity and returns the
// winner, ties broken by smallest agent id.
func (s *Scheduler) bestAgentLocked(task *Task) *agentState {
	var best *agentState
	bestScore := 0.0

	for _, id := range s.agentIDs {
		a := s.agents[id]
		if !a.hasCapacity() {
			continue
		}
		score := scoreAgent(a, task)
		if best == nil || score > bestScore {
			best = a
			bestScore = score
		}
	}
	return best
}

func (s *Scheduler) removePendingLocked(taskID string) {
	for i, t := range s.pending {
		if t.ID == taskID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// execute runs the task's executor off the scheduler goroutine and
// settles the outcome. Executor panics become task failures; nothing
// here can crash the dispatch loop.
func (s *Scheduler) execute(task *Task, fn ExecutorFunc) {
	defer s.wg.Done()

	var result any
	var err error

	if fn == nil {
		err = fmt.Errorf("%w: no executor registered for task type %q", ErrValidation, task.Type)
	} else {
		result, err = s.invoke(fn, task)
	}

	s.settle(task.ID, result, err)
}

func (s *Scheduler) invoke(fn ExecutorFunc, task *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return fn(s.baseCtx, task)
}

// settle records an execution outcome and re-enters dispatch to fill
// the freed capacity.
func (s *Scheduler) settle(taskID string, result any, execErr error) {
	s.mu.Lock()

	task, ok := s.tasks[taskID]
	if !ok || task.Status != StatusRunning {
		// Evicted or already settled; nothing to do beyond freeing the
		// slot.
		s.sem.Release(1)
		s.mu.Unlock()
		return
	}

	if agent, ok := s.agents[task.AssignedAgent]; ok {
		agent.removeTask(task.ID)
	}
	s.running--
	s.sem.Release(1)

	task.CompletedAt = s.now()
	duration := task.CompletedAt.Sub(task.StartedAt)

	var event busEvent
	if execErr != nil {
		task.Status = StatusFailed
		task.Err = execErr.Error()
		s.failed++
		s.metrics.TaskFailed()
		event = busEvent{events.TopicTask, events.TaskFailedEvent{
			ID:        task.ID,
			AgentID:   task.AssignedAgent,
			Err:       task.Err,
			Duration:  duration,
			Timestamp: task.CompletedAt,
		}}
		s.logger.Warn("task failed",
			"task", task.ID, "type", task.Type, "agent", task.AssignedAgent, "error", task.Err)
	} else {
		task.Status = StatusCompleted
		task.Result = result
		s.completed++
		s.metrics.TaskCompleted()
		event = busEvent{events.TopicTask, events.TaskCompletedEvent{
			ID:        task.ID,
			AgentID:   task.AssignedAgent,
			Duration:  duration,
			Timestamp: task.CompletedAt,
		}}
	}

	s.terminal = append(s.terminal, task.ID)
	evicted := s.evictOverRetentionLocked()

	s.dispatchLocked()
	s.mu.Unlock()

	s.emit(event)
	s.archiveEvicted(evicted)
}

// evictOverRetentionLocked trims the in-memory terminal set to the
// retention bound, returning the evicted tasks for archival.
func (s *Scheduler) evictOverRetentionLocked() []*Task {
	if s.cfg.RetentionLimit <= 0 {
		return nil
	}

	var evicted []*Task
	for len(s.terminal) > s.cfg.RetentionLimit {
		oldest := s.terminal[0]
		s.terminal = s.terminal[1:]
		if t, ok := s.tasks[oldest]; ok && t.Status.Terminal() {
			evicted = append(evicted, t)
			delete(s.tasks, oldest)
		}
	}
	return evicted
}

func (s *Scheduler) archiveEvicted(tasks []*Task) {
	if s.archive == nil || len(tasks) == 0 {
		return
	}
	for _, t := range tasks {
		if err := s.archive.ArchiveTask(s.baseCtx, t); err != nil {
			s.logger.Error("failed to archive evicted task", "task", t.ID, "error", err)
		}
	}
}

// Cancel cancels a pending task: it is removed from the queue and
// marked failed with error "cancelled". Running, completed and failed
// tasks are unaffected and Cancel returns false; running work is never
// preempted.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()

	task, ok := s.tasks[taskID]
	if !ok || task.Status != StatusPending {
		s.mu.Unlock()
		return false
	}

	s.removePendingLocked(taskID)
	task.Status = StatusFailed
	task.Err = "cancelled"
	task.CompletedAt = s.now()
	s.failed++
	s.terminal = append(s.terminal, task.ID)
	s.metrics.TaskCancelled()
	evicted := s.evictOverRetentionLocked()

	// A cancellation frees no execution capacity, but it can unblock
	// nothing either; no dispatch pass is needed.
	s.mu.Unlock()

	s.emit(busEvent{events.TopicTask, events.TaskCancelledEvent{
		ID:        taskID,
		Timestamp: task.CompletedAt,
	}})
	s.archiveEvicted(evicted)
	return true
}

// Task returns a snapshot of the task, falling back to the history
// archive for tasks evicted from memory. Returns nil if unknown.
func (s *Scheduler) Task(taskID string) *Task {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if ok {
		cp := cloneTask(task)
		s.mu.Unlock()
		return cp
	}
	s.mu.Unlock()

	if s.archive != nil {
		archived, err := s.archive.Task(s.baseCtx, taskID)
		if err == nil {
			return archived
		}
	}
	return nil
}

// Tasks returns snapshots of all in-memory tasks.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, cloneTask(t))
	}
	return tasks
}

// AgentWorkloads returns snapshots of every agent's current load.
func (s *Scheduler) AgentWorkloads() []AgentWorkload {
	s.mu.Lock()
	defer s.mu.Unlock()

	workloads := make([]AgentWorkload, 0, len(s.agentIDs))
	for _, id := range s.agentIDs {
		a := s.agents[id]
		workloads = append(workloads, AgentWorkload{
			AgentID:       a.id,
			Capabilities:  append([]string(nil), a.capabilities...),
			CurrentTasks:  append([]string(nil), a.currentTasks...),
			MaxConcurrent: a.maxConcurrent,
			CurrentLoad:   a.load(),
		})
	}
	return workloads
}

// SystemStatus returns aggregate counters.
func (s *Scheduler) SystemStatus() SystemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SystemStatus{
		TotalTasks:         len(s.tasks),
		RunningTasks:       s.running,
		QueuedTasks:        len(s.pending),
		CompletedTasks:     s.completed,
		FailedTasks:        s.failed,
		MaxConcurrency:     s.cfg.MaxGlobalConcurrency,
		UtilizationPercent: 100 * float64(s.running) / float64(s.cfg.MaxGlobalConcurrency),
	}
}

// Close cancels the scheduler's base context and waits for in-flight
// executors to settle. Pending tasks stay pending; cancellation of
// running work is cooperative through the context only.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// busEvent pairs an event with its topic so settlement can publish
// outside the scheduler lock.
type busEvent struct {
	topic string
	event events.Event
}

func (s *Scheduler) collectDispatchEventsLocked(task *Task) []busEvent {
	return []busEvent{{events.TopicTask, events.TaskSubmittedEvent{
		ID:        task.ID,
		Type:      task.Type,
		Priority:  task.Priority.String(),
		Timestamp: task.CreatedAt,
	}}}
}

func (s *Scheduler) emit(evts ...busEvent) {
	if s.bus == nil {
		return
	}
	for _, e := range evts {
		s.bus.Publish(e.topic, e.event)
	}
}

// emitAsync publishes from inside the lock; the bus is non-blocking so
// this cannot stall dispatch.
func (s *Scheduler) emitAsync(topic string, event events.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, event)
}
