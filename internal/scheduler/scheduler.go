// Package scheduler implements the Scheduler (C4): topological execution
// of a TaskGraph with a bounded worker pool, footprint-based conflict
// admission, per-task deadlines, cooperative cancellation, and failure
// cascade across dependent tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"luminara.dev/orchestrator/internal/bus"
	"luminara.dev/orchestrator/internal/conflict"
	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/logging"
	"luminara.dev/orchestrator/internal/planner"
	"luminara.dev/orchestrator/internal/role"
	"luminara.dev/orchestrator/internal/timeline"
)

// TaskState is the per-task lifecycle state machine:
// Pending -> Ready -> Dispatched -> (Suspended <-> Dispatched)* ->
// {Completed, Failed, Cancelled, Skipped}.
type TaskState string

const (
	StatePending    TaskState = "pending"
	StateReady      TaskState = "ready"
	StateDispatched TaskState = "dispatched"
	StateSuspended  TaskState = "suspended"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
	StateCancelled  TaskState = "cancelled"
	StateSkipped    TaskState = "skipped"
)

// Envelope is what an agent role's response contributes to scheduling: the
// intents to commit, the write footprint the response declared, and the raw
// response text recorded on resulting operations.
type Envelope struct {
	Intents   []intent.Intent
	Footprint []intent.Footprint
	Response  string
}

// Agent runs one sub-task's reasoning. Prepare is a suspension point (the
// LLM round-trip happens inside it); its returned envelope declares the
// footprint the admission check gates on.
type Agent interface {
	Prepare(ctx context.Context, task planner.SubTask) (*Envelope, error)
}

// Committer pipes one intent through resolution and verification and, on
// success, returns the appended Operation. The orchestrator wires this to
// C2 + C6 + C7.
type Committer interface {
	CommitIntent(ctx context.Context, taskID string, prompt, response string, it intent.Intent) (*timeline.Operation, error)
}

// ErrTaskTimeout marks a task that exceeded its deadline.
type ErrTaskTimeout struct {
	Task planner.TaskID
}

func (e ErrTaskTimeout) Error() string {
	return fmt.Sprintf("scheduler: task %s exceeded its deadline", e.Task)
}

// ErrTaskCancelled marks a task ended by the run's cancel token.
type ErrTaskCancelled struct {
	Task planner.TaskID
}

func (e ErrTaskCancelled) Error() string {
	return fmt.Sprintf("scheduler: task %s cancelled", e.Task)
}

// TaskFailure pairs a failed task with its error.
type TaskFailure struct {
	Task planner.TaskID
	Err  error
}

// Result is the structured outcome of one graph execution. The scheduler
// always returns it; even a run where every task fails is non-exceptional.
type Result struct {
	Committed       []*timeline.Operation
	Failed          []TaskFailure
	Skipped         []planner.TaskID
	Cancelled       []planner.TaskID
	MessagesDropped int
	States          map[planner.TaskID]TaskState
}

// Config sizes the worker pool and sets the default per-task deadline.
type Config struct {
	Workers      int
	TaskDeadline time.Duration
}

// DefaultWorkers is min(cores, 8), the pool size used when Config.Workers
// is zero.
func DefaultWorkers() int {
	n := runtime.NumCPU()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Metrics is a snapshot of pool utilization, grounded in the same shape the
// hosting editor polls for a live status readout.
type Metrics struct {
	Dispatched     int64
	Completed      int64
	Failed         int64
	Deferred       int64
	TotalWaitTime  time.Duration
	PeakConcurrent int
}

// Scheduler executes TaskGraphs. Safe for sequential reuse; one Execute at
// a time.
type Scheduler struct {
	cfg       Config
	detector  *conflict.Detector
	bus       *bus.Bus
	agent     Agent
	committer Committer

	mu      sync.Mutex
	metrics Metrics
}

// New constructs a Scheduler. A zero Workers falls back to DefaultWorkers;
// a zero TaskDeadline means no per-task deadline.
func New(cfg Config, detector *conflict.Detector, b *bus.Bus, agent Agent, committer Committer) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	return &Scheduler{cfg: cfg, detector: detector, bus: b, agent: agent, committer: committer}
}

// Metrics returns a copy of the run counters.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// taskEvent is the single message type worker goroutines send back to the
// coordinating loop.
type taskEvent struct {
	id        planner.TaskID
	state     TaskState
	err       error
	ops       []*timeline.Operation
	env       *Envelope // set when deferred: the prepared envelope to retry with
	waitStart time.Time
}

// Execute runs graph to quiescence and returns the structured result. The
// context is the run's cancel token: cancelling it stops new dispatches
// and marks undone tasks Cancelled; in-flight commits finish (they are
// atomic).
func (s *Scheduler) Execute(ctx context.Context, graph *planner.TaskGraph) (*Result, error) {
	result := &Result{States: make(map[planner.TaskID]TaskState, len(graph.Nodes))}
	if len(graph.Nodes) == 0 {
		return result, nil
	}

	// unmet[t] counts t's unfinished dependencies; successors inverts the
	// dependency edges for completion propagation.
	unmet := make(map[planner.TaskID]int, len(graph.Nodes))
	successors := make(map[planner.TaskID][]planner.TaskID)
	for id := range graph.Nodes {
		unmet[id] = len(graph.Edges[id])
		result.States[id] = StatePending
		for _, dep := range graph.Edges[id] {
			successors[dep] = append(successors[dep], id)
		}
	}

	sem := semaphore.NewWeighted(int64(s.cfg.Workers))
	events := make(chan taskEvent)
	running := 0
	deferred := make(map[planner.TaskID]*Envelope)
	deferredGen := make(map[planner.TaskID]int64)
	var releaseGen int64

	dispatch := func(id planner.TaskID, env *Envelope) bool {
		if ctx.Err() != nil {
			return false
		}
		if !sem.TryAcquire(1) {
			return false
		}
		result.States[id] = StateDispatched
		running++
		s.noteDispatch(running)
		task := graph.Nodes[id]
		go func() {
			defer sem.Release(1)
			events <- s.runTask(ctx, task, env)
		}()
		return true
	}

	for {
		// Admit every ready task the pool can hold, deterministically by ID.
		for _, id := range sortedIDs(result.States) {
			switch result.States[id] {
			case StatePending, StateReady, StateSuspended:
			default:
				continue
			}
			if unmet[id] > 0 {
				continue
			}
			if env, isDeferred := deferred[id]; isDeferred {
				// A deferred task only retries once some footprint has
				// released since it was parked, otherwise it would spin.
				if deferredGen[id] == releaseGen {
					continue
				}
				if dispatch(id, env) {
					delete(deferred, id)
				}
				continue
			}
			result.States[id] = StateReady
			dispatch(id, nil)
		}

		if running == 0 {
			// A task can be parked with deferredGen == releaseGen when its
			// blocker's completion event was processed before its own
			// suspension event. With nothing running no footprint is held,
			// so force-retry instead of stranding it.
			if len(deferred) > 0 && ctx.Err() == nil {
				forced := false
				for id := range deferred {
					if deferredGen[id] == releaseGen {
						deferredGen[id] = -1
						forced = true
					}
				}
				if forced {
					continue
				}
			}
			break
		}

		ev := <-events
		running--

		switch ev.state {
		case StateCompleted:
			result.States[ev.id] = StateCompleted
			result.Committed = append(result.Committed, ev.ops...)
			releaseGen++
			s.noteCompleted()
			logging.Structured(logging.CategoryScheduler).Infow("task completed",
				"task", string(ev.id), "ops", len(ev.ops))
			for _, succ := range successors[ev.id] {
				unmet[succ]--
			}
			s.publish(graph.Nodes[ev.id].Role, "task_completed", string(ev.id))

		case StateSuspended:
			// Footprint conflict: park with the prepared envelope.
			result.States[ev.id] = StateSuspended
			deferred[ev.id] = ev.env
			deferredGen[ev.id] = releaseGen
			s.noteDeferred(time.Since(ev.waitStart))

		case StateCancelled:
			result.States[ev.id] = StateCancelled
			result.Cancelled = append(result.Cancelled, ev.id)
			releaseGen++

		default: // StateFailed
			result.States[ev.id] = StateFailed
			result.Failed = append(result.Failed, TaskFailure{Task: ev.id, Err: ev.err})
			releaseGen++
			s.noteFailed()
			skipSuccessors(ev.id, successors, result)
			s.publish(graph.Nodes[ev.id].Role, "task_failed", string(ev.id))
		}

		// Cycle boundary: everything published above is delivered before
		// the next admission round.
		s.bus.EndCycle()
	}

	// Anything still pending when the loop drains was either cancelled or
	// starved by a skipped dependency.
	for id, st := range result.States {
		switch st {
		case StatePending, StateReady, StateSuspended:
			if ctx.Err() != nil {
				result.States[id] = StateCancelled
				result.Cancelled = append(result.Cancelled, id)
			} else {
				result.States[id] = StateSkipped
				result.Skipped = append(result.Skipped, id)
			}
		}
	}
	sortTaskIDs(result.Skipped)
	sortTaskIDs(result.Cancelled)

	logging.Scheduler("graph done: %d committed ops, %d failed, %d skipped, %d cancelled",
		len(result.Committed), len(result.Failed), len(result.Skipped), len(result.Cancelled))
	return result, nil
}

// runTask executes one task end to end on a worker: prepare (LLM), admit
// (footprint), then commit each intent through the verification pipeline.
func (s *Scheduler) runTask(ctx context.Context, task planner.SubTask, cached *Envelope) taskEvent {
	start := time.Now()
	tctx := ctx
	if s.cfg.TaskDeadline > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithDeadline(ctx, start.Add(s.cfg.TaskDeadline))
		defer cancel()
	}

	env := cached
	if env == nil {
		var err error
		env, err = s.agent.Prepare(tctx, task)
		if err != nil {
			return s.failureEvent(ctx, tctx, task.ID, fmt.Errorf("scheduler: preparing task %s: %w", task.ID, err))
		}
	}

	if conflicts := s.detector.TryRegister(string(task.ID), env.Footprint); len(conflicts) > 0 {
		logging.SchedulerDebug("task %s deferred on %d conflicts (first: %s)", task.ID, len(conflicts), conflicts[0])
		return taskEvent{id: task.ID, state: StateSuspended, env: env, waitStart: start}
	}
	defer s.detector.ReleaseFootprint(string(task.ID))

	var ops []*timeline.Operation
	for _, it := range env.Intents {
		op, err := s.committer.CommitIntent(tctx, string(task.ID), task.PromptFragment, env.Response, it)
		if op != nil {
			ops = append(ops, op)
		}
		if err != nil {
			ev := s.failureEvent(ctx, tctx, task.ID, err)
			ev.ops = ops
			return ev
		}
	}
	return taskEvent{id: task.ID, state: StateCompleted, ops: ops}
}

// failureEvent distinguishes run-level cancellation from per-task deadline
// overrun from ordinary failure.
func (s *Scheduler) failureEvent(runCtx, taskCtx context.Context, id planner.TaskID, err error) taskEvent {
	switch {
	case runCtx.Err() != nil:
		return taskEvent{id: id, state: StateCancelled, err: ErrTaskCancelled{Task: id}}
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		return taskEvent{id: id, state: StateFailed, err: ErrTaskTimeout{Task: id}}
	default:
		return taskEvent{id: id, state: StateFailed, err: err}
	}
}

func (s *Scheduler) publish(from role.AgentRole, topic, taskID string) {
	s.bus.Publish(bus.Message{From: from, Topic: topic, Payload: taskID})
}

// skipSuccessors cascade-marks every transitive successor of failed as
// Skipped, leaving unrelated branches running.
func skipSuccessors(failed planner.TaskID, successors map[planner.TaskID][]planner.TaskID, result *Result) {
	queue := append([]planner.TaskID(nil), successors[failed]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		switch result.States[id] {
		case StatePending, StateReady, StateSuspended:
			result.States[id] = StateSkipped
			result.Skipped = append(result.Skipped, id)
			queue = append(queue, successors[id]...)
		}
	}
}

func sortedIDs(states map[planner.TaskID]TaskState) []planner.TaskID {
	out := make([]planner.TaskID, 0, len(states))
	for id := range states {
		out = append(out, id)
	}
	sortTaskIDs(out)
	return out
}

func sortTaskIDs(ids []planner.TaskID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func (s *Scheduler) noteDispatch(running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.Dispatched++
	if running > s.metrics.PeakConcurrent {
		s.metrics.PeakConcurrent = running
	}
}

func (s *Scheduler) noteCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.Completed++
}

func (s *Scheduler) noteFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.Failed++
}

func (s *Scheduler) noteDeferred(wait time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.Deferred++
	s.metrics.TotalWaitTime += wait
}
