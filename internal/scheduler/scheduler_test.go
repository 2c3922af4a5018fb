package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"luminara.dev/orchestrator/internal/bus"
	"luminara.dev/orchestrator/internal/conflict"
	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/planner"
	"luminara.dev/orchestrator/internal/role"
	"luminara.dev/orchestrator/internal/timeline"
	"luminara.dev/orchestrator/internal/world"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedAgent returns canned envelopes per task and records call order.
type scriptedAgent struct {
	mu        sync.Mutex
	envelopes map[planner.TaskID]*Envelope
	errs      map[planner.TaskID]error
	delay     map[planner.TaskID]time.Duration
	started   []planner.TaskID
}

func (a *scriptedAgent) Prepare(ctx context.Context, task planner.SubTask) (*Envelope, error) {
	a.mu.Lock()
	a.started = append(a.started, task.ID)
	env := a.envelopes[task.ID]
	err := a.errs[task.ID]
	delay := a.delay[task.ID]
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if env == nil {
		env = &Envelope{}
	}
	return env, nil
}

// recordingCommitter appends a synthetic operation per intent, in commit
// order.
type recordingCommitter struct {
	mu    sync.Mutex
	seq   uint64
	order []string
	fail  map[string]error
}

func (c *recordingCommitter) CommitIntent(ctx context.Context, taskID, prompt, response string, it intent.Intent) (*timeline.Operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[taskID]; err != nil {
		return nil, err
	}
	c.seq++
	c.order = append(c.order, taskID)
	return &timeline.Operation{ID: timeline.OpID(c.seq), Role: it.EmittedBy(), ChangeSummary: taskID}, nil
}

func newScheduler(t *testing.T, agent Agent, committer Committer, workers int) *Scheduler {
	t.Helper()
	d, err := conflict.New(conflict.PromptUser)
	require.NoError(t, err)
	return New(Config{Workers: workers}, d, bus.New(16), agent, committer)
}

func graphOf(t *testing.T, nodes map[planner.TaskID][]planner.TaskID) *planner.TaskGraph {
	t.Helper()
	g := &planner.TaskGraph{Nodes: map[planner.TaskID]planner.SubTask{}, Edges: map[planner.TaskID][]planner.TaskID{}}
	for id, deps := range nodes {
		g.Nodes[id] = planner.SubTask{ID: id, Role: role.SceneArchitect, PromptFragment: string(id)}
		g.Edges[id] = deps
	}
	return g
}

func modifyIntent() intent.Intent {
	return intent.ModifyComponent{Role: role.SceneArchitect, Target: intent.EntityRef{Kind: intent.ById, ID: "e1"}, TypeTag: "Transform"}
}

func writeFP(entity string, typ world.ComponentType) []intent.Footprint {
	return []intent.Footprint{{Entity: world.EntityID(entity), Type: typ, Write: true}}
}

func TestZeroTaskGraphCompletesImmediately(t *testing.T) {
	s := newScheduler(t, &scriptedAgent{}, &recordingCommitter{}, 2)
	res, err := s.Execute(context.Background(), graphOf(t, map[planner.TaskID][]planner.TaskID{}))
	require.NoError(t, err)
	assert.Empty(t, res.Committed)
	assert.Empty(t, res.Failed)
}

func TestSingleFailingTask(t *testing.T) {
	agent := &scriptedAgent{errs: map[planner.TaskID]error{"t1": fmt.Errorf("llm unavailable")}}
	s := newScheduler(t, agent, &recordingCommitter{}, 2)

	res, err := s.Execute(context.Background(), graphOf(t, map[planner.TaskID][]planner.TaskID{"t1": nil}))
	require.NoError(t, err, "task failure is non-exceptional")
	require.Len(t, res.Failed, 1)
	assert.Equal(t, planner.TaskID("t1"), res.Failed[0].Task)
	assert.Equal(t, StateFailed, res.States["t1"])
}

func TestDependencyOrderRespected(t *testing.T) {
	agent := &scriptedAgent{envelopes: map[planner.TaskID]*Envelope{
		"t1": {Intents: []intent.Intent{modifyIntent()}},
		"t2": {Intents: []intent.Intent{modifyIntent()}},
	}}
	committer := &recordingCommitter{}
	s := newScheduler(t, agent, committer, 4)

	res, err := s.Execute(context.Background(), graphOf(t, map[planner.TaskID][]planner.TaskID{
		"t1": nil,
		"t2": {"t1"}, // t2 depends on t1
	}))
	require.NoError(t, err)
	require.Len(t, res.Committed, 2)
	assert.Equal(t, []string{"t1", "t2"}, committer.order)
	assert.Equal(t, StateCompleted, res.States["t1"])
	assert.Equal(t, StateCompleted, res.States["t2"])
}

func TestFailureCascadesSkipToSuccessors(t *testing.T) {
	agent := &scriptedAgent{
		envelopes: map[planner.TaskID]*Envelope{
			"t3": {Intents: []intent.Intent{modifyIntent()}},
		},
		errs: map[planner.TaskID]error{"t1": fmt.Errorf("boom")},
	}
	committer := &recordingCommitter{}
	s := newScheduler(t, agent, committer, 4)

	// t1 -> t2 -> t4; t3 independent.
	res, err := s.Execute(context.Background(), graphOf(t, map[planner.TaskID][]planner.TaskID{
		"t1": nil,
		"t2": {"t1"},
		"t3": nil,
		"t4": {"t2"},
	}))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.States["t1"])
	assert.Equal(t, StateSkipped, res.States["t2"])
	assert.Equal(t, StateSkipped, res.States["t4"])
	assert.Equal(t, StateCompleted, res.States["t3"], "unrelated branch keeps executing")
	assert.ElementsMatch(t, []planner.TaskID{"t2", "t4"}, res.Skipped)
}

func TestParallelNonConflictingTasksBothCommit(t *testing.T) {
	agent := &scriptedAgent{envelopes: map[planner.TaskID]*Envelope{
		"t1": {Intents: []intent.Intent{modifyIntent()}, Footprint: writeFP("A", "Transform")},
		"t2": {Intents: []intent.Intent{modifyIntent()}, Footprint: writeFP("A", "Physics")},
	}}
	committer := &recordingCommitter{}
	s := newScheduler(t, agent, committer, 4)

	res, err := s.Execute(context.Background(), graphOf(t, map[planner.TaskID][]planner.TaskID{"t1": nil, "t2": nil}))
	require.NoError(t, err)
	assert.Len(t, res.Committed, 2)
	assert.Empty(t, res.Failed)
}

func TestConflictingWritesSerialize(t *testing.T) {
	agent := &scriptedAgent{
		envelopes: map[planner.TaskID]*Envelope{
			"t1": {Intents: []intent.Intent{modifyIntent()}, Footprint: writeFP("A", "Transform")},
			"t2": {Intents: []intent.Intent{modifyIntent()}, Footprint: writeFP("A", "Transform")},
		},
		// No hold: whether t2's admission check sees t1's footprint depends
		// on timing; either way both tasks must commit.
		delay: map[planner.TaskID]time.Duration{"t1": 0},
	}
	committer := &recordingCommitter{}
	s := newScheduler(t, agent, committer, 4)

	res, err := s.Execute(context.Background(), graphOf(t, map[planner.TaskID][]planner.TaskID{"t1": nil, "t2": nil}))
	require.NoError(t, err)
	assert.Len(t, res.Committed, 2, "both commit, serialized by footprint admission")
	assert.Empty(t, res.Failed)
	assert.Len(t, committer.order, 2)
}

func TestEmptyFootprintNeverWaits(t *testing.T) {
	agent := &scriptedAgent{envelopes: map[planner.TaskID]*Envelope{
		"t1": {Intents: []intent.Intent{modifyIntent()}, Footprint: writeFP("A", "Transform")},
		"t2": {Intents: []intent.Intent{modifyIntent()}},
	}}
	committer := &recordingCommitter{}
	s := newScheduler(t, agent, committer, 4)

	res, err := s.Execute(context.Background(), graphOf(t, map[planner.TaskID][]planner.TaskID{"t1": nil, "t2": nil}))
	require.NoError(t, err)
	assert.Len(t, res.Committed, 2)
	assert.Equal(t, int64(0), s.Metrics().Deferred)
}

func TestCancellationStopsDispatch(t *testing.T) {
	agent := &scriptedAgent{
		envelopes: map[planner.TaskID]*Envelope{
			"t1": {Intents: []intent.Intent{modifyIntent()}},
			"t2": {Intents: []intent.Intent{modifyIntent()}},
		},
		delay: map[planner.TaskID]time.Duration{"t1": 200 * time.Millisecond},
	}
	committer := &recordingCommitter{}
	s := newScheduler(t, agent, committer, 1) // one worker: t2 queues behind t1

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := s.Execute(ctx, graphOf(t, map[planner.TaskID][]planner.TaskID{"t1": nil, "t2": nil}))
	require.NoError(t, err)
	assert.Empty(t, res.Committed)
	assert.NotEmpty(t, res.Cancelled)
}

func TestTaskDeadlineFailsTask(t *testing.T) {
	agent := &scriptedAgent{
		envelopes: map[planner.TaskID]*Envelope{"t1": {Intents: []intent.Intent{modifyIntent()}}},
		delay:     map[planner.TaskID]time.Duration{"t1": 200 * time.Millisecond},
	}
	d, err := conflict.New(conflict.PromptUser)
	require.NoError(t, err)
	s := New(Config{Workers: 2, TaskDeadline: 10 * time.Millisecond}, d, bus.New(16), agent, &recordingCommitter{})

	res, execErr := s.Execute(context.Background(), graphOf(t, map[planner.TaskID][]planner.TaskID{"t1": nil}))
	require.NoError(t, execErr)
	require.Len(t, res.Failed, 1)
	var timeout ErrTaskTimeout
	assert.ErrorAs(t, res.Failed[0].Err, &timeout)
}

func TestMetricsTrackDispatches(t *testing.T) {
	agent := &scriptedAgent{envelopes: map[planner.TaskID]*Envelope{
		"t1": {Intents: []intent.Intent{modifyIntent()}},
	}}
	s := newScheduler(t, agent, &recordingCommitter{}, 2)

	_, err := s.Execute(context.Background(), graphOf(t, map[planner.TaskID][]planner.TaskID{"t1": nil}))
	require.NoError(t, err)
	m := s.Metrics()
	assert.Equal(t, int64(1), m.Dispatched)
	assert.Equal(t, int64(1), m.Completed)
}
