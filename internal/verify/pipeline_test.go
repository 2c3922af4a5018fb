package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/role"
	"luminara.dev/orchestrator/internal/timeline"
	"luminara.dev/orchestrator/internal/world"
)

// fakeRuntime is a programmable ScriptRuntime: Call returns whatever error
// the test configures, letting limit and crash paths be exercised without
// interpreting anything.
type fakeRuntime struct {
	callErr error
	loaded  int
	calls   int
}

func (f *fakeRuntime) Load(source []byte, language intent.ScriptLanguage) (string, error) {
	f.loaded++
	return "fake-1", nil
}
func (f *fakeRuntime) Reload(id string, source []byte) error { return nil }
func (f *fakeRuntime) Call(ctx context.Context, id, function string, args ...interface{}) (interface{}, error) {
	f.calls++
	return "", f.callErr
}
func (f *fakeRuntime) SetLimits(id string, limits Limits) error { return nil }
func (f *fakeRuntime) Abort(id string) error                    { return nil }

func newPipeline(t *testing.T) (*Pipeline, *world.InMemoryWorld, *timeline.Timeline, *fakeRuntime) {
	t.Helper()
	w := world.New()
	for _, typ := range []world.ComponentType{intent.ComponentName, intent.ComponentTransform, "Physics"} {
		require.NoError(t, w.RegisterComponentType(typ))
	}
	rt := &fakeRuntime{}
	runtimes := map[intent.ScriptLanguage]ScriptRuntime{
		intent.LanguagePortableBinary: rt,
		intent.LanguageVMBytecode:     rt,
	}
	scripts := NewScriptManager(runtimes)
	tl := timeline.New(w, scripts, 0, nil)
	p := New(w, scripts, tl, runtimes)
	p.MonitorWindow = 0 // single anomaly scan, no wait
	p.MonitorPoll = time.Millisecond
	return p, w, tl, rt
}

func transformBytes(t *testing.T, pos intent.Vec3) []byte {
	t.Helper()
	b, err := intent.EncodeComponent(intent.Transform{Position: pos, Rotation: intent.Identity})
	require.NoError(t, err)
	return b
}

func spawnEntity(t *testing.T, w world.World, id, name string, pos intent.Vec3) {
	t.Helper()
	require.NoError(t, w.SpawnWithID(world.EntityID(id), map[world.ComponentType]world.Component{
		intent.ComponentName:      name,
		intent.ComponentTransform: intent.Transform{Position: pos, Rotation: intent.Identity},
	}))
}

func meta(r role.AgentRole) CommitMeta {
	return CommitMeta{Prompt: "test", Role: r, Intent: "test intent"}
}

func TestCommitAppendsOperationWithInverses(t *testing.T) {
	p, w, tl, _ := newPipeline(t)
	spawnEntity(t, w, "e1", "a", intent.Vec3{})

	cmd := intent.ModifyCommand{EntityID: "e1", TypeTag: intent.ComponentTransform, NewValue: transformBytes(t, intent.Vec3{X: 1})}
	it := intent.ModifyComponent{Role: role.SceneArchitect, Target: intent.EntityRef{Kind: intent.ById, ID: "e1"}, TypeTag: intent.ComponentTransform}

	op, err := p.VerifyAndCommit(context.Background(), meta(role.SceneArchitect), it, []intent.EngineCommand{cmd})
	require.NoError(t, err)
	require.NotNil(t, op)

	assert.Equal(t, 1, tl.Len())
	require.Len(t, op.Inverse, 1)
	inv, ok := op.Inverse[0].(intent.ModifyCommand)
	require.True(t, ok)
	assert.JSONEq(t, string(transformBytes(t, intent.Vec3{})), string(inv.NewValue), "inverse carries the pre-state value")

	c, err := w.Get("e1", intent.ComponentTransform)
	require.NoError(t, err)
	assert.Equal(t, intent.Vec3{X: 1}, c.(intent.Transform).Position)
}

func TestDryRunEmptyBlocksNoOpCommit(t *testing.T) {
	p, w, tl, _ := newPipeline(t)
	spawnEntity(t, w, "e1", "a", intent.Vec3{X: 1})

	// Writing the value already present predicts no change.
	cmd := intent.ModifyCommand{EntityID: "e1", TypeTag: intent.ComponentTransform, NewValue: transformBytes(t, intent.Vec3{X: 1})}
	it := intent.ModifyComponent{Role: role.SceneArchitect, Target: intent.EntityRef{Kind: intent.ById, ID: "e1"}, TypeTag: intent.ComponentTransform}

	_, err := p.VerifyAndCommit(context.Background(), meta(role.SceneArchitect), it, []intent.EngineCommand{cmd})
	var empty ErrDryRunEmpty
	require.ErrorAs(t, err, &empty)
	assert.Equal(t, 0, tl.Len())
}

func TestSandboxLimitLeavesWorldUntouched(t *testing.T) {
	p, w, tl, rt := newPipeline(t)
	rt.callErr = LimitExceeded{Limit: LimitMemory}

	source := []byte("//luminara:hook on_load\nfunc on_load(input string) (string, error) { return \"\", nil }")
	it := intent.CreateScript{Role: role.GameplayProgrammer, Path: "big.lum", Language: intent.LanguageVMBytecode, Source: source}
	cmds := []intent.EngineCommand{intent.CreateScriptCommand{ScriptID: "s1", Path: "big.lum", Language: intent.LanguageVMBytecode, Source: source}}

	p.StaticEnabled = false // the fake runtime's limit is what's under test
	_, err := p.VerifyAndCommit(context.Background(), meta(role.GameplayProgrammer), it, cmds)

	var limit LimitExceeded
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, LimitMemory, limit.Limit, "error names exactly the violated limit")
	assert.Equal(t, 0, tl.Len(), "no operation appended")
	assert.Empty(t, w.IterAll(), "world unchanged")
	assert.Empty(t, p.Scripts.IDs(), "script store unchanged")
}

func TestSpawnBoundEnforcedInSandbox(t *testing.T) {
	p, w, _, _ := newPipeline(t)
	spawnEntity(t, w, "anchor", "a", intent.Vec3{})
	p.Limits.SpawnedEntities = 2

	var cmds []intent.EngineCommand
	for _, id := range []string{"n1", "n2", "n3"} {
		cmds = append(cmds, intent.SpawnCommand{EntityID: world.EntityID(id), Components: map[world.ComponentType][]byte{
			intent.ComponentTransform: transformBytes(t, intent.Vec3{}),
		}})
	}
	it := intent.SpawnRelative{Role: role.SceneArchitect}

	_, err := p.VerifyAndCommit(context.Background(), meta(role.SceneArchitect), it, cmds)
	var limit LimitExceeded
	require.ErrorAs(t, err, &limit)
	assert.Equal(t, LimitSpawnedEntities, limit.Limit)
	assert.False(t, w.Exists("n1"), "sandbox effects do not escape")
}

func TestMonitoredRollbackOnNaN(t *testing.T) {
	p, w, tl, _ := newPipeline(t)
	spawnEntity(t, w, "e1", "a", intent.Vec3{X: 1})

	// A mutation smuggling a NaN sentinel: not decodable as Transform, so
	// it lands as raw bytes the monitor scans.
	badValue := []byte(`{"Position":{"X":NaN,"Y":0,"Z":0}}`)
	cmd := intent.ModifyCommand{EntityID: "e1", TypeTag: intent.ComponentTransform, NewValue: badValue}
	it := intent.ModifyComponent{Role: role.SceneArchitect, Target: intent.EntityRef{Kind: intent.ById, ID: "e1"}, TypeTag: intent.ComponentTransform}

	op, err := p.VerifyAndCommit(context.Background(), meta(role.SceneArchitect), it, []intent.EngineCommand{cmd})

	var rollback ErrMonitoredRollback
	require.ErrorAs(t, err, &rollback)
	require.NotNil(t, op)
	assert.Equal(t, 1, tl.Len(), "rolled-back operation stays in the log")

	logged, getErr := tl.Get(op.ID)
	require.NoError(t, getErr)
	assert.True(t, logged.RolledBack)

	// Subsequent readers see the pre-state.
	c, err := w.Get("e1", intent.ComponentTransform)
	require.NoError(t, err)
	assert.Equal(t, intent.Vec3{X: 1}, c.(intent.Transform).Position)
}

func TestMonitoredRollbackOnOutOfBounds(t *testing.T) {
	p, w, _, _ := newPipeline(t)
	spawnEntity(t, w, "e1", "a", intent.Vec3{})
	p.WorldBound = 100

	cmd := intent.ModifyCommand{EntityID: "e1", TypeTag: intent.ComponentTransform, NewValue: transformBytes(t, intent.Vec3{X: 1e9})}
	it := intent.ModifyComponent{Role: role.SceneArchitect, Target: intent.EntityRef{Kind: intent.ById, ID: "e1"}, TypeTag: intent.ComponentTransform}

	_, err := p.VerifyAndCommit(context.Background(), meta(role.SceneArchitect), it, []intent.EngineCommand{cmd})
	var rollback ErrMonitoredRollback
	require.ErrorAs(t, err, &rollback)

	c, getErr := w.Get("e1", intent.ComponentTransform)
	require.NoError(t, getErr)
	assert.Equal(t, intent.Vec3{}, c.(intent.Transform).Position)
}

func TestSandboxCatchesWorldRejectedCommand(t *testing.T) {
	p, w, tl, _ := newPipeline(t)
	spawnEntity(t, w, "e1", "a", intent.Vec3{})

	good := intent.ModifyCommand{EntityID: "e1", TypeTag: intent.ComponentTransform, NewValue: transformBytes(t, intent.Vec3{X: 5})}
	// Unregistered component type: rejected inside the disposable world.
	bad := intent.ModifyCommand{EntityID: "e1", TypeTag: "NoSuchType", NewValue: []byte(`1`)}
	it := intent.ModifyComponent{Role: role.SceneArchitect, Target: intent.EntityRef{Kind: intent.ById, ID: "e1"}, TypeTag: intent.ComponentTransform}

	_, err := p.VerifyAndCommit(context.Background(), meta(role.SceneArchitect), it, []intent.EngineCommand{good, bad})
	var crash ErrSandboxCrash
	require.ErrorAs(t, err, &crash)
	assert.Equal(t, 0, tl.Len())

	c, getErr := w.Get("e1", intent.ComponentTransform)
	require.NoError(t, getErr)
	assert.Equal(t, intent.Vec3{}, c.(intent.Transform).Position, "nothing escapes the sandbox")
}

func TestCommitAbortRevertsAppliedCommands(t *testing.T) {
	p, w, tl, _ := newPipeline(t)
	spawnEntity(t, w, "e1", "a", intent.Vec3{})

	good := intent.ModifyCommand{EntityID: "e1", TypeTag: intent.ComponentTransform, NewValue: transformBytes(t, intent.Vec3{X: 5})}
	// Targets an entity that only exists in some other task's imagination;
	// the world rejects it after the first command already applied.
	bad := intent.ModifyCommand{EntityID: "ghost", TypeTag: intent.ComponentTransform, NewValue: transformBytes(t, intent.Vec3{})}

	_, err := p.commit(context.Background(), meta(role.SceneArchitect), []intent.EngineCommand{good, bad}, &DiffPreview{Modified: []TupleChange{{Entity: "e1", Type: intent.ComponentTransform}}})
	var rejected ErrWorldRejected
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 0, tl.Len(), "a half-applied operation never reaches the log")

	c, getErr := w.Get("e1", intent.ComponentTransform)
	require.NoError(t, getErr)
	assert.Equal(t, intent.Vec3{}, c.(intent.Transform).Position, "abort reverted the applied command")
}

func TestScriptCommitLoadsIntoStore(t *testing.T) {
	p, _, tl, rt := newPipeline(t)
	p.StaticEnabled = false

	source := []byte("//luminara:hook on_load\nfunc on_load(input string) (string, error) { return \"ok\", nil }")
	it := intent.CreateScript{Role: role.GameplayProgrammer, Path: "spin.lum", Language: intent.LanguageVMBytecode, Source: source}
	cmds := []intent.EngineCommand{intent.CreateScriptCommand{ScriptID: "s1", Path: "spin.lum", Language: intent.LanguageVMBytecode, Source: source}}

	op, err := p.VerifyAndCommit(context.Background(), meta(role.GameplayProgrammer), it, cmds)
	require.NoError(t, err)
	require.NotNil(t, op)

	assert.Equal(t, []string{"s1"}, p.Scripts.IDs())
	assert.Equal(t, 1, tl.Len())
	assert.GreaterOrEqual(t, rt.calls, 1, "sandbox executed the declared hook")

	// Undo removes the script again.
	require.NoError(t, tl.Undo(op.ID))
	assert.Empty(t, p.Scripts.IDs())
}
