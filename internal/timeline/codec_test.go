package timeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luminara.dev/orchestrator/internal/intent"
)

// memSink is an in-memory Sink for codec round-trip tests.
type memSink struct {
	data []byte
}

func (s *memSink) AppendBytes(record []byte) error {
	s.data = append(s.data, record...)
	return nil
}

func (s *memSink) ReadRange(from, to int64) ([]byte, error) {
	if to < 0 || to > int64(len(s.data)) {
		to = int64(len(s.data))
	}
	return s.data[from:to], nil
}

func (s *memSink) Fsync() error    { return nil }
func (s *memSink) Truncate() error { s.data = nil; return nil }

func TestPersistRestoreRoundTrip(t *testing.T) {
	w := newWorld(t)
	sink := &memSink{}
	tl := New(w, nil, 8, sink)

	op1 := commitOp(t, tl, w, "spawn a", spawnCmd("e1", "a", intent.Vec3{}))
	commitOp(t, tl, w, "move a", modifyCmd("e1", intent.Vec3{X: 1}))
	require.NoError(t, tl.CreateBranch("experiment", op1))
	require.NoError(t, tl.Persist())

	restored := New(newWorld(t), nil, 8, sink)
	require.NoError(t, restored.Restore())

	assert.Equal(t, tl.Len(), restored.Len())
	assert.Equal(t, tl.Head(), restored.Head())
	assert.Equal(t, tl.Branches(), restored.Branches())

	origOp, err := tl.Get(op1)
	require.NoError(t, err)
	restoredOp, err := restored.Get(op1)
	require.NoError(t, err)
	assert.Equal(t, origOp.ChangeSummary, restoredOp.ChangeSummary)
	assert.Equal(t, origOp.Role, restoredOp.Role)
	assert.Equal(t, origOp.Commands, restoredOp.Commands)
	assert.Equal(t, origOp.Inverse, restoredOp.Inverse)
}

func TestReplayReconstructsWorldState(t *testing.T) {
	w := newWorld(t)
	sink := &memSink{}
	tl := New(w, nil, 8, sink)

	commitOp(t, tl, w, "spawn a", spawnCmd("e1", "a", intent.Vec3{}))
	commitOp(t, tl, w, "move a", modifyCmd("e1", intent.Vec3{X: 3}))
	require.NoError(t, tl.Persist())

	freshWorld := newWorld(t)
	restored := New(freshWorld, nil, 8, sink)
	require.NoError(t, restored.Restore())
	require.NoError(t, restored.Replay())

	c, err := freshWorld.Get("e1", intent.ComponentTransform)
	require.NoError(t, err)
	assert.Equal(t, intent.Vec3{X: 3}, c.(intent.Transform).Position)
}

func TestRestoreDetectsCorruptMagic(t *testing.T) {
	sink := &memSink{data: []byte("NOTATIMELINEFILE_____________________")}
	tl := New(newWorld(t), nil, 8, sink)

	err := tl.Restore()
	var corruption ErrCorruption
	require.ErrorAs(t, err, &corruption)
}

func TestRestoreDetectsBitFlip(t *testing.T) {
	w := newWorld(t)
	sink := &memSink{}
	tl := New(w, nil, 8, sink)
	commitOp(t, tl, w, "spawn a", spawnCmd("e1", "a", intent.Vec3{}))
	require.NoError(t, tl.Persist())

	// Flip one byte in the middle of the record region.
	sink.data[len(sink.data)/2] ^= 0xFF

	err := New(newWorld(t), nil, 8, sink).Restore()
	var corruption ErrCorruption
	require.ErrorAs(t, err, &corruption)
	assert.Contains(t, corruption.Reason, "crc32")
}

func TestRestoreDetectsTruncation(t *testing.T) {
	w := newWorld(t)
	sink := &memSink{}
	tl := New(w, nil, 8, sink)
	commitOp(t, tl, w, "spawn a", spawnCmd("e1", "a", intent.Vec3{}))
	require.NoError(t, tl.Persist())

	sink.data = sink.data[:10]

	err := New(newWorld(t), nil, 8, sink).Restore()
	var corruption ErrCorruption
	require.ErrorAs(t, err, &corruption)
}

func TestRolledBackFlagSurvivesRoundTrip(t *testing.T) {
	w := newWorld(t)
	sink := &memSink{}
	tl := New(w, nil, 8, sink)

	opID := commitOp(t, tl, w, "spawn a", spawnCmd("e1", "a", intent.Vec3{}))
	require.NoError(t, tl.MarkRolledBack(opID))
	require.NoError(t, tl.Persist())

	restored := New(newWorld(t), nil, 8, sink)
	require.NoError(t, restored.Restore())
	op, err := restored.Get(opID)
	require.NoError(t, err)
	assert.True(t, op.RolledBack)
}

func TestDestroyInverseCarriesCapturedComponents(t *testing.T) {
	w := newWorld(t)
	tl := New(w, nil, 0, nil)

	commitOp(t, tl, w, "spawn a", spawnCmd("e1", "a", intent.Vec3{X: 2}))
	destroy := commitOp(t, tl, w, "destroy a", intent.DestroyCommand{EntityID: "e1"})

	require.NoError(t, tl.Undo(destroy))

	c, err := w.Get("e1", intent.ComponentTransform)
	require.NoError(t, err)
	assert.Equal(t, intent.Vec3{X: 2}, c.(intent.Transform).Position)
	name, err := w.Get("e1", intent.ComponentName)
	require.NoError(t, err)
	assert.Equal(t, "a", name)
}
