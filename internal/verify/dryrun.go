package verify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"

	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/logging"
	"luminara.dev/orchestrator/internal/world"
)

// TupleChange names one (entity, component-type) pair a dry run predicts
// will change.
type TupleChange struct {
	Entity world.EntityID
	Type   world.ComponentType
}

// DiffPreview is stage S3's output: the changes the resolved commands would
// make to the real World, computed without committing.
type DiffPreview struct {
	Created   []TupleChange
	Destroyed []TupleChange
	Modified  []TupleChange
	Magnitude int
}

// Summary renders the preview as a one-line change summary for the
// timeline record.
func (d *DiffPreview) Summary() string {
	var parts []string
	if n := len(d.Created); n > 0 {
		parts = append(parts, fmt.Sprintf("+%d", n))
	}
	if n := len(d.Destroyed); n > 0 {
		parts = append(parts, fmt.Sprintf("-%d", n))
	}
	if n := len(d.Modified); n > 0 {
		parts = append(parts, fmt.Sprintf("~%d", n))
	}
	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, " ") + " component tuples"
}

// Empty reports whether the preview predicts no change at all.
func (d *DiffPreview) Empty() bool {
	return len(d.Created) == 0 && len(d.Destroyed) == 0 && len(d.Modified) == 0
}

// ErrDryRunEmpty flags a command set whose dry run predicts no effect;
// committing a no-op operation would pollute the timeline.
type ErrDryRunEmpty struct{}

func (ErrDryRunEmpty) Error() string {
	return "verify: dry run predicts no change"
}

// dryRun is stage S3: apply cmds to a clone of the current World state and
// enumerate the resulting tuple-level differences. Script commands have no
// World effect; their change tuples come straight from their footprints.
func (p *Pipeline) dryRun(cmds []intent.EngineCommand) (*DiffPreview, error) {
	before := snapshotTuples(p.World)

	clone := world.New()
	clone.Restore(p.World.Snapshot())
	preview := &DiffPreview{}

	for _, cmd := range cmds {
		if isScriptCommand(cmd) {
			for _, fp := range cmd.Footprint() {
				change := TupleChange{Entity: fp.Entity, Type: fp.Type}
				switch cmd.(type) {
				case intent.CreateScriptCommand:
					preview.Created = append(preview.Created, change)
				case intent.DeleteScriptCommand:
					preview.Destroyed = append(preview.Destroyed, change)
				default:
					preview.Modified = append(preview.Modified, change)
				}
			}
			continue
		}
		if err := intent.Apply(clone, nil, cmd); err != nil {
			return nil, fmt.Errorf("verify: dry run applying %T: %w", cmd, err)
		}
	}

	after := snapshotTuples(clone)
	diffTuples(before, after, preview)
	preview.Magnitude = len(preview.Created) + len(preview.Destroyed) + len(preview.Modified)

	logging.VerifyDebug("dry run: %s", preview.Summary())
	if preview.Empty() {
		return preview, ErrDryRunEmpty{}
	}
	return preview, nil
}

func snapshotTuples(w world.World) map[world.EntityID]map[world.ComponentType]world.Component {
	out := make(map[world.EntityID]map[world.ComponentType]world.Component)
	for _, snap := range w.IterAll() {
		out[snap.ID] = snap.Components
	}
	return out
}

func diffTuples(before, after map[world.EntityID]map[world.ComponentType]world.Component, preview *DiffPreview) {
	for id, row := range after {
		prior, existed := before[id]
		for t, v := range row {
			old, had := prior[t]
			switch {
			case !existed || !had:
				preview.Created = append(preview.Created, TupleChange{Entity: id, Type: t})
			case !cmp.Equal(old, v):
				preview.Modified = append(preview.Modified, TupleChange{Entity: id, Type: t})
			}
		}
	}
	for id, row := range before {
		next, survives := after[id]
		for t := range row {
			if !survives {
				preview.Destroyed = append(preview.Destroyed, TupleChange{Entity: id, Type: t})
				continue
			}
			if _, still := next[t]; !still {
				preview.Destroyed = append(preview.Destroyed, TupleChange{Entity: id, Type: t})
			}
		}
	}

	sortTuples(preview.Created)
	sortTuples(preview.Destroyed)
	sortTuples(preview.Modified)
}

func sortTuples(tuples []TupleChange) {
	sort.Slice(tuples, func(i, j int) bool {
		if tuples[i].Entity != tuples[j].Entity {
			return tuples[i].Entity < tuples[j].Entity
		}
		return tuples[i].Type < tuples[j].Type
	})
}
