package timeline

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sort"
	"time"

	"luminara.dev/orchestrator/internal/intent"
	"luminara.dev/orchestrator/internal/logging"
	"luminara.dev/orchestrator/internal/role"
	"luminara.dev/orchestrator/internal/world"
)

// On-sink layout:
//
//	HEADER      : "LUMTL\0" + u32 version + u32 snapshot-interval
//	RECORDS...  : u32 length + u8 tag + payload, tags {OPERATION | BRANCH | SNAPSHOT}
//	FOOTER      : u64 head-offset + u64 branch-index-offset + u32 crc32
//
// head-offset is the byte offset of the head operation's record;
// branch-index-offset points at the first BRANCH record (0 when there are
// none). The CRC covers everything before itself. Snapshots are elided from
// persistence; Replay reconstructs them.

var headerMagic = []byte("LUMTL\x00")

const codecVersion = 1

const (
	recordOperation byte = 1
	recordBranch    byte = 2
	recordSnapshot  byte = 3
)

// ErrCorruption is the fatal timeline-corruption error surfaced to the
// hosting editor as exit code 5.
type ErrCorruption struct {
	Reason string
}

func (e ErrCorruption) Error() string {
	return fmt.Sprintf("timeline: corruption: %s", e.Reason)
}

// Sink is the byte-oriented persistence interface the timeline serializes
// to. FileSink is the reference implementation.
type Sink interface {
	AppendBytes(record []byte) error
	// ReadRange returns bytes [from, to); to < 0 means "to the end".
	ReadRange(from, to int64) ([]byte, error)
	Fsync() error
	// Truncate discards all previously written bytes.
	Truncate() error
}

// wireOperation is the JSON meta block of an OPERATION record; commands
// ride separately as typed binary command records.
type wireOperation struct {
	ID            uint64         `json:"id"`
	Parent        uint64         `json:"parent"`
	Timestamp     int64          `json:"ts"`
	Prompt        string         `json:"prompt,omitempty"`
	Response      string         `json:"response,omitempty"`
	Role          role.AgentRole `json:"role"`
	IntentSummary string         `json:"intent,omitempty"`
	ChangeSummary string         `json:"summary,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	RolledBack    bool           `json:"rolled_back,omitempty"`
}

// Command tags: 4 bytes each, one per EngineCommand variant.
var (
	tagSpawn        = [4]byte{'S', 'P', 'W', 'N'}
	tagDestroy      = [4]byte{'D', 'S', 'T', 'R'}
	tagModify       = [4]byte{'M', 'O', 'D', 'C'}
	tagRemove       = [4]byte{'R', 'E', 'M', 'C'}
	tagCreateScript = [4]byte{'C', 'S', 'C', 'R'}
	tagModifyScript = [4]byte{'M', 'S', 'C', 'R'}
	tagDeleteScript = [4]byte{'D', 'S', 'C', 'R'}
)

// Persist serializes the log and branch pointers to the sink, replacing any
// prior contents, and fsyncs.
func (t *Timeline) Persist() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sink == nil {
		return fmt.Errorf("timeline: no persistence sink configured")
	}
	if t.watch != nil {
		t.watch.ExpectWrite()
	}

	var buf bytes.Buffer
	buf.Write(headerMagic)
	writeU32(&buf, codecVersion)
	writeU32(&buf, uint32(t.snapshotInterval))

	var headOffset uint64
	for _, op := range t.log {
		if op.ID == t.head {
			headOffset = uint64(buf.Len())
		}
		rec, err := encodeOperation(op)
		if err != nil {
			return err
		}
		writeRecord(&buf, recordOperation, rec)
	}

	var branchOffset uint64
	names := make([]string, 0, len(t.branches))
	for n := range t.branches {
		names = append(names, n)
	}
	sort.Strings(names)
	for i, name := range names {
		if i == 0 {
			branchOffset = uint64(buf.Len())
		}
		var rec bytes.Buffer
		writeBytes(&rec, []byte(name))
		writeU64(&rec, uint64(t.branches[name]))
		writeRecord(&buf, recordBranch, rec.Bytes())
	}

	writeU64(&buf, headOffset)
	writeU64(&buf, branchOffset)
	writeU32(&buf, crc32.ChecksumIEEE(buf.Bytes()))

	if err := t.sink.Truncate(); err != nil {
		return fmt.Errorf("timeline: truncating sink: %w", err)
	}
	if err := t.sink.AppendBytes(buf.Bytes()); err != nil {
		return fmt.Errorf("timeline: writing sink: %w", err)
	}
	if err := t.sink.Fsync(); err != nil {
		return fmt.Errorf("timeline: fsync: %w", err)
	}
	logging.Timeline("persisted %d operations, %d branches (%d bytes)", len(t.log), len(t.branches), buf.Len())
	return nil
}

// Restore rebuilds the in-memory log, head, and branch pointers from the
// sink. Snapshots are not persisted; Replay reconstructs World state and
// re-captures them. Any framing or checksum mismatch is ErrCorruption.
func (t *Timeline) Restore() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sink == nil {
		return fmt.Errorf("timeline: no persistence sink configured")
	}
	data, err := t.sink.ReadRange(0, -1)
	if err != nil {
		return fmt.Errorf("timeline: reading sink: %w", err)
	}
	return t.decodeLocked(data)
}

func (t *Timeline) decodeLocked(data []byte) error {
	minLen := len(headerMagic) + 4 + 4 + 8 + 8 + 4
	if len(data) < minLen {
		return ErrCorruption{Reason: "sink shorter than header+footer"}
	}
	if !bytes.Equal(data[:len(headerMagic)], headerMagic) {
		return ErrCorruption{Reason: "bad magic"}
	}

	stored := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(data[:len(data)-4]) != stored {
		return ErrCorruption{Reason: "crc32 mismatch"}
	}

	version := binary.LittleEndian.Uint32(data[len(headerMagic):])
	if version != codecVersion {
		return ErrCorruption{Reason: fmt.Sprintf("unsupported version %d", version)}
	}
	t.snapshotInterval = int(binary.LittleEndian.Uint32(data[len(headerMagic)+4:]))
	if t.snapshotInterval < 1 {
		t.snapshotInterval = DefaultSnapshotInterval
	}

	headOffset := binary.LittleEndian.Uint64(data[len(data)-20:])
	records := data[len(headerMagic)+8 : len(data)-20]

	t.log = nil
	t.index = make(map[OpID]*Operation)
	t.branches = make(map[string]OpID)
	t.snapshots = make(map[OpID]*world.Snapshot)
	t.snapshotKeys = nil

	offset := int64(len(headerMagic) + 8)
	var headOp OpID
	for len(records) > 0 {
		if len(records) < 5 {
			return ErrCorruption{Reason: "truncated record frame"}
		}
		length := binary.LittleEndian.Uint32(records)
		tag := records[4]
		if int(length) > len(records)-5 {
			return ErrCorruption{Reason: "record length exceeds remaining bytes"}
		}
		payload := records[5 : 5+length]

		switch tag {
		case recordOperation:
			op, err := decodeOperation(payload)
			if err != nil {
				return ErrCorruption{Reason: err.Error()}
			}
			t.log = append(t.log, op)
			t.index[op.ID] = op
			if op.ID > t.nextID {
				t.nextID = op.ID
			}
			if uint64(offset) == headOffset {
				headOp = op.ID
			}
		case recordBranch:
			r := bytes.NewReader(payload)
			name, err := readBytes(r)
			if err != nil {
				return ErrCorruption{Reason: "branch record: " + err.Error()}
			}
			var tip uint64
			if err := binary.Read(r, binary.LittleEndian, &tip); err != nil {
				return ErrCorruption{Reason: "branch record tip: " + err.Error()}
			}
			t.branches[string(name)] = OpID(tip)
		case recordSnapshot:
			// Snapshots may be elided; tolerate and skip.
		default:
			return ErrCorruption{Reason: fmt.Sprintf("unknown record tag %d", tag)}
		}

		offset += int64(5 + length)
		records = records[5+length:]
	}

	// A zero head-offset means the head was explicitly empty (everything
	// undone); a non-zero offset must have matched an operation record.
	if headOffset != 0 && headOp == 0 {
		return ErrCorruption{Reason: "head offset names no operation record"}
	}
	t.head = headOp
	logging.Timeline("restored %d operations, %d branches, head %d", len(t.log), len(t.branches), t.head)
	return nil
}

// Replay reconstructs World and script state by applying forward commands
// from the root to head, re-capturing snapshots every snapshotInterval
// operations along the way. Called after Restore on a fresh World.
func (t *Timeline) Replay() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	chain, ok := t.chainLocked(t.head, 0)
	if !ok {
		return ErrCorruption{Reason: "head unreachable from root"}
	}
	// chain is head-first; replay oldest-first.
	for i := len(chain) - 1; i >= 0; i-- {
		op := chain[i]
		if op.RolledBack {
			continue
		}
		for _, cmd := range op.Commands {
			if err := intent.Apply(t.world, t.scripts, cmd); err != nil {
				return fmt.Errorf("timeline: replaying op %d: %w", op.ID, err)
			}
		}
		if (len(chain)-i)%t.snapshotInterval == 0 {
			t.captureSnapshotLocked(op.ID)
		}
	}
	return nil
}

func encodeOperation(op *Operation) ([]byte, error) {
	meta, err := json.Marshal(wireOperation{
		ID:            uint64(op.ID),
		Parent:        uint64(op.Parent),
		Timestamp:     op.Timestamp.UnixNano(),
		Prompt:        op.Prompt,
		Response:      op.Response,
		Role:          op.Role,
		IntentSummary: op.IntentSummary,
		ChangeSummary: op.ChangeSummary,
		Tags:          op.Tags,
		RolledBack:    op.RolledBack,
	})
	if err != nil {
		return nil, fmt.Errorf("timeline: encoding op %d meta: %w", op.ID, err)
	}

	var buf bytes.Buffer
	writeBytes(&buf, meta)
	if err := encodeCommands(&buf, op.Commands); err != nil {
		return nil, err
	}
	if err := encodeCommands(&buf, op.Inverse); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeOperation(payload []byte) (*Operation, error) {
	r := bytes.NewReader(payload)
	meta, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("operation meta: %w", err)
	}
	var wire wireOperation
	if err := json.Unmarshal(meta, &wire); err != nil {
		return nil, fmt.Errorf("operation meta json: %w", err)
	}

	commands, err := decodeCommands(r)
	if err != nil {
		return nil, fmt.Errorf("forward commands: %w", err)
	}
	inverse, err := decodeCommands(r)
	if err != nil {
		return nil, fmt.Errorf("inverse commands: %w", err)
	}

	return &Operation{
		ID:            OpID(wire.ID),
		Parent:        OpID(wire.Parent),
		Timestamp:     time.Unix(0, wire.Timestamp),
		Prompt:        wire.Prompt,
		Response:      wire.Response,
		Role:          wire.Role,
		IntentSummary: wire.IntentSummary,
		ChangeSummary: wire.ChangeSummary,
		Tags:          wire.Tags,
		RolledBack:    wire.RolledBack,
		Commands:      commands,
		Inverse:       inverse,
	}, nil
}

func encodeCommands(buf *bytes.Buffer, cmds []intent.EngineCommand) error {
	writeU32(buf, uint32(len(cmds)))
	for _, c := range cmds {
		tag, err := commandTag(c)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("timeline: encoding %T: %w", c, err)
		}
		buf.Write(tag[:])
		writeBytes(buf, payload)
	}
	return nil
}

func decodeCommands(r *bytes.Reader) ([]intent.EngineCommand, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	cmds := make([]intent.EngineCommand, 0, count)
	for i := uint32(0); i < count; i++ {
		var tag [4]byte
		if _, err := r.Read(tag[:]); err != nil {
			return nil, err
		}
		payload, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		cmd, err := commandFromTag(tag, payload)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func commandTag(c intent.EngineCommand) ([4]byte, error) {
	switch c.(type) {
	case intent.SpawnCommand:
		return tagSpawn, nil
	case intent.DestroyCommand:
		return tagDestroy, nil
	case intent.ModifyCommand:
		return tagModify, nil
	case intent.RemoveCommand:
		return tagRemove, nil
	case intent.CreateScriptCommand:
		return tagCreateScript, nil
	case intent.ModifyScriptCommand:
		return tagModifyScript, nil
	case intent.DeleteScriptCommand:
		return tagDeleteScript, nil
	default:
		return [4]byte{}, fmt.Errorf("timeline: no tag for command %T", c)
	}
}

func commandFromTag(tag [4]byte, payload []byte) (intent.EngineCommand, error) {
	switch tag {
	case tagSpawn:
		var c intent.SpawnCommand
		return c, json.Unmarshal(payload, &c)
	case tagDestroy:
		var c intent.DestroyCommand
		return c, json.Unmarshal(payload, &c)
	case tagModify:
		var c intent.ModifyCommand
		return c, json.Unmarshal(payload, &c)
	case tagRemove:
		var c intent.RemoveCommand
		return c, json.Unmarshal(payload, &c)
	case tagCreateScript:
		var c intent.CreateScriptCommand
		return c, json.Unmarshal(payload, &c)
	case tagModifyScript:
		var c intent.ModifyScriptCommand
		return c, json.Unmarshal(payload, &c)
	case tagDeleteScript:
		var c intent.DeleteScriptCommand
		return c, json.Unmarshal(payload, &c)
	default:
		return nil, fmt.Errorf("timeline: unknown command tag %q", tag)
	}
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, data []byte) {
	writeU32(buf, uint32(len(data)))
	buf.Write(data)
}

func writeRecord(buf *bytes.Buffer, tag byte, payload []byte) {
	writeU32(buf, uint32(len(payload)))
	buf.WriteByte(tag)
	buf.Write(payload)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if int(length) > r.Len() {
		return nil, fmt.Errorf("length prefix %d exceeds remaining %d", length, r.Len())
	}
	out := make([]byte, length)
	if _, err := r.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}
