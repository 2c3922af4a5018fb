//go:build sqlite_vec && cgo

package contextengine

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"sync"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"luminara.dev/orchestrator/internal/logging"
	"luminara.dev/orchestrator/internal/world"
)

func init() {
	// Registers the sqlite-vec extension as auto-loadable for every
	// subsequent mattn/go-sqlite3 connection, mirroring the teacher
	// store package's cgo-gated vec registration.
	vec.Auto()
}

// Embedder turns text into a fixed-dimension float32 vector. The
// orchestrator wires this to whatever embedding model the host editor
// configures; it is not specified further by the orchestration core.
type Embedder interface {
	Embed(text string) ([]float32, error)
	Dimensions() int
}

// VecIndex is a sqlite-vec backed SemanticIndex: entity text is embedded
// and stored in a vec0 virtual table, queried by nearest-neighbor cosine
// distance. Grounded on the teacher's store.LocalStore vector-search path
// (initVecIndex / encodeFloat32Slice / vectorRecallVec), generalized from
// file-content embeddings to entity descriptions.
type VecIndex struct {
	mu       sync.Mutex
	db       *sql.DB
	embedder Embedder
	names    map[world.EntityID]string
}

// NewVecIndex opens (or creates) a sqlite-vec index at dbPath.
func NewVecIndex(dbPath string, embedder Embedder) (*VecIndex, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("contextengine: opening vec index: %w", err)
	}
	idx := &VecIndex{db: db, embedder: embedder, names: make(map[world.EntityID]string)}
	idx.initSchema(embedder.Dimensions())
	return idx, nil
}

func (v *VecIndex) initSchema(dim int) {
	stmt := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS entity_vec USING vec0(embedding float[%d] distance_metric=cosine, entity_id TEXT, name TEXT)",
		dim,
	)
	if _, err := v.db.Exec(stmt); err != nil {
		logging.Get(logging.CategoryContext).Warn("vec index schema init failed: %v", err)
	}
}

func encodeFloat32Slice(vec []float32) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

func (v *VecIndex) Index(id world.EntityID, name, text string) error {
	embedding, err := v.embedder.Embed(name + " " + text)
	if err != nil {
		return fmt.Errorf("contextengine: embedding entity %s: %w", id, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.names[id] = name
	if _, err := v.db.Exec("DELETE FROM entity_vec WHERE entity_id = ?", string(id)); err != nil {
		return err
	}
	_, err = v.db.Exec(
		"INSERT INTO entity_vec(embedding, entity_id, name) VALUES (?, ?, ?)",
		encodeFloat32Slice(embedding), string(id), name,
	)
	return err
}

func (v *VecIndex) Remove(id world.EntityID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.names, id)
	_, err := v.db.Exec("DELETE FROM entity_vec WHERE entity_id = ?", string(id))
	return err
}

func (v *VecIndex) Search(query string, topK int) ([]SemanticMatch, error) {
	embedding, err := v.embedder.Embed(query)
	if err != nil {
		return nil, fmt.Errorf("contextengine: embedding query: %w", err)
	}
	if topK <= 0 {
		topK = 5
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	rows, err := v.db.Query(
		`SELECT entity_id, name, distance FROM entity_vec
		 WHERE embedding MATCH ? AND k = ? ORDER BY distance`,
		encodeFloat32Slice(embedding), topK,
	)
	if err != nil {
		return nil, fmt.Errorf("contextengine: vec search: %w", err)
	}
	defer rows.Close()

	var out []SemanticMatch
	for rows.Next() {
		var id, name string
		var distance float64
		if err := rows.Scan(&id, &name, &distance); err != nil {
			return nil, err
		}
		// Cosine distance in [0, 2]; convert to a similarity score in [0, 1].
		score := 1 - distance/2
		out = append(out, SemanticMatch{Entity: world.EntityID(id), Name: name, Score: score})
	}
	return out, rows.Err()
}
