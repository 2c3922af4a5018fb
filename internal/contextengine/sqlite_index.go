package contextengine

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"luminara.dev/orchestrator/internal/logging"
	"luminara.dev/orchestrator/internal/world"
)

// SQLiteIndex is a persistent SemanticIndex over a pure-Go sqlite database:
// entity documents survive editor restarts without requiring a cgo build.
// Scoring is token-overlap, the same metric KeywordIndex uses in memory;
// the cgo sqlite-vec index (vec_index.go) replaces both when embeddings are
// available.
type SQLiteIndex struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteIndex opens (or creates) the index database at dbPath. Use
// ":memory:" for an ephemeral index.
func NewSQLiteIndex(dbPath string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("contextengine: opening sqlite index: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entity_doc (
		entity_id TEXT PRIMARY KEY,
		name      TEXT NOT NULL,
		tokens    TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("contextengine: creating entity_doc table: %w", err)
	}
	logging.ContextDebug("sqlite index open at %s", dbPath)
	return &SQLiteIndex{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *SQLiteIndex) Index(id world.EntityID, name, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := tokenize(name + " " + text)
	_, err := s.db.Exec(
		`INSERT INTO entity_doc (entity_id, name, tokens) VALUES (?, ?, ?)
		 ON CONFLICT(entity_id) DO UPDATE SET name = excluded.name, tokens = excluded.tokens`,
		string(id), name, strings.Join(tokens, " "),
	)
	return err
}

func (s *SQLiteIndex) Remove(id world.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM entity_doc WHERE entity_id = ?`, string(id))
	return err
}

func (s *SQLiteIndex) Search(query string, topK int) ([]SemanticMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT entity_id, name, tokens FROM entity_doc`)
	if err != nil {
		return nil, fmt.Errorf("contextengine: querying index: %w", err)
	}
	defer rows.Close()

	var matches []SemanticMatch
	for rows.Next() {
		var id, name, tokenText string
		if err := rows.Scan(&id, &name, &tokenText); err != nil {
			return nil, err
		}
		score := overlapScore(queryTokens, strings.Fields(tokenText))
		if score > 0 {
			matches = append(matches, SemanticMatch{Entity: world.EntityID(id), Name: name, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func tokenize(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

// overlapScore is the shared-token fraction of the query, in [0, 1].
func overlapScore(query, doc []string) float64 {
	docSet := make(map[string]bool, len(doc))
	for _, w := range doc {
		docSet[w] = true
	}
	hits := 0
	for _, w := range query {
		if docSet[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

var _ SemanticIndex = (*SQLiteIndex)(nil)
