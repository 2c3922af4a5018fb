package contextengine

import (
	"sort"
	"strings"
	"sync"

	"luminara.dev/orchestrator/internal/world"
)

// SemanticMatch is one hit returned by a SemanticIndex search.
type SemanticMatch struct {
	Entity world.EntityID
	Name   string
	Score  float64
}

// SemanticIndex resolves natural-language descriptions to candidate
// entities. The sqlite-vec-backed implementation (see vec_index.go) is
// preferred; KeywordIndex is the degraded fallback used when no embedding
// engine is configured, mirroring the store package's keyword-only mode
// when it has no embedding backend wired in.
type SemanticIndex interface {
	// Index registers or updates searchable text for an entity.
	Index(id world.EntityID, name, text string) error
	// Remove drops an entity from the index.
	Remove(id world.EntityID) error
	// Search returns the topK best matches for query, best-first.
	Search(query string, topK int) ([]SemanticMatch, error)
}

// KeywordIndex is a dependency-free semantic index that scores documents
// by shared-token overlap. It exists so the Context Engine is usable
// without a cgo sqlite-vec build, the same fallback posture the teacher's
// vector store takes when SetEmbeddingEngine(nil) puts it in
// keyword-only mode.
type KeywordIndex struct {
	mu   sync.RWMutex
	docs map[world.EntityID]keywordDoc
}

type keywordDoc struct {
	name   string
	tokens map[string]bool
}

// NewKeywordIndex constructs an empty KeywordIndex.
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{docs: make(map[world.EntityID]keywordDoc)}
}

func (k *KeywordIndex) Index(id world.EntityID, name, text string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	tokens := map[string]bool{}
	for _, w := range wordPattern.FindAllString(strings.ToLower(name+" "+text), -1) {
		tokens[w] = true
	}
	k.docs[id] = keywordDoc{name: name, tokens: tokens}
	return nil
}

func (k *KeywordIndex) Remove(id world.EntityID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.docs, id)
	return nil
}

func (k *KeywordIndex) Search(query string, topK int) ([]SemanticMatch, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	qTokens := wordPattern.FindAllString(strings.ToLower(query), -1)
	if len(qTokens) == 0 {
		return nil, nil
	}

	var matches []SemanticMatch
	for id, doc := range k.docs {
		var hits int
		for _, qt := range qTokens {
			if doc.tokens[qt] {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := float64(hits) / float64(len(qTokens))
		matches = append(matches, SemanticMatch{Entity: id, Name: doc.name, Score: score})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Entity < matches[j].Entity
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}
