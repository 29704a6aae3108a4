// Package memory implements the Memory Manager of spec §4.4: cosine-
// similarity retrieval over stored embeddings with optional importance
// decay, and importance/category pre-filters. A production vector
// index (pgvector/lancedb/sqlite-vec) is an explicit Non-goal here;
// this is the narrow in-memory retrieval contract the runner needs.
package memory

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
)

// DecayConfig controls whether and how fast stored importance fades.
type DecayConfig struct {
	Enabled  bool
	HalfLife time.Duration
}

// Hit is one ranked retrieval result.
type Hit struct {
	Entry      model.MemoryEntry
	Score      float64 // cosine similarity of the query embedding
	Importance float64 // effective importance after decay
}

// Store is the in-memory, per-process backing for the Memory Manager.
// A production deployment fronts this with a durable table; this type
// only owns ranking and filtering, which is what the runner calls
// through its retrieval contract.
type Store struct {
	mu      sync.RWMutex
	entries map[ids.ProjectId][]model.MemoryEntry
	decay   DecayConfig
	enabled bool
	now     func() time.Time
}

// New builds a Store. enabled=false makes Retrieve always return an
// empty list without error (spec §4.4's "long-term memory disabled"
// case).
func New(enabled bool, decay DecayConfig) *Store {
	return &Store{
		entries: make(map[ids.ProjectId][]model.MemoryEntry),
		decay:   decay,
		enabled: enabled,
		now:     time.Now,
	}
}

// StoreEntry appends entry to its project's memory set. A no-op when
// the manager is disabled, since nothing will ever retrieve it.
func (s *Store) StoreEntry(entry model.MemoryEntry) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ProjectID] = append(s.entries[entry.ProjectID], entry)
}

// Retrieve ranks stored entries for projectID against queryEmbedding
// by cosine similarity, applying minImportance and categories filters
// before ranking, and returns the top k hits. When the manager is
// disabled or queryEmbedding is empty (no embedding provider
// configured), it returns an empty list without error.
func (s *Store) Retrieve(
	projectID ids.ProjectId,
	queryEmbedding []float32,
	k int,
	minImportance float64,
	categories []string,
) ([]Hit, error) {
	if !s.enabled || len(queryEmbedding) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	entries := append([]model.MemoryEntry(nil), s.entries[projectID]...)
	s.mu.RUnlock()

	categorySet := toSet(categories)
	now := s.now()

	hits := make([]Hit, 0, len(entries))
	for _, e := range entries {
		if len(categorySet) > 0 && !categorySet[e.Category] {
			continue
		}
		effectiveImportance := s.effectiveImportance(e, now)
		if effectiveImportance < minImportance {
			continue
		}
		score := cosineDense(queryEmbedding, e.Embedding)
		hits = append(hits, Hit{Entry: e, Score: score, Importance: effectiveImportance})
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// effectiveImportance applies the decay formula
// importance * 0.5^(ageDays/halfLife) when decay is enabled.
func (s *Store) effectiveImportance(e model.MemoryEntry, now time.Time) float64 {
	if !s.decay.Enabled || s.decay.HalfLife <= 0 {
		return e.Importance
	}
	ageDays := now.Sub(e.CreatedAt).Hours() / 24
	halfLifeDays := s.decay.HalfLife.Hours() / 24
	if halfLifeDays <= 0 {
		return e.Importance
	}
	return e.Importance * math.Pow(0.5, ageDays/halfLifeDays)
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

// cosineDense computes cosine similarity between two embeddings of
// potentially mismatched length (truncated to the shorter).
func cosineDense(a []float32, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, v := range a {
		normA += float64(v) * float64(v)
	}
	for _, v := range b {
		normB += float64(v) * float64(v)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
