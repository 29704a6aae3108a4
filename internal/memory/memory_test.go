package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
)

func TestRetrieveRanksByCosineSimilarity(t *testing.T) {
	store := New(true, DecayConfig{})
	project := ids.NewProjectId()

	store.StoreEntry(model.MemoryEntry{ProjectID: project, Category: "fact", Content: "close", Embedding: []float32{1, 0, 0}, Importance: 1, CreatedAt: time.Now()})
	store.StoreEntry(model.MemoryEntry{ProjectID: project, Category: "fact", Content: "far", Embedding: []float32{0, 1, 0}, Importance: 1, CreatedAt: time.Now()})

	hits, err := store.Retrieve(project, []float32{1, 0, 0}, 10, 0, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "close", hits[0].Entry.Content)
	require.InDelta(t, 1.0, hits[0].Score, 0.0001)
	require.InDelta(t, 0.0, hits[1].Score, 0.0001)
}

func TestRetrieveAppliesCategoryAndImportanceFilters(t *testing.T) {
	store := New(true, DecayConfig{})
	project := ids.NewProjectId()

	store.StoreEntry(model.MemoryEntry{ProjectID: project, Category: "fact", Content: "a", Embedding: []float32{1, 0}, Importance: 0.9, CreatedAt: time.Now()})
	store.StoreEntry(model.MemoryEntry{ProjectID: project, Category: "preference", Content: "b", Embedding: []float32{1, 0}, Importance: 0.9, CreatedAt: time.Now()})
	store.StoreEntry(model.MemoryEntry{ProjectID: project, Category: "fact", Content: "c", Embedding: []float32{1, 0}, Importance: 0.1, CreatedAt: time.Now()})

	hits, err := store.Retrieve(project, []float32{1, 0}, 10, 0.5, []string{"fact"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "a", hits[0].Entry.Content)
}

func TestRetrieveTopKLimitsResults(t *testing.T) {
	store := New(true, DecayConfig{})
	project := ids.NewProjectId()
	for i := 0; i < 5; i++ {
		store.StoreEntry(model.MemoryEntry{ProjectID: project, Category: "fact", Content: "x", Embedding: []float32{1, 0}, Importance: 1, CreatedAt: time.Now()})
	}

	hits, err := store.Retrieve(project, []float32{1, 0}, 2, 0, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
}

func TestRetrieveReturnsEmptyWhenDisabled(t *testing.T) {
	store := New(false, DecayConfig{})
	project := ids.NewProjectId()
	store.StoreEntry(model.MemoryEntry{ProjectID: project, Embedding: []float32{1, 0}, CreatedAt: time.Now()})

	hits, err := store.Retrieve(project, []float32{1, 0}, 10, 0, nil)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestRetrieveReturnsEmptyWhenNoQueryEmbedding(t *testing.T) {
	store := New(true, DecayConfig{})
	project := ids.NewProjectId()
	store.StoreEntry(model.MemoryEntry{ProjectID: project, Embedding: []float32{1, 0}, Importance: 1, CreatedAt: time.Now()})

	hits, err := store.Retrieve(project, nil, 10, 0, nil)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestDecayReducesEffectiveImportanceOverTime(t *testing.T) {
	store := New(true, DecayConfig{Enabled: true, HalfLife: 24 * time.Hour})
	project := ids.NewProjectId()

	old := model.MemoryEntry{ProjectID: project, Category: "fact", Content: "old", Embedding: []float32{1, 0}, Importance: 1.0, CreatedAt: time.Now().Add(-24 * time.Hour)}
	fresh := model.MemoryEntry{ProjectID: project, Category: "fact", Content: "fresh", Embedding: []float32{1, 0}, Importance: 1.0, CreatedAt: time.Now()}
	store.StoreEntry(old)
	store.StoreEntry(fresh)

	hits, err := store.Retrieve(project, []float32{1, 0}, 10, 0, nil)
	require.NoError(t, err)

	var oldImportance, freshImportance float64
	for _, h := range hits {
		if h.Entry.Content == "old" {
			oldImportance = h.Importance
		}
		if h.Entry.Content == "fresh" {
			freshImportance = h.Importance
		}
	}
	require.InDelta(t, 0.5, oldImportance, 0.01)
	require.InDelta(t, 1.0, freshImportance, 0.01)
}
