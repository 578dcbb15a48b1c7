package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engramlabs/engram/internal/embedding"
	"github.com/engramlabs/engram/internal/observability"
)

// archivalPersistEvery is how many insertions accumulate before the store
// is rewritten to disk.
const archivalPersistEvery = 10

// ArchivedItem is one append-only record in the archival tier.
type ArchivedItem struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SearchResult is a scored archival hit. Score is cosine similarity
// clamped to [0, 1].
type SearchResult struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"relevance_score"`
}

type archivalFile struct {
	Memories  []ArchivedItem `json:"memories"`
	Vectors   [][]float32    `json:"vectors"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ArchivalMemory is the unbounded third tier: parallel item and vector
// sequences, appended together under one mutex so positions stay aligned.
// Search is a linear cosine scan; persistence rewrites one JSON file
// every archivalPersistEvery insertions.
type ArchivalMemory struct {
	mu       sync.RWMutex
	path     string
	items    []ArchivedItem
	vectors  [][]float32
	inserts  int
	embedder Embedder
	logger   *observability.Logger
}

// NewArchivalMemory opens the archival store for collection under
// dataDir. A corrupt or missing file starts the collection empty.
func NewArchivalMemory(dataDir, collection string, embedder Embedder, logger *observability.Logger) *ArchivalMemory {
	if logger == nil {
		logger = observability.NopLogger()
	}
	a := &ArchivalMemory{
		path:     filepath.Join(dataDir, "archival", collection+".json"),
		embedder: embedder,
		logger:   logger,
	}
	a.load()
	return a
}

func (a *ArchivalMemory) load() {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Error(context.Background(), "failed to read archival store, starting empty",
				"path", a.path, "error", err)
		}
		return
	}

	var stored archivalFile
	if err := json.Unmarshal(data, &stored); err != nil {
		a.logger.Error(context.Background(), "archival store corrupt, starting empty",
			"path", a.path, "error", err)
		return
	}
	if len(stored.Memories) != len(stored.Vectors) {
		a.logger.Error(context.Background(), "archival store misaligned, starting empty",
			"path", a.path, "memories", len(stored.Memories), "vectors", len(stored.Vectors))
		return
	}
	a.items = stored.Memories
	a.vectors = stored.Vectors
}

// Store embeds text and appends it with its metadata. The returned error
// only ever reports a persistence failure; the item is kept in memory
// regardless.
func (a *ArchivalMemory) Store(ctx context.Context, text string, metadata map[string]any) (string, error) {
	vec := a.embedder.Embed(ctx, text, embedding.PromptPassage)

	item := ArchivedItem{
		ID:        uuid.New().String(),
		Text:      text,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append(a.items, item)
	a.vectors = append(a.vectors, vec)
	a.inserts++

	if a.inserts >= archivalPersistEvery {
		if err := a.persistLocked(); err != nil {
			return item.ID, fmt.Errorf("archival persist failed: %w", err)
		}
		a.inserts = 0
	}
	return item.ID, nil
}

// StorePage archives an evicted or completed page, deriving text from the
// page content and carrying the page identity in metadata so retrieval
// can later promote it without duplication.
func (a *ArchivalMemory) StorePage(ctx context.Context, page *Page) (string, error) {
	metadata := map[string]any{
		"type":    "page",
		"page_id": page.ID,
		"kind":    string(page.Kind),
	}
	if topic := page.Content.Topic; topic != "" {
		metadata["topic"] = topic
	}
	return a.Store(ctx, page.Content.Text(), metadata)
}

// Search embeds the query and ranks every stored item by cosine
// similarity, highest first.
func (a *ArchivalMemory) Search(ctx context.Context, query string, limit int) []SearchResult {
	queryVec := a.embedder.Embed(ctx, query, embedding.PromptQuery)

	a.mu.RLock()
	results := make([]SearchResult, 0, len(a.items))
	for i, item := range a.items {
		score := a.embedder.Similarity(queryVec, a.vectors[i])
		if score < 0 {
			score = 0
		}
		results = append(results, SearchResult{
			ID:       item.ID,
			Text:     item.Text,
			Metadata: item.Metadata,
			Score:    score,
		})
	}
	a.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// Len returns the number of archived items.
func (a *ArchivalMemory) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}

// Items returns a copy of all archived items, oldest first.
func (a *ArchivalMemory) Items() []ArchivedItem {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]ArchivedItem, len(a.items))
	copy(out, a.items)
	return out
}

// Flush forces the store to disk regardless of the insertion counter.
func (a *ArchivalMemory) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.persistLocked(); err != nil {
		return err
	}
	a.inserts = 0
	return nil
}

func (a *ArchivalMemory) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("failed to create archival directory: %w", err)
	}

	data, err := json.Marshal(archivalFile{
		Memories:  a.items,
		Vectors:   a.vectors,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal archival store: %w", err)
	}

	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write archival store: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace archival store: %w", err)
	}
	return nil
}
