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
	"golang.org/x/sync/errgroup"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/embedding"
	"github.com/engramlabs/engram/internal/observability"
)

// backfillParallelism caps concurrent embedding calls during migration.
const backfillParallelism = 4

// MultiModelMetadata records when an entry was stored and which models
// have indexed it. Extra carries caller metadata for document entries.
type MultiModelMetadata struct {
	CreatedAt       time.Time         `json:"created_at"`
	Role            string            `json:"role,omitempty"`
	Extra           map[string]any    `json:"extra,omitempty"`
	ModelVersions   map[string]string `json:"model_versions,omitempty"`
	AvailableModels []string          `json:"available_models"`
}

// MultiModelEntry holds one text enriched with embeddings from several
// models, keyed by "<model_name>:<dim>". The text is never rewritten
// after creation; embeddings are an auxiliary index that grows as models
// are added.
type MultiModelEntry struct {
	ID         string               `json:"id"`
	Text       string               `json:"text"`
	Embeddings map[string][]float32 `json:"embeddings"`
	Metadata   MultiModelMetadata   `json:"metadata"`
}

// MultiModelResult is a scored hit from one model key's index.
type MultiModelResult struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Role     string  `json:"role,omitempty"`
	ModelKey string  `json:"model_key"`
	Score    float64 `json:"score"`
}

type multiModelFile struct {
	Entries   []MultiModelEntry `json:"entries"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// MultiModelStore persists entries carrying per-model embeddings so the
// engine can migrate to a new embedding model in place: backfill computes
// the missing vectors while the stored text stays bit-identical.
type MultiModelStore struct {
	mu      sync.RWMutex
	path    string
	entries []MultiModelEntry
	logger  *observability.Logger
}

// NewMultiModelStore opens the store at path, starting empty when the
// file is missing or corrupt.
func NewMultiModelStore(path string, logger *observability.Logger) *MultiModelStore {
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &MultiModelStore{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error(context.Background(), "failed to read multi-model store, starting empty",
				"path", path, "error", err)
		}
		return s
	}
	var stored multiModelFile
	if err := json.Unmarshal(data, &stored); err != nil {
		logger.Error(context.Background(), "multi-model store corrupt, starting empty",
			"path", path, "error", err)
		return s
	}
	s.entries = stored.Entries
	return s
}

// StoreConversation stores one conversation turn embedded by every model.
func (s *MultiModelStore) StoreConversation(ctx context.Context, text, role string, models map[string]Embedder) (string, error) {
	return s.store(ctx, text, role, nil, models)
}

// StoreDocument stores document text with caller metadata embedded by
// every model.
func (s *MultiModelStore) StoreDocument(ctx context.Context, text string, metadata map[string]any, models map[string]Embedder) (string, error) {
	return s.store(ctx, text, "", metadata, models)
}

func (s *MultiModelStore) store(ctx context.Context, text, role string, extra map[string]any, models map[string]Embedder) (string, error) {
	if len(models) == 0 {
		return "", fmt.Errorf("no embedding models supplied")
	}

	embeddings := make(map[string][]float32, len(models))
	versions := make(map[string]string, len(models))
	for key, embedder := range models {
		vec, ok := s.embedForKey(ctx, key, embedder, text)
		if !ok {
			continue
		}
		embeddings[key] = vec
		versions[key] = embedder.ModelInfo().Model
	}
	if len(embeddings) == 0 {
		return "", fmt.Errorf("no usable embedding models for entry")
	}

	entry := MultiModelEntry{
		ID:         uuid.New().String(),
		Text:       text,
		Embeddings: embeddings,
		Metadata: MultiModelMetadata{
			CreatedAt:       time.Now().UTC(),
			Role:            role,
			Extra:           extra,
			ModelVersions:   versions,
			AvailableModels: sortedKeys(embeddings),
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if err := s.persistLocked(); err != nil {
		return entry.ID, err
	}
	return entry.ID, nil
}

// embedForKey embeds text with one model and enforces the invariant that
// the vector length matches the dimension declared by the model key.
func (s *MultiModelStore) embedForKey(ctx context.Context, key string, embedder Embedder, text string) ([]float32, bool) {
	_, dim, err := config.SplitModelKey(key)
	if err != nil {
		s.logger.Warn(ctx, "skipping malformed model key", "model_key", key, "error", err)
		return nil, false
	}
	vec := embedder.Embed(ctx, text, embedding.PromptPassage)
	if len(vec) != dim {
		s.logger.Warn(ctx, "skipping model with mismatched dimension",
			"model_key", key, "got", len(vec), "want", dim)
		return nil, false
	}
	return vec, true
}

// Search ranks entries holding a vector for modelKey against queryVec.
// Entries never indexed by that model are invisible to it.
func (s *MultiModelStore) Search(queryVec []float32, modelKey string, topK int, threshold float64) []MultiModelResult {
	s.mu.RLock()
	var results []MultiModelResult
	for _, entry := range s.entries {
		vec, ok := entry.Embeddings[modelKey]
		if !ok {
			continue
		}
		score := embedding.Cosine(queryVec, vec)
		if score < 0 {
			score = 0
		}
		if score < threshold {
			continue
		}
		results = append(results, MultiModelResult{
			ID:       entry.ID,
			Text:     entry.Text,
			Role:     entry.Metadata.Role,
			ModelKey: modelKey,
			Score:    score,
		})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// Backfill computes embeddings for every entry that lacks a vector for
// any of the given model keys. Texts are re-embedded from the stored
// value, which is never modified, so migration is lossless. Returns how
// many vectors were added.
func (s *MultiModelStore) Backfill(ctx context.Context, models map[string]Embedder) (int, error) {
	type job struct {
		entryIdx int
		key      string
		embedder Embedder
	}

	s.mu.RLock()
	var jobs []job
	for i := range s.entries {
		for key, embedder := range models {
			if _, ok := s.entries[i].Embeddings[key]; !ok {
				jobs = append(jobs, job{entryIdx: i, key: key, embedder: embedder})
			}
		}
	}
	texts := make([]string, len(jobs))
	for j, jb := range jobs {
		texts[j] = s.entries[jb.entryIdx].Text
	}
	s.mu.RUnlock()

	if len(jobs) == 0 {
		return 0, nil
	}

	vectors := make([][]float32, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backfillParallelism)
	for j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			vectors[j] = jobs[j].embedder.Embed(gctx, texts[j], embedding.PromptPassage)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("backfill interrupted: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for j, jb := range jobs {
		entry := &s.entries[jb.entryIdx]
		if entry.Text != texts[j] {
			continue
		}
		_, dim, err := config.SplitModelKey(jb.key)
		if err != nil || len(vectors[j]) != dim {
			s.logger.Warn(ctx, "backfill skipped mismatched vector",
				"model_key", jb.key, "got", len(vectors[j]))
			continue
		}
		if entry.Embeddings == nil {
			entry.Embeddings = make(map[string][]float32)
		}
		entry.Embeddings[jb.key] = vectors[j]
		if entry.Metadata.ModelVersions == nil {
			entry.Metadata.ModelVersions = make(map[string]string)
		}
		entry.Metadata.ModelVersions[jb.key] = jb.embedder.ModelInfo().Model
		entry.Metadata.AvailableModels = sortedKeys(entry.Embeddings)
		added++
	}
	if added > 0 {
		if err := s.persistLocked(); err != nil {
			return added, err
		}
	}
	return added, nil
}

// Entries returns a copy of all entries, oldest first.
func (s *MultiModelStore) Entries() []MultiModelEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MultiModelEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries.
func (s *MultiModelStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MultiModelStore) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create multi-model directory: %w", err)
	}

	data, err := json.Marshal(multiModelFile{Entries: s.entries, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal multi-model store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write multi-model store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace multi-model store: %w", err)
	}
	return nil
}

func sortedKeys(m map[string][]float32) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
