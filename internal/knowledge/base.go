package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
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

// Source types for documents.
const (
	SourceChat   = "chat"
	SourceCode   = "code"
	SourceWeb    = "web"
	SourceManual = "manual"
)

// knowledgePersistEvery is how many document insertions accumulate before
// the collection is rewritten to disk.
const knowledgePersistEvery = 10

// Embedder is the slice of the embedding service the knowledge base uses.
type Embedder interface {
	Embed(ctx context.Context, text string, kind embedding.PromptKind) []float32
	EmbedBatch(ctx context.Context, texts []string, kind embedding.PromptKind) [][]float32
	Similarity(a, b []float32) float64
}

// GitContext ties a code document to its repository origin.
type GitContext struct {
	RepoURL    string `json:"repo_url"`
	FilePath   string `json:"file_path"`
	CommitHash string `json:"commit_hash,omitempty"`
	Branch     string `json:"branch,omitempty"`
}

// Document is one stored text with its chunks.
type Document struct {
	ID          string         `json:"id"`
	Text        string         `json:"text"`
	Chunks      []string       `json:"chunks"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	SourceType  string         `json:"source_type"`
	GitContext  *GitContext    `json:"git_context,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	LastUpdated time.Time      `json:"last_updated"`
}

// ChunkEmbedding is the vector for one chunk, aligned with its document's
// chunk list by index. Removed together with the document.
type ChunkEmbedding struct {
	DocID      string    `json:"doc_id"`
	ChunkIndex int       `json:"chunk_index"`
	Vector     []float32 `json:"vector"`
	SourceType string    `json:"source_type"`
}

// DocumentInput is one document to add.
type DocumentInput struct {
	Text       string
	Metadata   map[string]any
	SourceType string
	Git        *GitContext
}

// Result is one scored chunk from a query.
type Result struct {
	DocID      string  `json:"doc_id"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	SourceType string  `json:"source_type"`
}

type knowledgeFile struct {
	Documents  []Document       `json:"documents"`
	Embeddings []ChunkEmbedding `json:"embeddings"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// CodeDocumentID derives the deterministic id for a repository-sourced
// document: the first 16 hex characters of
// SHA256(repo_url ":" file_path [":" commit]). Re-adding the same file
// replaces the previous version instead of duplicating it.
func CodeDocumentID(repoURL, filePath, commitHash string) string {
	s := repoURL + ":" + filePath
	if commitHash != "" {
		s += ":" + commitHash
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// Base is the knowledge tier: documents chunked at insert time, one
// embedding per chunk, linear cosine retrieval with at most one chunk per
// document in any result set.
type Base struct {
	mu         sync.RWMutex
	path       string
	documents  []Document
	embeddings []ChunkEmbedding
	docIndex   map[string]int
	inserts    int

	chunker  *Chunker
	embedder Embedder
	logger   *observability.Logger
}

// NewBase opens the collection under dataDir. A corrupt or missing file
// starts the collection empty.
func NewBase(dataDir, collection string, chunkSize, chunkOverlap int, embedder Embedder, logger *observability.Logger) *Base {
	if logger == nil {
		logger = observability.NopLogger()
	}
	b := &Base{
		path:     filepath.Join(dataDir, "knowledge", collection+".json"),
		docIndex: make(map[string]int),
		chunker:  NewChunker(chunkSize, chunkOverlap),
		embedder: embedder,
		logger:   logger,
	}
	b.load()
	return b
}

func (b *Base) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			b.logger.Error(context.Background(), "failed to read knowledge collection, starting empty",
				"path", b.path, "error", err)
		}
		return
	}

	var stored knowledgeFile
	if err := json.Unmarshal(data, &stored); err != nil {
		b.logger.Error(context.Background(), "knowledge collection corrupt, starting empty",
			"path", b.path, "error", err)
		return
	}
	b.documents = stored.Documents
	b.embeddings = stored.Embeddings
	for i, doc := range b.documents {
		b.docIndex[doc.ID] = i
	}
}

// AddDocument adds one document. See Add.
func (b *Base) AddDocument(ctx context.Context, input DocumentInput) (string, error) {
	ids, err := b.Add(ctx, []DocumentInput{input})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// Add chunks, embeds, and stores documents. Repository-sourced documents
// get deterministic ids and replace any previous version of themselves;
// everything else gets an opaque unique id. The returned error only ever
// reports a persistence failure.
func (b *Base) Add(ctx context.Context, inputs []DocumentInput) ([]string, error) {
	ids := make([]string, 0, len(inputs))
	var persistErr error

	for _, input := range inputs {
		sourceType := input.SourceType
		if sourceType == "" {
			sourceType = SourceManual
		}

		var id string
		if sourceType == SourceCode && input.Git != nil && input.Git.RepoURL != "" && input.Git.FilePath != "" {
			id = CodeDocumentID(input.Git.RepoURL, input.Git.FilePath, input.Git.CommitHash)
		} else {
			id = uuid.New().String()
		}

		chunks := b.chunker.Chunk(input.Text)
		vectors := b.embedder.EmbedBatch(ctx, chunks, embedding.PromptPassage)

		now := time.Now().UTC()
		doc := Document{
			ID:          id,
			Text:        input.Text,
			Chunks:      chunks,
			Metadata:    input.Metadata,
			SourceType:  sourceType,
			GitContext:  input.Git,
			CreatedAt:   now,
			LastUpdated: now,
		}

		b.mu.Lock()
		if prev, ok := b.docIndex[id]; ok {
			doc.CreatedAt = b.documents[prev].CreatedAt
			b.removeLocked(id)
		}
		b.docIndex[id] = len(b.documents)
		b.documents = append(b.documents, doc)
		for i, vec := range vectors {
			b.embeddings = append(b.embeddings, ChunkEmbedding{
				DocID:      id,
				ChunkIndex: i,
				Vector:     vec,
				SourceType: sourceType,
			})
		}
		b.inserts++
		if b.inserts >= knowledgePersistEvery {
			if err := b.persistLocked(); err != nil {
				persistErr = err
			} else {
				b.inserts = 0
			}
		}
		b.mu.Unlock()

		ids = append(ids, id)
	}
	return ids, persistErr
}

// Query returns the topK best chunks for text, at most one per document.
func (b *Base) Query(ctx context.Context, text string, topK int) ([]Result, error) {
	return b.query(ctx, text, "", topK)
}

// QueryBySourceType restricts Query to chunks of one source type.
func (b *Base) QueryBySourceType(ctx context.Context, text, sourceType string, topK int) ([]Result, error) {
	return b.query(ctx, text, sourceType, topK)
}

func (b *Base) query(ctx context.Context, text, sourceType string, topK int) ([]Result, error) {
	if topK <= 0 {
		topK = 5
	}
	queryVec := b.embedder.Embed(ctx, text, embedding.PromptQuery)

	b.mu.RLock()
	scored := make([]Result, 0, len(b.embeddings))
	for _, ce := range b.embeddings {
		if sourceType != "" && ce.SourceType != sourceType {
			continue
		}
		idx, ok := b.docIndex[ce.DocID]
		if !ok || ce.ChunkIndex >= len(b.documents[idx].Chunks) {
			continue
		}
		score := b.embedder.Similarity(queryVec, ce.Vector)
		if score < 0 {
			score = 0
		}
		scored = append(scored, Result{
			DocID:      ce.DocID,
			ChunkIndex: ce.ChunkIndex,
			Text:       b.documents[idx].Chunks[ce.ChunkIndex],
			Score:      score,
			SourceType: ce.SourceType,
		})
	}
	b.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	// One chunk per document keeps the result set diverse.
	results := make([]Result, 0, topK)
	seen := make(map[string]bool)
	for _, r := range scored {
		if seen[r.DocID] {
			continue
		}
		seen[r.DocID] = true
		results = append(results, r)
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

// ByRepository returns all documents whose git context matches repoURL.
func (b *Base) ByRepository(repoURL string) []Document {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var docs []Document
	for _, doc := range b.documents {
		if doc.GitContext != nil && doc.GitContext.RepoURL == repoURL {
			docs = append(docs, doc)
		}
	}
	return docs
}

// Get returns a document by id.
func (b *Base) Get(id string) (Document, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, ok := b.docIndex[id]
	if !ok {
		return Document{}, false
	}
	return b.documents[idx], true
}

// Recent returns up to n documents ordered by most recent update.
func (b *Base) Recent(n int) []Document {
	b.mu.RLock()
	docs := make([]Document, len(b.documents))
	copy(docs, b.documents)
	b.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool { return docs[i].LastUpdated.After(docs[j].LastUpdated) })
	if n > 0 && len(docs) > n {
		docs = docs[:n]
	}
	return docs
}

// Remove deletes a document and its chunk embeddings, persisting
// immediately. Removing an unknown id is an error.
func (b *Base) Remove(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.docIndex[id]; !ok {
		return fmt.Errorf("document %s not found", id)
	}
	b.removeLocked(id)
	return b.persistLocked()
}

func (b *Base) removeLocked(id string) {
	idx, ok := b.docIndex[id]
	if !ok {
		return
	}
	b.documents = append(b.documents[:idx], b.documents[idx+1:]...)
	delete(b.docIndex, id)
	for i := idx; i < len(b.documents); i++ {
		b.docIndex[b.documents[i].ID] = i
	}

	kept := b.embeddings[:0]
	for _, ce := range b.embeddings {
		if ce.DocID != id {
			kept = append(kept, ce)
		}
	}
	b.embeddings = kept
}

// Len returns the number of documents.
func (b *Base) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.documents)
}

// ChunkCount returns the number of chunk embeddings.
func (b *Base) ChunkCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.embeddings)
}

// Flush forces the collection to disk regardless of the insertion
// counter.
func (b *Base) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.persistLocked(); err != nil {
		return err
	}
	b.inserts = 0
	return nil
}

func (b *Base) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("failed to create knowledge directory: %w", err)
	}

	data, err := json.Marshal(knowledgeFile{
		Documents:  b.documents,
		Embeddings: b.embeddings,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal knowledge collection: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write knowledge collection: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace knowledge collection: %w", err)
	}
	return nil
}
