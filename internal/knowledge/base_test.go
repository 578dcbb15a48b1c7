package knowledge

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/engramlabs/engram/internal/embedding"
)

// vocabEmbedder projects text onto a fixed word list, L2-normalised, so
// tests can steer similarity deterministically.
type vocabEmbedder struct {
	vocab []string
}

func (v *vocabEmbedder) Embed(_ context.Context, text string, _ embedding.PromptKind) []float32 {
	vec := make([]float32, len(v.vocab))
	lower := strings.ToLower(text)
	var sum float64
	for i, word := range v.vocab {
		vec[i] = float32(strings.Count(lower, word))
		sum += float64(vec[i]) * float64(vec[i])
	}
	if sum > 0 {
		inv := float32(1 / math.Sqrt(sum))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

func (v *vocabEmbedder) EmbedBatch(ctx context.Context, texts []string, kind embedding.PromptKind) [][]float32 {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = v.Embed(ctx, text, kind)
	}
	return out
}

func (v *vocabEmbedder) Similarity(a, b []float32) float64 {
	return embedding.Cosine(a, b)
}

func newTestBase(t *testing.T, dir string) *Base {
	t.Helper()
	embedder := &vocabEmbedder{vocab: []string{"raft", "leader", "election", "storage", "compaction"}}
	return NewBase(dir, "test", 1000, 100, embedder, nil)
}

func TestCodeDocumentIDDeterministic(t *testing.T) {
	a := CodeDocumentID("https://github.com/acme/repo", "pkg/raft/leader.go", "")
	b := CodeDocumentID("https://github.com/acme/repo", "pkg/raft/leader.go", "")
	if a != b {
		t.Fatalf("ids differ: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("id length = %d, want 16", len(a))
	}
	if c := CodeDocumentID("https://github.com/acme/repo", "pkg/raft/leader.go", "abc123"); c == a {
		t.Error("commit hash does not change the id")
	}
	if d := CodeDocumentID("https://github.com/acme/other", "pkg/raft/leader.go", ""); d == a {
		t.Error("repo url does not change the id")
	}
}

func TestAddAssignsDeterministicIDForCode(t *testing.T) {
	b := newTestBase(t, t.TempDir())
	ctx := context.Background()

	git := &GitContext{RepoURL: "https://github.com/acme/repo", FilePath: "raft.go"}
	id, err := b.AddDocument(ctx, DocumentInput{Text: "raft leader election", SourceType: SourceCode, Git: git})
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if want := CodeDocumentID(git.RepoURL, git.FilePath, ""); id != want {
		t.Errorf("id = %s, want %s", id, want)
	}

	// Re-adding the same file replaces, not duplicates.
	if _, err := b.AddDocument(ctx, DocumentInput{Text: "raft leader election v2", SourceType: SourceCode, Git: git}); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if b.Len() != 1 {
		t.Errorf("Len = %d after re-add, want 1", b.Len())
	}
	doc, ok := b.Get(id)
	if !ok || doc.Text != "raft leader election v2" {
		t.Errorf("replacement not applied: %+v", doc)
	}
}

func TestAddOpaqueIDWithoutGitContext(t *testing.T) {
	b := newTestBase(t, t.TempDir())
	id, err := b.AddDocument(context.Background(), DocumentInput{Text: "notes about storage"})
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if len(id) == 16 {
		t.Errorf("non-repo document got a deterministic-looking id: %s", id)
	}
	doc, _ := b.Get(id)
	if doc.SourceType != SourceManual {
		t.Errorf("default source type = %q, want manual", doc.SourceType)
	}
	if len(doc.Chunks) < 1 {
		t.Error("document has no chunks")
	}
}

func TestQueryOneChunkPerDocument(t *testing.T) {
	b := newTestBase(t, t.TempDir())
	ctx := context.Background()

	// One long document whose every chunk mentions raft, plus one other.
	long := strings.TrimSpace(strings.Repeat("raft leader election details. ", 60))
	if _, err := b.AddDocument(ctx, DocumentInput{Text: long}); err != nil {
		t.Fatal(err)
	}
	otherID, err := b.AddDocument(ctx, DocumentInput{Text: "raft storage compaction"})
	if err != nil {
		t.Fatal(err)
	}

	results, err := b.Query(ctx, "raft leader election", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (one per document)", len(results))
	}
	seen := make(map[string]bool)
	for _, r := range results {
		if seen[r.DocID] {
			t.Fatalf("document %s appears twice", r.DocID)
		}
		seen[r.DocID] = true
	}
	if !seen[otherID] {
		t.Error("second document missing from results")
	}
}

func TestQueryBySourceType(t *testing.T) {
	b := newTestBase(t, t.TempDir())
	ctx := context.Background()

	if _, err := b.AddDocument(ctx, DocumentInput{Text: "raft leader notes", SourceType: SourceChat}); err != nil {
		t.Fatal(err)
	}
	codeID, err := b.AddDocument(ctx, DocumentInput{
		Text:       "raft leader implementation",
		SourceType: SourceCode,
		Git:        &GitContext{RepoURL: "r", FilePath: "f"},
	})
	if err != nil {
		t.Fatal(err)
	}

	results, err := b.QueryBySourceType(ctx, "raft leader", SourceCode, 5)
	if err != nil {
		t.Fatalf("QueryBySourceType: %v", err)
	}
	if len(results) != 1 || results[0].DocID != codeID {
		t.Errorf("results = %+v, want only the code document", results)
	}
}

func TestByRepository(t *testing.T) {
	b := newTestBase(t, t.TempDir())
	ctx := context.Background()

	git := &GitContext{RepoURL: "https://github.com/acme/repo", FilePath: "a.go"}
	if _, err := b.AddDocument(ctx, DocumentInput{Text: "raft a", SourceType: SourceCode, Git: git}); err != nil {
		t.Fatal(err)
	}
	git2 := &GitContext{RepoURL: "https://github.com/acme/repo", FilePath: "b.go"}
	if _, err := b.AddDocument(ctx, DocumentInput{Text: "raft b", SourceType: SourceCode, Git: git2}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.AddDocument(ctx, DocumentInput{Text: "unrelated"}); err != nil {
		t.Fatal(err)
	}

	docs := b.ByRepository("https://github.com/acme/repo")
	if len(docs) != 2 {
		t.Fatalf("ByRepository = %d docs, want 2", len(docs))
	}
}

func TestRemoveDeletesChunkEmbeddings(t *testing.T) {
	b := newTestBase(t, t.TempDir())
	ctx := context.Background()

	id, err := b.AddDocument(ctx, DocumentInput{Text: strings.Repeat("raft leader election storage. ", 80)})
	if err != nil {
		t.Fatal(err)
	}
	keepID, err := b.AddDocument(ctx, DocumentInput{Text: "compaction notes"})
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if b.Len() != 1 {
		t.Errorf("Len = %d after remove, want 1", b.Len())
	}
	doc, _ := b.Get(keepID)
	if b.ChunkCount() != len(doc.Chunks) {
		t.Errorf("ChunkCount = %d, want %d (only the kept doc's chunks)", b.ChunkCount(), len(doc.Chunks))
	}

	if err := b.Remove("missing"); err == nil {
		t.Error("Remove on unknown id succeeded")
	}
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	b := newTestBase(t, dir)
	ctx := context.Background()

	id, err := b.AddDocument(ctx, DocumentInput{Text: "raft leader election"})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded := newTestBase(t, dir)
	if reloaded.Len() != 1 {
		t.Fatalf("reloaded %d documents, want 1", reloaded.Len())
	}
	if _, ok := reloaded.Get(id); !ok {
		t.Error("document lost across reload")
	}
	if results, _ := reloaded.Query(ctx, "raft leader", 5); len(results) != 1 {
		t.Errorf("reloaded query results = %d, want 1", len(results))
	}
}

func TestCorruptCollectionStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "knowledge", "test.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not json at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := newTestBase(t, dir)
	if b.Len() != 0 {
		t.Fatalf("corrupt collection loaded %d documents", b.Len())
	}
}
