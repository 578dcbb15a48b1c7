package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestArchival(t *testing.T, dir string) *ArchivalMemory {
	t.Helper()
	embedder := newStubEmbedder("stub", "scheduler", "priority", "queue", "memory", "cache")
	return NewArchivalMemory(dir, "test", embedder, nil)
}

func TestArchivalStoreAndSearch(t *testing.T) {
	a := newTestArchival(t, t.TempDir())
	ctx := context.Background()

	id, err := a.Store(ctx, "the scheduler uses priority queue ordering", map[string]any{"type": "doc"})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if id == "" {
		t.Fatal("Store returned empty id")
	}
	if _, err := a.Store(ctx, "cache eviction keeps memory bounded", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}

	results := a.Search(ctx, "scheduler priority queue", 10)
	if len(results) != 2 {
		t.Fatalf("Search returned %d results, want 2", len(results))
	}
	if results[0].ID != id {
		t.Errorf("best hit = %s, want %s", results[0].ID, id)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("results not sorted: %g <= %g", results[0].Score, results[1].Score)
	}
	if results[0].Score < 0 || results[0].Score > 1 {
		t.Errorf("score %g outside [0, 1]", results[0].Score)
	}
	if got := results[0].Metadata["type"]; got != "doc" {
		t.Errorf("metadata lost: %v", got)
	}
}

func TestArchivalSearchLimit(t *testing.T) {
	a := newTestArchival(t, t.TempDir())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := a.Store(ctx, "scheduler item", nil); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	if got := a.Search(ctx, "scheduler", 3); len(got) != 3 {
		t.Fatalf("Search limit 3 returned %d", len(got))
	}
}

func TestArchivalPersistEveryTenAndReload(t *testing.T) {
	dir := t.TempDir()
	a := newTestArchival(t, dir)
	ctx := context.Background()

	path := filepath.Join(dir, "archival", "test.json")
	for i := 0; i < 9; i++ {
		if _, err := a.Store(ctx, "scheduler entry", nil); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("store persisted before the tenth insertion")
	}
	if _, err := a.Store(ctx, "tenth scheduler entry", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("store not persisted after tenth insertion: %v", err)
	}

	reloaded := newTestArchival(t, dir)
	if reloaded.Len() != 10 {
		t.Fatalf("reloaded %d items, want 10", reloaded.Len())
	}
}

func TestArchivalFlush(t *testing.T) {
	dir := t.TempDir()
	a := newTestArchival(t, dir)
	if _, err := a.Store(context.Background(), "one scheduler note", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := a.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded := newTestArchival(t, dir)
	if reloaded.Len() != 1 {
		t.Fatalf("reloaded %d items after flush, want 1", reloaded.Len())
	}
}

func TestArchivalCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archival", "test.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	a := newTestArchival(t, dir)
	if a.Len() != 0 {
		t.Fatalf("corrupt store loaded %d items, want 0", a.Len())
	}
}

func TestArchivalMisalignedFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archival", "test.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(archivalFile{
		Memories: []ArchivedItem{{ID: "a", Text: "x"}},
		Vectors:  [][]float32{},
	})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	a := newTestArchival(t, dir)
	if a.Len() != 0 {
		t.Fatalf("misaligned store loaded %d items, want 0", a.Len())
	}
}

func TestArchivalStorePageCarriesIdentity(t *testing.T) {
	a := newTestArchival(t, t.TempDir())
	page := newPage(ConversationContent([]Message{
		NewMessage(RoleUser, "how does the scheduler work"),
		NewMessage(RoleAssistant, "it uses a priority queue"),
	}, "scheduler"), PageConversation)

	if _, err := a.StorePage(context.Background(), page); err != nil {
		t.Fatalf("StorePage: %v", err)
	}

	items := a.Items()
	if len(items) != 1 {
		t.Fatalf("Items = %d, want 1", len(items))
	}
	item := items[0]
	if item.Metadata["page_id"] != page.ID {
		t.Errorf("page_id = %v, want %s", item.Metadata["page_id"], page.ID)
	}
	if item.Metadata["kind"] != string(PageConversation) {
		t.Errorf("kind = %v", item.Metadata["kind"])
	}
	if item.Metadata["topic"] != "scheduler" {
		t.Errorf("topic = %v", item.Metadata["topic"])
	}
	if item.Text == "" {
		t.Error("derived text is empty")
	}
}
