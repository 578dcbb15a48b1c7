package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/convlog"
	"github.com/engramlabs/engram/internal/dreaming"
	"github.com/engramlabs/engram/internal/knowledge"
	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/internal/memory"
)

type fakeMemory struct {
	users, assistants []string
	conversationID    string
	multiModel        bool
	endErr            error
	contextItems      []memory.ContextItem
	lastQuery         string
	lastMaxItems      int
}

func (f *fakeMemory) AddUser(_ context.Context, content string) { f.users = append(f.users, content) }
func (f *fakeMemory) AddAssistant(_ context.Context, content string) {
	f.assistants = append(f.assistants, content)
}
func (f *fakeMemory) Conversation() []memory.Message {
	out := make([]memory.Message, 0, len(f.users)+len(f.assistants))
	for _, u := range f.users {
		out = append(out, memory.NewMessage("user", u))
	}
	for _, a := range f.assistants {
		out = append(out, memory.NewMessage("assistant", a))
	}
	return out
}
func (f *fakeMemory) ConversationID() string { return f.conversationID }
func (f *fakeMemory) EndConversation(context.Context) (string, error) {
	if f.endErr != nil {
		return "", f.endErr
	}
	return "deployment", nil
}
func (f *fakeMemory) ContextForQuery(_ context.Context, query string, maxItems int) []memory.ContextItem {
	f.lastQuery = query
	f.lastMaxItems = maxItems
	if len(f.contextItems) > maxItems {
		return f.contextItems[:maxItems]
	}
	return f.contextItems
}
func (f *fakeMemory) SetMultiModel(enabled bool) { f.multiModel = enabled }
func (f *fakeMemory) MultiModelEnabled() bool    { return f.multiModel }
func (f *fakeMemory) Stats() map[string]any {
	return map[string]any{"working_messages": len(f.users) + len(f.assistants)}
}

type fakeKnowledge struct {
	added   []knowledge.DocumentInput
	docs    []knowledge.Document
	removed []string
}

func (f *fakeKnowledge) Add(_ context.Context, inputs []knowledge.DocumentInput) ([]string, error) {
	f.added = append(f.added, inputs...)
	ids := make([]string, len(inputs))
	for i := range ids {
		ids[i] = "doc-" + inputs[i].Text[:1]
	}
	return ids, nil
}
func (f *fakeKnowledge) Recent(n int) []knowledge.Document {
	if len(f.docs) > n {
		return f.docs[:n]
	}
	return f.docs
}
func (f *fakeKnowledge) Remove(id string) error {
	f.removed = append(f.removed, id)
	return nil
}

type fakeConvLog struct {
	entries []convlog.Entry
	removed []string
}

func (f *fakeConvLog) Recent(_ context.Context, limit int) ([]convlog.Entry, error) {
	if len(f.entries) > limit {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}
func (f *fakeConvLog) Remove(_ context.Context, id string) error {
	for _, e := range f.entries {
		if e.ID == id {
			f.removed = append(f.removed, id)
			return nil
		}
	}
	return convlog.ErrNotFound
}
func (f *fakeConvLog) RemoveRecent(_ context.Context, count int) (int, error) {
	if count > len(f.entries) {
		count = len(f.entries)
	}
	f.entries = f.entries[count:]
	return count, nil
}

// scriptedLLM feeds the dreaming pipeline canned stage responses.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
}

func (s *scriptedLLM) Generate(context.Context, llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return "", errors.New("scripted llm exhausted")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedLLM) Name() string { return "scripted" }

const (
	stageChunkJSON   = `{"chunks":[{"content":"we shipped the release","language":"en","speaker":"user","entities":["release"]}]}`
	stageClusterJSON = `{"clusters":[{"type":"SUMMARY","title":"Release","summary":"Release shipped","chunk_ids":[]}]}`
)

func newBuiltinRegistry(t *testing.T, deps Deps) *Registry {
	t.Helper()
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC) }
	}
	r := NewRegistry(nil, nil)
	if err := RegisterBuiltins(r, deps); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	return r
}

func TestAllRequiredToolsRegistered(t *testing.T) {
	r := newBuiltinRegistry(t, Deps{Memory: &fakeMemory{}, Knowledge: &fakeKnowledge{}, ConvLog: &fakeConvLog{}})

	required := []string{
		"get_memory_context", "add_documents", "add_conversation",
		"end_conversation", "list_recent_conversations",
		"remove_conversation_message", "remove_recent_conversations",
		"list_recent_documents", "remove_document", "toggle_multi_model",
		"web_search", "get_current_day", "get_current_time",
		"dream_conversation", "get_dream_archive", "get_dream_lifecycle",
		"upgrade_dream_quality", "memory_stats",
	}
	listed := make(map[string]bool)
	for _, d := range r.List() {
		listed[d.Name] = true
	}
	for _, name := range required {
		if !listed[name] {
			t.Errorf("tool %s not registered", name)
		}
	}
}

func TestGetMemoryContextClampsMaxItems(t *testing.T) {
	mem := &fakeMemory{contextItems: make([]memory.ContextItem, 60)}
	r := newBuiltinRegistry(t, Deps{Memory: mem, Knowledge: &fakeKnowledge{}, ConvLog: &fakeConvLog{}})

	result, err := r.Execute(context.Background(), "get_memory_context",
		map[string]any{"query": "release", "max_items": float64(200)})
	if err != nil {
		t.Fatal(err)
	}
	if mem.lastMaxItems != 50 {
		t.Errorf("max_items = %d, want clamped to 50", mem.lastMaxItems)
	}
	out := result.(map[string]any)
	if out["total_items"].(int) != 50 {
		t.Errorf("total_items = %v", out["total_items"])
	}

	// Default when omitted.
	if _, err := r.Execute(context.Background(), "get_memory_context", map[string]any{"query": "x"}); err != nil {
		t.Fatal(err)
	}
	if mem.lastMaxItems != 10 {
		t.Errorf("default max_items = %d, want 10", mem.lastMaxItems)
	}
}

func TestAddConversation(t *testing.T) {
	mem := &fakeMemory{}
	r := newBuiltinRegistry(t, Deps{Memory: mem, Knowledge: &fakeKnowledge{}, ConvLog: &fakeConvLog{}})

	if _, err := r.Execute(context.Background(), "add_conversation",
		map[string]any{"user_message": "hello", "assistant_message": "hi there"}); err != nil {
		t.Fatal(err)
	}
	if len(mem.users) != 1 || len(mem.assistants) != 1 {
		t.Errorf("recorded %d user, %d assistant", len(mem.users), len(mem.assistants))
	}

	if _, err := r.Execute(context.Background(), "add_conversation",
		map[string]any{"user_message": "only one side"}); err == nil {
		t.Error("missing assistant_message accepted")
	}
}

func TestAddDocumentsWithGitContext(t *testing.T) {
	kb := &fakeKnowledge{}
	r := newBuiltinRegistry(t, Deps{Memory: &fakeMemory{}, Knowledge: kb, ConvLog: &fakeConvLog{}})

	result, err := r.Execute(context.Background(), "add_documents", map[string]any{
		"documents": []any{
			map[string]any{"text": "plain notes"},
			map[string]any{
				"text":     "package main",
				"repo_url": "https://github.com/acme/repo",
				"file_path": "main.go",
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(kb.added) != 2 {
		t.Fatalf("added %d documents", len(kb.added))
	}
	if kb.added[1].Git == nil || kb.added[1].SourceType != knowledge.SourceCode {
		t.Errorf("git document = %+v", kb.added[1])
	}
	out := result.(map[string]any)
	if out["count"].(int) != 2 {
		t.Errorf("count = %v", out["count"])
	}
}

func TestEndConversationQueuesDream(t *testing.T) {
	pipeline := dreaming.NewPipeline(dreaming.PipelineOptions{
		LLM:      &scriptedLLM{},
		Archiver: dreaming.NewArchiver(t.TempDir(), nil),
	})
	scheduler, err := dreaming.NewScheduler(pipeline, config.ScheduleConfig{Cron: "@hourly"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	mem := &fakeMemory{
		users:          []string{"ship it"},
		assistants:     []string{"done"},
		conversationID: "conv-42",
	}
	r := newBuiltinRegistry(t, Deps{
		Memory: mem, Knowledge: &fakeKnowledge{}, ConvLog: &fakeConvLog{},
		Scheduler: scheduler,
	})

	result, err := r.Execute(context.Background(), "end_conversation", nil)
	if err != nil {
		t.Fatal(err)
	}
	out := result.(map[string]any)
	if out["status"] != "consolidated" {
		t.Errorf("result = %+v", out)
	}
	convID, ok := out["conversation_id"].(string)
	if !ok || convID != "conv-42" {
		t.Fatalf("conversation id = %v, want conv-42", out["conversation_id"])
	}

	text, ok := scheduler.TakePending(convID)
	if !ok {
		t.Fatal("transcript not queued for dreaming")
	}
	if !strings.Contains(text, "user: ship it") || !strings.Contains(text, "assistant: done") {
		t.Errorf("transcript = %q", text)
	}
}

func TestConversationLogTools(t *testing.T) {
	log := &fakeConvLog{entries: []convlog.Entry{
		{ID: "m1", Role: "user", Content: "a"},
		{ID: "m2", Role: "assistant", Content: "b"},
		{ID: "m3", Role: "user", Content: "c"},
	}}
	r := newBuiltinRegistry(t, Deps{Memory: &fakeMemory{}, Knowledge: &fakeKnowledge{}, ConvLog: log})
	ctx := context.Background()

	result, err := r.Execute(ctx, "list_recent_conversations", map[string]any{"limit": float64(2)})
	if err != nil {
		t.Fatal(err)
	}
	if result.(map[string]any)["count"].(int) != 2 {
		t.Errorf("list result = %+v", result)
	}

	if _, err := r.Execute(ctx, "remove_conversation_message", map[string]any{"message_id": "m2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Execute(ctx, "remove_conversation_message", map[string]any{"message_id": "nope"}); err == nil {
		t.Error("unknown message id accepted")
	}

	result, err = r.Execute(ctx, "remove_recent_conversations", map[string]any{"count": float64(2)})
	if err != nil {
		t.Fatal(err)
	}
	if result.(map[string]any)["removed"].(int) != 2 {
		t.Errorf("remove result = %+v", result)
	}

	if _, err := r.Execute(ctx, "remove_recent_conversations", map[string]any{"count": float64(500)}); err == nil {
		t.Error("count above 100 accepted")
	}
}

func TestToggleMultiModel(t *testing.T) {
	mem := &fakeMemory{}
	r := newBuiltinRegistry(t, Deps{Memory: mem, Knowledge: &fakeKnowledge{}, ConvLog: &fakeConvLog{}})

	result, err := r.Execute(context.Background(), "toggle_multi_model", map[string]any{"enabled": true})
	if err != nil {
		t.Fatal(err)
	}
	if !result.(map[string]any)["multi_model_enabled"].(bool) || !mem.multiModel {
		t.Error("multi-model not enabled")
	}
}

func TestWebSearchToolReportsFailureInResult(t *testing.T) {
	// No search client configured: failure shape, not a tool error.
	r := newBuiltinRegistry(t, Deps{Memory: &fakeMemory{}, Knowledge: &fakeKnowledge{}, ConvLog: &fakeConvLog{}})

	result, err := r.Execute(context.Background(), "web_search", map[string]any{"query": "golang"})
	if err != nil {
		t.Fatalf("web_search surfaced a tool error: %v", err)
	}
	resp := result.(WebSearchResponse)
	if resp.Error == "" || resp.Query != "golang" || resp.TotalResults != 0 {
		t.Errorf("failure shape = %+v", resp)
	}
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Errorf("results = %v, want empty non-nil list", resp.Results)
	}
}

func TestWebSearchToolSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") != "golang" || r.URL.Query().Get("num") != "3" {
			t.Errorf("query params = %v", r.URL.Query())
		}
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"title": "The Go Programming Language", "link": "https://go.dev", "snippet": "Build simple software"},
			},
		})
	}))
	defer srv.Close()

	search := NewWebSearch(config.WebSearchConfig{APIKey: "k", EngineID: "cx"})
	search.endpoint = srv.URL
	r := newBuiltinRegistry(t, Deps{Memory: &fakeMemory{}, Knowledge: &fakeKnowledge{}, ConvLog: &fakeConvLog{}, Search: search})

	result, err := r.Execute(context.Background(), "web_search",
		map[string]any{"query": "golang", "limit": float64(3)})
	if err != nil {
		t.Fatal(err)
	}
	resp := result.(WebSearchResponse)
	if resp.TotalResults != 1 || resp.Results[0].Source != "google" || resp.Results[0].URL != "https://go.dev" {
		t.Errorf("response = %+v", resp)
	}
}

func TestTimeTools(t *testing.T) {
	r := newBuiltinRegistry(t, Deps{Memory: &fakeMemory{}, Knowledge: &fakeKnowledge{}, ConvLog: &fakeConvLog{}})
	ctx := context.Background()

	result, err := r.Execute(ctx, "get_current_day", nil)
	if err != nil {
		t.Fatal(err)
	}
	day := result.(map[string]any)
	if day["day"] != "Tuesday" || day["date"] != "2026-08-25" {
		t.Errorf("day = %+v", day)
	}

	result, err = r.Execute(ctx, "get_current_time", nil)
	if err != nil {
		t.Fatal(err)
	}
	clock := result.(map[string]any)
	if clock["time"] != "09:30:00" || clock["timezone"] != "UTC" {
		t.Errorf("time = %+v", clock)
	}
}

func TestDreamTools(t *testing.T) {
	client := &scriptedLLM{responses: []string{
		stageChunkJSON, stageClusterJSON, // dream_conversation
		stageChunkJSON, stageClusterJSON, // upgrade_dream_quality
	}}
	pipeline := dreaming.NewPipeline(dreaming.PipelineOptions{
		LLM:      client,
		Archiver: dreaming.NewArchiver(t.TempDir(), nil),
		Quality:  config.QualityGood,
	})
	scheduler, err := dreaming.NewScheduler(pipeline, config.ScheduleConfig{Cron: "@hourly"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	scheduler.Enqueue("conv-1", "user: we shipped the release")

	r := newBuiltinRegistry(t, Deps{
		Memory: &fakeMemory{}, Knowledge: &fakeKnowledge{}, ConvLog: &fakeConvLog{},
		Dreams: pipeline, Scheduler: scheduler,
	})
	ctx := context.Background()

	result, err := r.Execute(ctx, "dream_conversation", map[string]any{"conversation_id": "conv-1"})
	if err != nil {
		t.Fatalf("dream_conversation: %v", err)
	}
	if result.(map[string]any)["version"].(int) != 1 {
		t.Errorf("dream result = %+v", result)
	}

	result, err = r.Execute(ctx, "get_dream_archive", map[string]any{"conversation_id": "conv-1"})
	if err != nil {
		t.Fatalf("get_dream_archive: %v", err)
	}
	archive := result.(*dreaming.ArchiveVersion)
	if archive.Version != 1 || len(archive.BChunks) != 1 {
		t.Errorf("archive = %+v", archive)
	}
	if archive.Metadata.OriginalText != "" {
		t.Error("archive tool leaked the raw transcript")
	}

	result, err = r.Execute(ctx, "get_dream_lifecycle", map[string]any{"conversation_id": "conv-1"})
	if err != nil {
		t.Fatalf("get_dream_lifecycle: %v", err)
	}
	lifecycle := result.(map[string]any)["lifecycle"].(dreaming.VersionRecord)
	if !lifecycle.IsLatest || lifecycle.Status != dreaming.StatusActive {
		t.Errorf("lifecycle = %+v", lifecycle)
	}

	result, err = r.Execute(ctx, "upgrade_dream_quality",
		map[string]any{"conversation_id": "conv-1", "target_quality": "premium"})
	if err != nil {
		t.Fatalf("upgrade_dream_quality: %v", err)
	}
	if result.(map[string]any)["version"].(int) != 2 {
		t.Errorf("upgrade result = %+v", result)
	}

	if _, err := r.Execute(ctx, "dream_conversation", map[string]any{"conversation_id": "never-seen"}); err == nil {
		t.Error("dreaming an unknown conversation succeeded")
	}
}

func TestMemoryStatsTool(t *testing.T) {
	mem := &fakeMemory{users: []string{"a"}, assistants: []string{"b"}}
	r := newBuiltinRegistry(t, Deps{Memory: mem, Knowledge: &fakeKnowledge{}, ConvLog: &fakeConvLog{}})

	result, err := r.Execute(context.Background(), "memory_stats", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.(map[string]any)["working_messages"].(int) != 2 {
		t.Errorf("stats = %+v", result)
	}
}
