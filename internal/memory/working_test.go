package memory

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestWorkingMemoryAddAndCount(t *testing.T) {
	w := NewWorkingMemory(100)
	w.Add(RoleUser, "one two three")
	w.Add(RoleAssistant, "four five")

	if got := w.TokenCount(); got != 5 {
		t.Fatalf("TokenCount = %d, want 5", got)
	}
	msgs := w.Messages()
	if len(msgs) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[1].Role != RoleAssistant {
		t.Errorf("roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}
}

func TestWorkingMemoryTokenBound(t *testing.T) {
	const maxTokens = 50
	w := NewWorkingMemory(maxTokens)

	for i := 0; i < 20; i++ {
		w.Add(RoleAssistant, words("tok", 10))
		if got := w.TokenCount(); got > maxTokens {
			t.Fatalf("after add %d: TokenCount = %d exceeds cap %d", i, got, maxTokens)
		}
	}
	// Each oversized add trims back to at most 80% of the cap.
	if got := w.TokenCount(); got > int(float64(maxTokens)*workingTrimRatio) {
		t.Fatalf("TokenCount = %d, want <= %d after trim", got, int(float64(maxTokens)*workingTrimRatio))
	}
}

func TestWorkingMemoryTrimDropsOldestFirst(t *testing.T) {
	w := NewWorkingMemory(10)
	w.Add(RoleUser, "first msg here now")  // 4 tokens
	w.Add(RoleUser, "second msg here now") // 8 tokens
	w.Add(RoleUser, "third msg here now")  // 12 > 10, trim to <= 8

	msgs := w.Messages()
	for _, msg := range msgs {
		if strings.HasPrefix(msg.Content, "first") {
			t.Fatalf("oldest message survived the trim: %q", msg.Content)
		}
	}
	if w.TokenCount() > 8 {
		t.Fatalf("TokenCount = %d after trim, want <= 8", w.TokenCount())
	}
}

func TestWorkingMemoryRemoveOldest(t *testing.T) {
	w := NewWorkingMemory(1000)
	for i := 0; i < 5; i++ {
		w.Add(RoleUser, words("m", i+1))
	}

	removed := w.RemoveOldest(2)
	if len(removed) != 2 {
		t.Fatalf("RemoveOldest(2) returned %d messages", len(removed))
	}
	if removed[0].Content != "m" || removed[1].Content != "m m" {
		t.Errorf("removed wrong messages: %q, %q", removed[0].Content, removed[1].Content)
	}
	if w.Len() != 3 {
		t.Errorf("Len = %d after removal, want 3", w.Len())
	}
	if w.TokenCount() != 3+4+5 {
		t.Errorf("TokenCount = %d after removal, want 12", w.TokenCount())
	}

	if got := w.RemoveOldest(10); len(got) != 3 {
		t.Errorf("RemoveOldest(10) on 3 messages returned %d", len(got))
	}
	if got := w.RemoveOldest(1); got != nil {
		t.Errorf("RemoveOldest on empty = %v, want nil", got)
	}
}

func TestWorkingMemoryIsFull(t *testing.T) {
	w := NewWorkingMemory(10)
	if w.IsFull() {
		t.Fatal("empty memory reports full")
	}
	w.Add(RoleUser, words("w", 8)) // exactly 80%
	if !w.IsFull() {
		t.Fatal("memory at 80% does not report full")
	}
}

func TestWorkingMemoryClear(t *testing.T) {
	w := NewWorkingMemory(100)
	w.Add(RoleUser, "hello there")
	w.Clear()
	if w.Len() != 0 || w.TokenCount() != 0 {
		t.Fatalf("Clear left len=%d tokens=%d", w.Len(), w.TokenCount())
	}
}

func TestWorkingMemoryExports(t *testing.T) {
	w := NewWorkingMemory(100)
	w.Add(RoleUser, "what is paging")
	w.Add(RoleAssistant, "moving cold data out")

	data, err := w.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	var decoded []Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("exported JSON does not decode: %v", err)
	}
	if len(decoded) != 2 || decoded[1].Content != "moving cold data out" {
		t.Errorf("decoded export = %+v", decoded)
	}

	md := w.ExportMarkdown()
	if !strings.Contains(md, "**user**") || !strings.Contains(md, "what is paging") {
		t.Errorf("markdown export missing content:\n%s", md)
	}
}
