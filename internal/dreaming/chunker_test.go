package dreaming

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/llm"
)

// fakeLLM returns canned responses in order.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	requests  []llm.Request
	err       error
}

func (f *fakeLLM) Generate(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", errors.New("fake llm exhausted")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

const validChunkJSON = `{"chunks":[
	{"content":"we discussed the deployment plan","language":"en","labels":["planning"],"speaker":"user","entities":["deployment"],"summary":"deployment"},
	{"content":"hablamos del presupuesto","language":"es","speaker":"assistant","entities":["presupuesto"],"summary":"budget"}
]}`

func TestChunkParsesStrictJSON(t *testing.T) {
	client := &fakeLLM{responses: []string{validChunkJSON}}
	c := NewChunker(client, nil)

	chunks, err := c.Chunk(context.Background(), "conv-1", "user: plan\nassistant: presupuesto", config.QualityGood)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if client.callCount() != 1 {
		t.Errorf("llm calls = %d, want 1", client.callCount())
	}

	first := chunks[0]
	if first.ParentID != "conv-1" || first.Speaker != "user" {
		t.Errorf("chunk = %+v", first)
	}
	if first.Confidence != 0.9 {
		t.Errorf("confidence at good quality = %v, want 0.9", first.Confidence)
	}
	if !containsString(first.Labels, "lang:en") || !containsString(chunks[1].Labels, "lang:es") {
		t.Error("per-chunk language not preserved in labels")
	}
	if chunks[0].PositionInParent != 0 || chunks[1].PositionInParent != 1 {
		t.Errorf("positions = %v, %v", chunks[0].PositionInParent, chunks[1].PositionInParent)
	}
	if chunks[1].TokenRange[0] != chunks[0].TokenRange[1] {
		t.Errorf("token ranges not contiguous: %v then %v", chunks[0].TokenRange, chunks[1].TokenRange)
	}
}

func TestChunkBasicQualityConfidence(t *testing.T) {
	client := &fakeLLM{responses: []string{validChunkJSON}}
	chunks, err := NewChunker(client, nil).Chunk(context.Background(), "conv", "text", config.QualityBasic)
	if err != nil {
		t.Fatal(err)
	}
	if chunks[0].Confidence != 0.7 {
		t.Errorf("confidence at basic quality = %v, want 0.7", chunks[0].Confidence)
	}
}

func TestChunkExtractsJSONFromProse(t *testing.T) {
	client := &fakeLLM{responses: []string{"Sure, here is the result:\n" + validChunkJSON + "\nHope that helps!"}}
	chunks, err := NewChunker(client, nil).Chunk(context.Background(), "conv", "text", config.QualityGood)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(chunks) != 2 {
		t.Errorf("got %d chunks", len(chunks))
	}
	if client.callCount() != 1 {
		t.Errorf("extraction should not need a repair call, got %d calls", client.callCount())
	}
}

func TestChunkRepairPass(t *testing.T) {
	client := &fakeLLM{responses: []string{
		"I could not produce structured output, sorry.",
		validChunkJSON,
	}}
	chunks, err := NewChunker(client, nil).Chunk(context.Background(), "conv", "text", config.QualityGood)
	if err != nil {
		t.Fatalf("Chunk after repair: %v", err)
	}
	if len(chunks) != 2 {
		t.Errorf("got %d chunks", len(chunks))
	}
	if client.callCount() != 2 {
		t.Errorf("llm calls = %d, want 2 (original + repair)", client.callCount())
	}
}

func TestChunkFailsAfterRepair(t *testing.T) {
	client := &fakeLLM{responses: []string{"garbage", "still garbage"}}
	if _, err := NewChunker(client, nil).Chunk(context.Background(), "conv", "text", config.QualityGood); err == nil {
		t.Fatal("unparseable response did not fail the stage")
	}
	if client.callCount() != 2 {
		t.Errorf("llm calls = %d, want exactly 2 (one repair pass only)", client.callCount())
	}
}

func TestChunkRejectsEmptyInput(t *testing.T) {
	client := &fakeLLM{}
	if _, err := NewChunker(client, nil).Chunk(context.Background(), "conv", "   ", config.QualityGood); err == nil {
		t.Fatal("empty text accepted")
	}
	if client.callCount() != 0 {
		t.Error("llm called for empty input")
	}
}

func TestChunkRejectsEmptyChunkList(t *testing.T) {
	client := &fakeLLM{responses: []string{`{"chunks":[]}`, `{"chunks":[]}`}}
	if _, err := NewChunker(client, nil).Chunk(context.Background(), "conv", "text", config.QualityGood); err == nil {
		t.Fatal("empty chunk list accepted")
	}
}

func TestExtractBalancedObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{`prefix {"a":{"b":2}} suffix`, `{"a":{"b":2}}`, true},
		{`{"s":"has } brace"}`, `{"s":"has } brace"}`, true},
		{`{"s":"escaped \" quote"}`, `{"s":"escaped \" quote"}`, true},
		{`no object here`, "", false},
		{`{"unterminated":`, "", false},
	}
	for _, tc := range cases {
		got, ok := extractBalancedObject(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("extractBalancedObject(%q) = %q, %v", tc.in, got, ok)
		}
	}
}
