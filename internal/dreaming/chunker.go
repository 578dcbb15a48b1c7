package dreaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/internal/observability"
)

const chunkSystemPrompt = `You segment conversations into semantically coherent chunks.
Respond with only a JSON object of the form
{"chunks":[{"content":"...","language":"...","labels":["..."],"speaker":"...","entities":["..."],"summary":"..."}]}
Each chunk keeps its original language. Do not translate, paraphrase, or drop content.`

// Chunker runs the A→B stage: raw conversation text in, semantic
// chunks out.
type Chunker struct {
	llm    llm.Client
	logger *observability.Logger
}

// NewChunker builds a chunker over the given LLM client.
func NewChunker(client llm.Client, logger *observability.Logger) *Chunker {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Chunker{llm: client, logger: logger}
}

type chunkPayload struct {
	Chunks []struct {
		Content  string   `json:"content"`
		Language string   `json:"language"`
		Labels   []string `json:"labels"`
		Speaker  string   `json:"speaker"`
		Entities []string `json:"entities"`
		Summary  string   `json:"summary"`
	} `json:"chunks"`
}

// confidenceForQuality maps the configured dream quality onto chunk
// and cluster confidence.
func confidenceForQuality(quality string) float64 {
	if quality == config.QualityBasic {
		return 0.7
	}
	return 0.9
}

// Chunk asks the LLM to segment text and returns the resulting
// B-chunks. A response that cannot be parsed even after one repair
// pass fails the stage.
func (c *Chunker) Chunk(ctx context.Context, conversationID, text, quality string) ([]BChunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("nothing to chunk")
	}

	raw, err := c.llm.Generate(ctx, llm.Request{
		System: chunkSystemPrompt,
		Prompt: "Segment this conversation into chunks:\n\n" + text,
	})
	if err != nil {
		return nil, fmt.Errorf("chunking request failed: %w", err)
	}

	var payload chunkPayload
	parse := func(s string) error {
		var p chunkPayload
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return err
		}
		if len(p.Chunks) == 0 {
			return errors.New("response has no chunks")
		}
		for i, ch := range p.Chunks {
			if strings.TrimSpace(ch.Content) == "" {
				return fmt.Errorf("chunk %d has empty content", i)
			}
		}
		payload = p
		return nil
	}
	if err := parseWithRepair(ctx, c.llm, c.logger, raw, parse); err != nil {
		return nil, fmt.Errorf("chunking stage failed: %w", err)
	}

	confidence := confidenceForQuality(quality)
	now := time.Now().UTC()
	chunks := make([]BChunk, 0, len(payload.Chunks))
	tokenOffset := 0
	for i, raw := range payload.Chunks {
		labels := raw.Labels
		if raw.Language != "" {
			labels = append(labels, "lang:"+raw.Language)
		}
		tokens := len(strings.Fields(raw.Content))
		position := 0.0
		if len(payload.Chunks) > 1 {
			position = float64(i) / float64(len(payload.Chunks)-1)
		}
		chunks = append(chunks, BChunk{
			ID:               uuid.New().String(),
			ParentID:         conversationID,
			Kind:             "semantic",
			Content:          raw.Content,
			Labels:           labels,
			Speaker:          raw.Speaker,
			Entities:         raw.Entities,
			Confidence:       confidence,
			TokenRange:       [2]int{tokenOffset, tokenOffset + tokens},
			PositionInParent: position,
			CreatedAt:        now,
		})
		tokenOffset += tokens
	}

	c.logger.Debug(ctx, "conversation chunked",
		"conversation_id", conversationID,
		"chunks", len(chunks),
		"quality", quality)
	return chunks, nil
}
