package dreaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/internal/observability"
)

const synthSystemPrompt = `You cluster conversation chunks into higher-level knowledge.
Respond with only a JSON object of the form
{"clusters":[{"type":"TOPIC|RELATIONSHIP|TIMELINE|SUMMARY","title":"...","summary":"...","chunk_ids":["..."],"entities":["..."],"insights":["..."],"related_clusters":["..."]}]}`

// Synthesizer runs the B→C stage: chunks in, clusters out.
type Synthesizer struct {
	llm    llm.Client
	logger *observability.Logger
}

// NewSynthesizer builds a synthesizer over the given LLM client.
func NewSynthesizer(client llm.Client, logger *observability.Logger) *Synthesizer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Synthesizer{llm: client, logger: logger}
}

type clusterPayload struct {
	Type            string   `json:"type"`
	Title           string   `json:"title"`
	Summary         string   `json:"summary"`
	ChunkIDs        []string `json:"chunk_ids"`
	Entities        []string `json:"entities"`
	Insights        []string `json:"insights"`
	RelatedClusters []string `json:"related_clusters"`
}

// synthEnvelope tolerates the wrapper shapes models actually emit:
// a direct clusters list, data.clusters, results.clusters, or items.
type synthEnvelope struct {
	Clusters []clusterPayload `json:"clusters"`
	Items    []clusterPayload `json:"items"`
	Data     struct {
		Clusters []clusterPayload `json:"clusters"`
	} `json:"data"`
	Results struct {
		Clusters []clusterPayload `json:"clusters"`
	} `json:"results"`
}

func (e *synthEnvelope) clusters() []clusterPayload {
	switch {
	case len(e.Clusters) > 0:
		return e.Clusters
	case len(e.Data.Clusters) > 0:
		return e.Data.Clusters
	case len(e.Results.Clusters) > 0:
		return e.Results.Clusters
	default:
		return e.Items
	}
}

func normalizeClusterKind(t string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case ClusterTopic:
		return ClusterTopic, true
	case ClusterRelationship:
		return ClusterRelationship, true
	case ClusterTimeline:
		return ClusterTimeline, true
	case ClusterSummary:
		return ClusterSummary, true
	default:
		return "", false
	}
}

// Synthesize asks the LLM to cluster chunks and returns the C-clusters
// plus the entities named across them.
func (s *Synthesizer) Synthesize(ctx context.Context, conversationID string, chunks []BChunk, quality string) ([]CCluster, []string, error) {
	if len(chunks) == 0 {
		return nil, nil, errors.New("nothing to synthesize")
	}

	input, err := json.Marshal(struct {
		Chunks []BChunk `json:"chunks"`
	}{chunks})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode chunks: %w", err)
	}

	raw, err := s.llm.Generate(ctx, llm.Request{
		System: synthSystemPrompt,
		Prompt: "Cluster these conversation chunks:\n\n" + string(input),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("synthesis request failed: %w", err)
	}

	var payloads []clusterPayload
	parse := func(text string) error {
		var envelope synthEnvelope
		if err := json.Unmarshal([]byte(text), &envelope); err != nil {
			return err
		}
		found := envelope.clusters()
		if len(found) == 0 {
			return errors.New("response has no clusters")
		}
		for i, cl := range found {
			if _, ok := normalizeClusterKind(cl.Type); !ok {
				return fmt.Errorf("cluster %d has unknown type %q", i, cl.Type)
			}
		}
		payloads = found
		return nil
	}
	if err := parseWithRepair(ctx, s.llm, s.logger, raw, parse); err != nil {
		return nil, nil, fmt.Errorf("synthesis stage failed: %w", err)
	}

	confidence := confidenceForQuality(quality)
	now := time.Now().UTC()
	clusters := make([]CCluster, 0, len(payloads))
	seenEntities := make(map[string]bool)
	var entities []string
	for _, p := range payloads {
		kind, _ := normalizeClusterKind(p.Type)
		content := p.Summary
		if len(p.Insights) > 0 {
			content += "\n" + strings.Join(p.Insights, "\n")
		}
		clusters = append(clusters, CCluster{
			ID:              uuid.New().String(),
			Kind:            kind,
			Content:         strings.TrimSpace(content),
			RelatedChunks:   p.ChunkIDs,
			RelatedClusters: p.RelatedClusters,
			Theme:           p.Title,
			Confidence:      confidence,
			Version:         1,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		for _, entity := range p.Entities {
			if entity != "" && !seenEntities[entity] {
				seenEntities[entity] = true
				entities = append(entities, entity)
			}
		}
	}

	s.logger.Debug(ctx, "chunks synthesized",
		"conversation_id", conversationID,
		"clusters", len(clusters),
		"entities", len(entities))
	return clusters, entities, nil
}
