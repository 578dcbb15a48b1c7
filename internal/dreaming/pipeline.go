package dreaming

import (
	"context"
	"errors"
	"fmt"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/internal/observability"
)

// Pipeline wires the three dreaming stages together.
type Pipeline struct {
	chunker  *Chunker
	synth    *Synthesizer
	archiver *Archiver
	quality  string
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	LLM      llm.Client
	Archiver *Archiver
	Quality  string
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// NewPipeline builds the full A→B→C→D pipeline.
func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	if opts.Quality == "" {
		opts.Quality = config.QualityGood
	}
	return &Pipeline{
		chunker:  NewChunker(opts.LLM, opts.Logger),
		synth:    NewSynthesizer(opts.LLM, opts.Logger),
		archiver: opts.Archiver,
		quality:  opts.Quality,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Archiver exposes the underlying archive store for read paths.
func (p *Pipeline) Archiver() *Archiver {
	return p.archiver
}

// Run consolidates one conversation's raw text into a new archive
// version at the given quality (the pipeline default when empty).
// Returns the version written.
func (p *Pipeline) Run(ctx context.Context, conversationID, text, quality string) (int, error) {
	if quality == "" {
		quality = p.quality
	}

	version, err := p.run(ctx, conversationID, text, quality)
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		p.metrics.RecordDreamRun(status, quality)
	}
	return version, err
}

func (p *Pipeline) run(ctx context.Context, conversationID, text, quality string) (int, error) {
	chunks, err := p.chunker.Chunk(ctx, conversationID, text, quality)
	if err != nil {
		return 0, err
	}

	clusters, entities, err := p.synth.Synthesize(ctx, conversationID, chunks, quality)
	if err != nil {
		return 0, err
	}

	for _, chunk := range chunks {
		for _, entity := range chunk.Entities {
			if entity != "" && !containsString(entities, entity) {
				entities = append(entities, entity)
			}
		}
	}

	archive := &ArchiveVersion{
		ConversationID: conversationID,
		BChunks:        chunks,
		CClusters:      clusters,
		Entities:       entities,
		Metadata: ArchiveMetadata{
			Quality:      quality,
			OriginalText: text,
		},
	}
	version, err := p.archiver.WriteVersion(archive)
	if err != nil {
		return 0, err
	}

	p.logger.Info(ctx, "dream consolidation complete",
		"conversation_id", conversationID,
		"version", version,
		"quality", quality)
	return version, nil
}

// UpgradeQuality re-runs the pipeline at target quality from the
// original text stored in the latest archive, producing a new version.
func (p *Pipeline) UpgradeQuality(ctx context.Context, conversationID, target string) (int, error) {
	latest, err := p.archiver.Archive(conversationID, 0)
	if err != nil {
		return 0, err
	}
	if latest.Metadata.OriginalText == "" {
		return 0, errors.New("latest archive does not carry the original text; cannot upgrade")
	}
	if latest.Metadata.Quality == target {
		return 0, fmt.Errorf("conversation already consolidated at quality %q", target)
	}
	return p.Run(ctx, conversationID, latest.Metadata.OriginalText, target)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
