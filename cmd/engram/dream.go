package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/engramlabs/engram/internal/dreaming"
	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/internal/observability"
)

func newDreamCommand() *cobra.Command {
	var (
		configPath     string
		conversationID string
		file           string
		quality        string
	)

	cmd := &cobra.Command{
		Use:   "dream",
		Short: "Run the consolidation pipeline once over a transcript",
		Long: `Run the dreaming pipeline over a conversation transcript and write
a new archive version. The transcript is read from --file, or from
stdin when --file is omitted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if quality == "" {
				quality = cfg.Dreaming.Quality
			}

			var text []byte
			if file != "" {
				text, err = os.ReadFile(file)
			} else {
				text, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return fmt.Errorf("read transcript: %w", err)
			}

			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			client, err := llm.New(cfg.LLM)
			if err != nil {
				return fmt.Errorf("llm client: %w", err)
			}
			pipeline := dreaming.NewPipeline(dreaming.PipelineOptions{
				LLM:      client,
				Archiver: dreaming.NewArchiver(filepath.Join(cfg.DataDir, "dreams"), logger),
				Quality:  cfg.Dreaming.Quality,
				Logger:   logger,
			})

			version, err := pipeline.Run(context.Background(), conversationID, string(text), quality)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"conversation_id": conversationID,
				"version":         version,
				"quality":         quality,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id to archive under")
	cmd.Flags().StringVar(&file, "file", "", "transcript file (default: stdin)")
	cmd.Flags().StringVar(&quality, "quality", "", "dream quality: basic, good, or premium")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}
