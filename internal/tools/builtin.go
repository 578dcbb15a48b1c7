package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramlabs/engram/internal/convlog"
	"github.com/engramlabs/engram/internal/dreaming"
	"github.com/engramlabs/engram/internal/knowledge"
	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/observability"
)

// MemoryService is the orchestrator surface the memory tools need.
type MemoryService interface {
	AddUser(ctx context.Context, content string)
	AddAssistant(ctx context.Context, content string)
	Conversation() []memory.Message
	ConversationID() string
	EndConversation(ctx context.Context) (string, error)
	ContextForQuery(ctx context.Context, query string, maxItems int) []memory.ContextItem
	SetMultiModel(enabled bool)
	MultiModelEnabled() bool
	Stats() map[string]any
}

// KnowledgeService is the knowledge-base surface the document tools
// need.
type KnowledgeService interface {
	Add(ctx context.Context, inputs []knowledge.DocumentInput) ([]string, error)
	Recent(n int) []knowledge.Document
	Remove(id string) error
}

// ConversationLog is the durable log surface behind the conversation
// tools.
type ConversationLog interface {
	Recent(ctx context.Context, limit int) ([]convlog.Entry, error)
	Remove(ctx context.Context, id string) error
	RemoveRecent(ctx context.Context, count int) (int, error)
}

// Deps collects everything the built-in tools operate on. Dreams,
// Scheduler, and Search are optional; their tools report a clear error
// when the dependency is absent.
type Deps struct {
	Memory    MemoryService
	Knowledge KnowledgeService
	ConvLog   ConversationLog
	Dreams    *dreaming.Pipeline
	Scheduler *dreaming.Scheduler
	Search    *WebSearch
	Logger    *observability.Logger

	// Now is overridable for the time tools in tests.
	Now func() time.Time
}

// RegisterBuiltins registers the full tool set on r.
func RegisterBuiltins(r *Registry, deps Deps) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	builtins := []Tool{
		memoryContextTool(deps),
		addDocumentsTool(deps),
		addConversationTool(deps),
		endConversationTool(deps),
		listRecentConversationsTool(deps),
		removeConversationMessageTool(deps),
		removeRecentConversationsTool(deps),
		listRecentDocumentsTool(deps),
		removeDocumentTool(deps),
		toggleMultiModelTool(deps),
		webSearchTool(deps),
		currentDayTool(deps),
		currentTimeTool(deps),
		dreamConversationTool(deps),
		dreamArchiveTool(deps),
		dreamLifecycleTool(deps),
		upgradeDreamQualityTool(deps),
		memoryStatsTool(deps),
	}
	for _, tool := range builtins {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

func memoryContextTool(deps Deps) Tool {
	return Tool{
		Name:        "get_memory_context",
		Description: "Retrieve relevant context for a query from all memory tiers (working, active, archival, knowledge base).",
		Category:    CategoryMemory,
		Priority:    PriorityHigh,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The query to retrieve context for"},
				"max_items": {"type": "integer", "minimum": 1, "maximum": 50, "default": 10}
			},
			"required": ["query"]
		}`),
		Prompt: &PromptTemplate{
			Template: "Use get_memory_context before answering questions that may relate to earlier conversations or stored documents.",
			Examples: []string{`get_memory_context({"query": "what did we decide about the deployment?"})`},
			UsageTip: "Keep the query close to the user's phrasing; the search is semantic.",
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query, err := requireString(args, "query")
			if err != nil {
				return nil, err
			}
			maxItems := clampInt(intArg(args, "max_items", 10), 1, 50)
			items := deps.Memory.ContextForQuery(ctx, query, maxItems)
			return map[string]any{
				"query":       query,
				"items":       items,
				"total_items": len(items),
			}, nil
		},
	}
}

func addDocumentsTool(deps Deps) Tool {
	return Tool{
		Name:        "add_documents",
		Description: "Add documents to the knowledge base. Code documents with repo_url and file_path get deterministic ids and replace earlier versions of the same file.",
		Category:    CategoryKnowledge,
		Priority:    PriorityHigh,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"documents": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"properties": {
							"text": {"type": "string"},
							"source_type": {"type": "string", "enum": ["chat", "code", "web", "manual"]},
							"metadata": {"type": "object"},
							"repo_url": {"type": "string"},
							"file_path": {"type": "string"},
							"commit_hash": {"type": "string"},
							"branch": {"type": "string"}
						},
						"required": ["text"]
					}
				}
			},
			"required": ["documents"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			raw, ok := args["documents"].([]any)
			if !ok || len(raw) == 0 {
				return nil, errors.New(`argument "documents" must be a non-empty array`)
			}
			inputs := make([]knowledge.DocumentInput, 0, len(raw))
			for i, entry := range raw {
				doc, ok := entry.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("document %d is not an object", i)
				}
				text, ok := stringArg(doc, "text")
				if !ok {
					return nil, fmt.Errorf("document %d has no text", i)
				}
				input := knowledge.DocumentInput{Text: text}
				if st, ok := stringArg(doc, "source_type"); ok {
					input.SourceType = st
				}
				if md, ok := doc["metadata"].(map[string]any); ok {
					input.Metadata = md
				}
				repoURL, hasRepo := stringArg(doc, "repo_url")
				filePath, hasPath := stringArg(doc, "file_path")
				if hasRepo && hasPath {
					git := &knowledge.GitContext{RepoURL: repoURL, FilePath: filePath}
					git.CommitHash, _ = stringArg(doc, "commit_hash")
					git.Branch, _ = stringArg(doc, "branch")
					input.Git = git
					if input.SourceType == "" {
						input.SourceType = knowledge.SourceCode
					}
				}
				inputs = append(inputs, input)
			}

			ids, err := deps.Knowledge.Add(ctx, inputs)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"document_ids": ids,
				"count":        len(ids),
			}, nil
		},
	}
}

func addConversationTool(deps Deps) Tool {
	return Tool{
		Name:        "add_conversation",
		Description: "Record one user/assistant exchange into memory.",
		Category:    CategoryConversation,
		Priority:    PriorityHigh,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"user_message": {"type": "string"},
				"assistant_message": {"type": "string"}
			},
			"required": ["user_message", "assistant_message"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			userMsg, err := requireString(args, "user_message")
			if err != nil {
				return nil, err
			}
			assistantMsg, err := requireString(args, "assistant_message")
			if err != nil {
				return nil, err
			}
			deps.Memory.AddUser(ctx, userMsg)
			deps.Memory.AddAssistant(ctx, assistantMsg)
			return map[string]any{"status": "recorded"}, nil
		},
	}
}

func endConversationTool(deps Deps) Tool {
	return Tool{
		Name:        "end_conversation",
		Description: "Consolidate the current conversation: summarize the topic, archive the transcript, and clear working memory.",
		Category:    CategoryConversation,
		Priority:    PriorityMedium,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			// Capture the transcript and id before consolidation
			// clears working memory, so the dream scheduler can
			// replay it under the same conversation id the durable
			// log recorded.
			transcript := formatTranscript(deps.Memory.Conversation())
			conversationID := deps.Memory.ConversationID()

			topic, err := deps.Memory.EndConversation(ctx)
			if err != nil {
				return nil, err
			}

			result := map[string]any{
				"status": "consolidated",
				"topic":  topic,
			}
			if deps.Scheduler != nil && transcript != "" {
				if conversationID == "" {
					conversationID = uuid.New().String()
				}
				deps.Scheduler.Enqueue(conversationID, transcript)
				result["conversation_id"] = conversationID
				result["dream_queued"] = true
			}
			return result, nil
		},
	}
}

func listRecentConversationsTool(deps Deps) Tool {
	return Tool{
		Name:        "list_recent_conversations",
		Description: "List recent messages from the durable conversation log, newest first.",
		Category:    CategoryConversation,
		Priority:    PriorityMedium,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "minimum": 1, "maximum": 50, "default": 10}
			}
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			limit := clampInt(intArg(args, "limit", 10), 1, 50)
			entries, err := deps.ConvLog.Recent(ctx, limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"messages": entries,
				"count":    len(entries),
			}, nil
		},
	}
}

func removeConversationMessageTool(deps Deps) Tool {
	return Tool{
		Name:        "remove_conversation_message",
		Description: "Remove one message from the conversation log by id.",
		Category:    CategoryConversation,
		Priority:    PriorityLow,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message_id": {"type": "string"}
			},
			"required": ["message_id"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id, err := requireString(args, "message_id")
			if err != nil {
				return nil, err
			}
			if err := deps.ConvLog.Remove(ctx, id); err != nil {
				return nil, err
			}
			return map[string]any{"status": "removed", "message_id": id}, nil
		},
	}
}

func removeRecentConversationsTool(deps Deps) Tool {
	return Tool{
		Name:        "remove_recent_conversations",
		Description: "Remove the newest N messages from the conversation log.",
		Category:    CategoryConversation,
		Priority:    PriorityLow,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"count": {"type": "integer", "minimum": 1, "maximum": 100}
			},
			"required": ["count"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			count := intArg(args, "count", 0)
			if count < 1 || count > 100 {
				return nil, errors.New(`argument "count" must be between 1 and 100`)
			}
			removed, err := deps.ConvLog.RemoveRecent(ctx, count)
			if err != nil {
				return nil, err
			}
			return map[string]any{"status": "removed", "removed": removed}, nil
		},
	}
}

func listRecentDocumentsTool(deps Deps) Tool {
	return Tool{
		Name:        "list_recent_documents",
		Description: "List the most recently added knowledge-base documents.",
		Category:    CategoryKnowledge,
		Priority:    PriorityMedium,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "minimum": 1, "maximum": 50, "default": 10}
			}
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			limit := clampInt(intArg(args, "limit", 10), 1, 50)
			docs := deps.Knowledge.Recent(limit)
			summaries := make([]map[string]any, 0, len(docs))
			for _, doc := range docs {
				summary := map[string]any{
					"id":          doc.ID,
					"source_type": doc.SourceType,
					"chunks":      len(doc.Chunks),
					"created_at":  doc.CreatedAt,
					"preview":     preview(doc.Text, 200),
				}
				if doc.GitContext != nil {
					summary["repo_url"] = doc.GitContext.RepoURL
					summary["file_path"] = doc.GitContext.FilePath
				}
				summaries = append(summaries, summary)
			}
			return map[string]any{
				"documents": summaries,
				"count":     len(summaries),
			}, nil
		},
	}
}

func removeDocumentTool(deps Deps) Tool {
	return Tool{
		Name:        "remove_document",
		Description: "Remove a document and its chunk embeddings from the knowledge base.",
		Category:    CategoryKnowledge,
		Priority:    PriorityLow,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"document_id": {"type": "string"}
			},
			"required": ["document_id"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id, err := requireString(args, "document_id")
			if err != nil {
				return nil, err
			}
			if err := deps.Knowledge.Remove(id); err != nil {
				return nil, err
			}
			return map[string]any{"status": "removed", "document_id": id}, nil
		},
	}
}

func toggleMultiModelTool(deps Deps) Tool {
	return Tool{
		Name:        "toggle_multi_model",
		Description: "Enable or disable multi-model memory mode.",
		Category:    CategoryMemory,
		Priority:    PriorityLow,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"}
			},
			"required": ["enabled"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			enabled, ok := boolArg(args, "enabled")
			if !ok {
				return nil, errors.New(`argument "enabled" must be a boolean`)
			}
			deps.Memory.SetMultiModel(enabled)
			return map[string]any{"multi_model_enabled": deps.Memory.MultiModelEnabled()}, nil
		},
	}
}

func webSearchTool(deps Deps) Tool {
	return Tool{
		Name:        "web_search",
		Description: "Search the web via Google Custom Search. Failures are reported inside the result, never as a tool error.",
		Category:    CategoryUtilities,
		Priority:    PriorityMedium,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 10, "default": 5}
			},
			"required": ["query"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query, err := requireString(args, "query")
			if err != nil {
				return nil, err
			}
			limit := clampInt(intArg(args, "limit", defaultSearchResultSize), 1, maxSearchResults)

			if deps.Search == nil {
				return WebSearchResponse{
					Query:   query,
					Results: []WebSearchResult{},
					Error:   "web search is not configured",
				}, nil
			}
			results, err := deps.Search.Search(ctx, query, limit)
			if err != nil {
				return WebSearchResponse{
					Query:   query,
					Results: []WebSearchResult{},
					Error:   err.Error(),
				}, nil
			}
			return WebSearchResponse{
				Query:        query,
				Results:      results,
				TotalResults: len(results),
			}, nil
		},
	}
}

func currentDayTool(deps Deps) Tool {
	return Tool{
		Name:        "get_current_day",
		Description: "Get the current day of the week and date.",
		Category:    CategoryUtilities,
		Priority:    PriorityLow,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			now := deps.Now().UTC()
			return map[string]any{
				"day":  now.Weekday().String(),
				"date": now.Format("2006-01-02"),
			}, nil
		},
	}
}

func currentTimeTool(deps Deps) Tool {
	return Tool{
		Name:        "get_current_time",
		Description: "Get the current time in UTC.",
		Category:    CategoryUtilities,
		Priority:    PriorityLow,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			now := deps.Now().UTC()
			return map[string]any{
				"time":     now.Format("15:04:05"),
				"datetime": now.Format(time.RFC3339),
				"timezone": "UTC",
			}, nil
		},
	}
}

func dreamConversationTool(deps Deps) Tool {
	return Tool{
		Name:        "dream_conversation",
		Description: "Run the dreaming consolidation pipeline for one conversation, producing a new archive version.",
		Category:    CategoryMemory,
		Priority:    PriorityLow,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"conversation_id": {"type": "string"},
				"quality": {"type": "string", "enum": ["basic", "good", "premium"]}
			},
			"required": ["conversation_id"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			conv, err := requireString(args, "conversation_id")
			if err != nil {
				return nil, err
			}
			if deps.Dreams == nil {
				return nil, errors.New("dreaming is not enabled")
			}
			quality, _ := stringArg(args, "quality")

			text, ok := "", false
			if deps.Scheduler != nil {
				text, ok = deps.Scheduler.TakePending(conv)
			}
			if !ok {
				// Fall back to re-dreaming from the latest archive's
				// original text.
				archive, err := deps.Dreams.Archiver().Archive(conv, 0)
				if err != nil {
					return nil, fmt.Errorf("no pending transcript and no prior archive for %s", conv)
				}
				if archive.Metadata.OriginalText == "" {
					return nil, errors.New("no transcript available for this conversation")
				}
				text = archive.Metadata.OriginalText
			}

			version, err := deps.Dreams.Run(ctx, conv, text, quality)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"conversation_id": conv,
				"version":         version,
				"status":          "archived",
			}, nil
		},
	}
}

func dreamArchiveTool(deps Deps) Tool {
	return Tool{
		Name:        "get_dream_archive",
		Description: "Read a dream archive version (latest when version is omitted).",
		Category:    CategoryMemory,
		Priority:    PriorityLow,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"conversation_id": {"type": "string"},
				"version": {"type": "integer", "minimum": 1}
			},
			"required": ["conversation_id"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			conv, err := requireString(args, "conversation_id")
			if err != nil {
				return nil, err
			}
			if deps.Dreams == nil {
				return nil, errors.New("dreaming is not enabled")
			}
			archive, err := deps.Dreams.Archiver().Archive(conv, intArg(args, "version", 0))
			if err != nil {
				return nil, err
			}
			// The raw transcript stays server-side.
			archive.Metadata.OriginalText = ""
			return archive, nil
		},
	}
}

func dreamLifecycleTool(deps Deps) Tool {
	return Tool{
		Name:        "get_dream_lifecycle",
		Description: "Read the manifest lifecycle record for a dream archive version.",
		Category:    CategoryMemory,
		Priority:    PriorityLow,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"conversation_id": {"type": "string"},
				"version": {"type": "integer", "minimum": 1}
			},
			"required": ["conversation_id"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			conv, err := requireString(args, "conversation_id")
			if err != nil {
				return nil, err
			}
			if deps.Dreams == nil {
				return nil, errors.New("dreaming is not enabled")
			}
			version, record, err := deps.Dreams.Archiver().Lifecycle(conv, intArg(args, "version", 0))
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"conversation_id": conv,
				"version":         version,
				"lifecycle":       record,
			}, nil
		},
	}
}

func upgradeDreamQualityTool(deps Deps) Tool {
	return Tool{
		Name:        "upgrade_dream_quality",
		Description: "Re-run the dreaming pipeline at a higher quality, producing a new archive version.",
		Category:    CategoryMemory,
		Priority:    PriorityLow,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"conversation_id": {"type": "string"},
				"target_quality": {"type": "string", "enum": ["basic", "good", "premium"]}
			},
			"required": ["conversation_id", "target_quality"]
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			conv, err := requireString(args, "conversation_id")
			if err != nil {
				return nil, err
			}
			target, err := requireString(args, "target_quality")
			if err != nil {
				return nil, err
			}
			if deps.Dreams == nil {
				return nil, errors.New("dreaming is not enabled")
			}
			version, err := deps.Dreams.UpgradeQuality(ctx, conv, target)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"conversation_id": conv,
				"version":         version,
				"quality":         target,
			}, nil
		},
	}
}

func memoryStatsTool(deps Deps) Tool {
	return Tool{
		Name:        "memory_stats",
		Description: "Report memory tier sizes and embedding cache statistics.",
		Category:    CategoryUtilities,
		Priority:    PriorityLow,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return deps.Memory.Stats(), nil
		},
	}
}

func preview(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "…"
}

// formatTranscript renders a conversation as "role: content" lines,
// the shape the dream chunker expects.
func formatTranscript(messages []memory.Message) string {
	if len(messages) == 0 {
		return ""
	}
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}
