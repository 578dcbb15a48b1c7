package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/embedding"
	"github.com/engramlabs/engram/internal/knowledge"
	"github.com/engramlabs/engram/internal/observability"
)

// promotionScore is the similarity an archival hit must reach before the
// retrieval loop synchronously promotes it back into Active Memory. The
// configurable promotion_threshold (default 0.6) applies to the explicit
// promotion path; the synchronous path keeps the stricter bar.
const promotionScore = 0.8

// dedupePrefixLen is how many characters of content identify a result
// when de-duplicating across model keys in multi-model retrieval.
const dedupePrefixLen = 100

// Context item sources, in merge tie-break priority order.
const (
	SourceWorking   = "working"
	SourceActive    = "active"
	SourceArchival  = "archival"
	SourceKnowledge = "knowledge"
)

var sourcePriority = map[string]int{
	SourceWorking:   0,
	SourceActive:    1,
	SourceArchival:  2,
	SourceKnowledge: 3,
}

// ContextItem is one scored piece of memory returned by retrieval.
type ContextItem struct {
	Source   string         `json:"source"`
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// KnowledgeSearcher is the slice of the knowledge base the orchestrator
// retrieves through.
type KnowledgeSearcher interface {
	Query(ctx context.Context, text string, topK int) ([]knowledge.Result, error)
}

// Recorder receives every message as it enters working memory. The
// conversation log implements this; a nil recorder disables it.
type Recorder interface {
	Append(ctx context.Context, conversationID, role, content string) error
}

// Orchestrator composes the four tiers behind one interface: it pages
// working memory out into active pages, archives evicted and completed
// pages, promotes hot archival items back, and fans retrieval out across
// all tiers in parallel.
//
// Writers are serialised per conversation by the orchestrator's own
// mutex; retrieval only takes read paths plus idempotent access marks
// and promotion.
type Orchestrator struct {
	mu             sync.Mutex
	conversation   []Message
	conversationID string

	working   *WorkingMemory
	active    *ActiveMemory
	archival  *ArchivalMemory
	knowledge KnowledgeSearcher
	embedder  Embedder
	recorder  Recorder

	multiMu       sync.RWMutex
	multiEnabled  bool
	models        map[string]Embedder
	priorityKeys  []string
	conversations *MultiModelStore

	cfg     config.MemoryConfig
	logger  *observability.Logger
	metrics *observability.Metrics
}

// OrchestratorOptions carries the tier implementations and collaborators.
// Knowledge, Recorder, Conversations, and Metrics may be nil; the
// corresponding behaviour is skipped.
type OrchestratorOptions struct {
	Working       *WorkingMemory
	Active        *ActiveMemory
	Archival      *ArchivalMemory
	Knowledge     KnowledgeSearcher
	Embedder      Embedder
	Recorder      Recorder
	Conversations *MultiModelStore
	Config        config.MemoryConfig
	Logger        *observability.Logger
	Metrics       *observability.Metrics
}

// NewOrchestrator wires the tiers together.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	cfg := opts.Config
	if cfg.PageOutBatch <= 0 {
		cfg.PageOutBatch = 10
	}
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = 0.3
	}
	return &Orchestrator{
		working:       opts.Working,
		active:        opts.Active,
		archival:      opts.Archival,
		knowledge:     opts.Knowledge,
		embedder:      opts.Embedder,
		recorder:      opts.Recorder,
		conversations: opts.Conversations,
		models:        make(map[string]Embedder),
		priorityKeys:  cfg.MultiModel.PriorityModels,
		multiEnabled:  cfg.MultiModel.Enabled,
		cfg:           cfg,
		logger:        logger,
		metrics:       opts.Metrics,
	}
}

// archiveEvicted hands evicted pages to the archival tier.
func (o *Orchestrator) archiveEvicted() EvictHandler {
	return EvictFunc(func(page *Page) {
		ctx := context.Background()
		if _, err := o.archival.StorePage(ctx, page); err != nil {
			o.logger.Error(ctx, "failed to archive evicted page", "page_id", page.ID, "error", err)
		}
	})
}

// AddUser records a user message.
func (o *Orchestrator) AddUser(ctx context.Context, content string) {
	o.add(ctx, RoleUser, content)
}

// AddAssistant records an assistant message.
func (o *Orchestrator) AddAssistant(ctx context.Context, content string) {
	o.add(ctx, RoleAssistant, content)
}

func (o *Orchestrator) add(ctx context.Context, role, content string) {
	o.mu.Lock()
	o.working.Add(role, content)
	if len(o.conversation) == 0 {
		o.conversationID = uuid.New().String()
	}
	o.conversation = append(o.conversation, NewMessage(role, content))
	conversationID := o.conversationID
	full := o.working.IsFull()
	o.mu.Unlock()

	if o.recorder != nil {
		if err := o.recorder.Append(ctx, conversationID, role, content); err != nil {
			o.logger.Warn(ctx, "conversation log append failed", "error", err)
		}
	}

	if o.MultiModelEnabled() && o.conversations != nil {
		models := o.availableModels()
		if len(models) > 0 {
			if _, err := o.conversations.StoreConversation(ctx, content, role, models); err != nil {
				o.logger.Warn(ctx, "multi-model store failed", "error", err)
			}
		}
	}

	if full {
		o.PageOutOldest(o.cfg.PageOutBatch)
	}
	o.recordTierSizes()
}

// PageOutOldest moves the oldest n working-memory messages into a new
// conversation page in Active Memory. Returns the page id, or "" when
// working memory was empty.
func (o *Orchestrator) PageOutOldest(n int) string {
	msgs := o.working.RemoveOldest(n)
	if len(msgs) == 0 {
		return ""
	}
	return o.active.AddPage(ConversationContent(msgs, ""), PageConversation, o.archiveEvicted())
}

// EndConversation archives the current conversation: a topic summary is
// derived, the full transcript becomes a conversation_complete page and
// an archival item linked to it, and working memory plus the buffer are
// cleared. Returns the topic, or ErrNoConversation when nothing was said.
func (o *Orchestrator) EndConversation(ctx context.Context) (string, error) {
	o.mu.Lock()
	if len(o.conversation) == 0 {
		o.mu.Unlock()
		return "", ErrNoConversation
	}
	msgs := o.conversation
	o.conversation = nil
	o.conversationID = ""
	o.working.Clear()
	o.mu.Unlock()

	topic := TopicSummary(msgs)
	content := ConversationContent(msgs, topic)
	pageID := o.active.AddPage(content, PageConversationComplete, o.archiveEvicted())

	if _, err := o.archival.Store(ctx, content.Text(), map[string]any{
		"type":    "conversation",
		"topic":   topic,
		"page_id": pageID,
	}); err != nil {
		o.logger.Error(ctx, "failed to archive completed conversation", "page_id", pageID, "error", err)
	}
	o.recordTierSizes()
	return topic, nil
}

// ConversationID returns the id of the conversation in progress, or ""
// when nothing has been said since the last consolidation.
func (o *Orchestrator) ConversationID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conversationID
}

// Conversation returns a copy of the current conversation buffer.
func (o *Orchestrator) Conversation() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Message, len(o.conversation))
	copy(out, o.conversation)
	return out
}

// ContextForQuery retrieves the most relevant memory for a query. The
// four tier searches run in parallel; a failing tier is logged and
// dropped, never failing the whole retrieval. Results are merged sorted
// by score descending, ties broken by tier priority (working > active >
// archival > knowledge), and truncated to maxItems.
func (o *Orchestrator) ContextForQuery(ctx context.Context, query string, maxItems int) []ContextItem {
	if maxItems <= 0 {
		maxItems = 10
	}

	type tierSearch struct {
		name string
		run  func(context.Context) ([]ContextItem, error)
	}
	searches := []tierSearch{
		{SourceArchival, func(ctx context.Context) ([]ContextItem, error) {
			return o.searchArchival(ctx, query, maxItems), nil
		}},
		{SourceKnowledge, func(ctx context.Context) ([]ContextItem, error) {
			return o.searchKnowledge(ctx, query, maxItems)
		}},
	}
	if o.MultiModelEnabled() && o.conversations != nil {
		searches = append(searches, tierSearch{SourceWorking, func(ctx context.Context) ([]ContextItem, error) {
			return o.searchMultiModel(ctx, query, maxItems), nil
		}})
	} else {
		searches = append(searches,
			tierSearch{SourceWorking, func(ctx context.Context) ([]ContextItem, error) {
				return o.searchWorking(ctx, query), nil
			}},
			tierSearch{SourceActive, func(ctx context.Context) ([]ContextItem, error) {
				return o.searchActive(ctx, query), nil
			}},
		)
	}

	results := make([][]ContextItem, len(searches))
	var wg sync.WaitGroup
	for i, search := range searches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			items, err := search.run(ctx)
			if err != nil {
				o.logger.Warn(ctx, "tier search failed, degrading", "tier", search.name, "error", err)
				return
			}
			results[i] = items
			if o.metrics != nil {
				o.metrics.RecordRetrieval(search.name, len(items), time.Since(start).Seconds())
			}
		}()
	}
	wg.Wait()

	var merged []ContextItem
	for _, items := range results {
		merged = append(merged, items...)
	}
	sortContextItems(merged)
	if len(merged) > maxItems {
		merged = merged[:maxItems]
	}
	return merged
}

// sortContextItems orders items by score descending, ties broken by tier
// priority so inner tiers win.
func sortContextItems(items []ContextItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return sourcePriority[items[i].Source] < sourcePriority[items[j].Source]
	})
}

// searchWorking embeds every working-memory message against the query.
func (o *Orchestrator) searchWorking(ctx context.Context, query string) []ContextItem {
	msgs := o.working.Messages()
	if len(msgs) == 0 {
		return nil
	}
	queryVec := o.embedder.Embed(ctx, query, embedding.PromptQuery)

	texts := make([]string, len(msgs))
	for i, msg := range msgs {
		texts[i] = msg.Content
	}
	vecs := o.embedder.EmbedBatch(ctx, texts, embedding.PromptPassage)

	var items []ContextItem
	for i, msg := range msgs {
		score := o.embedder.Similarity(queryVec, vecs[i])
		if score <= o.cfg.MatchThreshold {
			continue
		}
		items = append(items, ContextItem{
			Source: SourceWorking,
			Text:   msg.Content,
			Score:  score,
			Metadata: map[string]any{
				"role":      msg.Role,
				"timestamp": msg.Timestamp,
			},
		})
	}
	return items
}

// searchActive embeds each page's serialised content against the query,
// marking matched pages as accessed.
func (o *Orchestrator) searchActive(ctx context.Context, query string) []ContextItem {
	pages := o.active.Pages()
	if len(pages) == 0 {
		return nil
	}
	queryVec := o.embedder.Embed(ctx, query, embedding.PromptQuery)

	var items []ContextItem
	for _, page := range pages {
		vec := o.embedder.Embed(ctx, page.Content.JSON(), embedding.PromptPassage)
		score := o.embedder.Similarity(queryVec, vec)
		if score <= o.cfg.MatchThreshold {
			continue
		}
		o.active.Get(page.ID)
		items = append(items, ContextItem{
			Source: SourceActive,
			Text:   page.Content.Text(),
			Score:  score,
			Metadata: map[string]any{
				"page_id": page.ID,
				"kind":    string(page.Kind),
			},
		})
	}
	return items
}

// searchArchival delegates to the archival tier and promotes any result
// scoring above promotionScore back into Active Memory.
func (o *Orchestrator) searchArchival(ctx context.Context, query string, limit int) []ContextItem {
	hits := o.archival.Search(ctx, query, limit)

	var items []ContextItem
	for _, hit := range hits {
		if hit.Score > promotionScore {
			o.promote(ctx, hit)
		}
		items = append(items, ContextItem{
			Source:   SourceArchival,
			Text:     hit.Text,
			Score:    hit.Score,
			Metadata: hit.Metadata,
		})
	}
	return items
}

// promote re-inserts a hot archival item as a promoted page. The page
// reuses the archived page's prior id when present, so promoting the
// same item twice is a no-op. Promoted pages carry no evict handler:
// their text already lives in the archival tier.
func (o *Orchestrator) promote(ctx context.Context, hit SearchResult) {
	pageID, _ := hit.Metadata["page_id"].(string)
	if pageID != "" && o.active.Contains(pageID) {
		return
	}
	for _, p := range o.active.Pages() {
		if p.Kind == PagePromoted && p.Content.SourceRef == hit.ID {
			return
		}
	}

	page := newPage(PromotedContent(hit.ID, hit.Text), PagePromoted)
	if pageID != "" {
		page.ID = pageID
	}
	o.active.Insert(page, nil)
	o.logger.Debug(ctx, "promoted archival item", "item_id", hit.ID, "page_id", page.ID, "score", hit.Score)
}

// searchKnowledge delegates to the knowledge base.
func (o *Orchestrator) searchKnowledge(ctx context.Context, query string, limit int) ([]ContextItem, error) {
	if o.knowledge == nil {
		return nil, nil
	}
	results, err := o.knowledge.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}

	items := make([]ContextItem, 0, len(results))
	for _, r := range results {
		items = append(items, ContextItem{
			Source: SourceKnowledge,
			Text:   r.Text,
			Score:  r.Score,
			Metadata: map[string]any{
				"doc_id":      r.DocID,
				"chunk_index": r.ChunkIndex,
				"source_type": r.SourceType,
			},
		})
	}
	return items, nil
}

// searchMultiModel replaces the working and active embedding paths when
// multi-model mode is on: the first priority key with a registered
// embedder confirms availability, then every available key embeds the
// query and searches its own index in parallel. Results are de-duplicated
// on a content prefix since the same text is indexed under several keys.
func (o *Orchestrator) searchMultiModel(ctx context.Context, query string, limit int) []ContextItem {
	models := o.availableModels()
	if len(models) == 0 {
		return nil
	}

	o.multiMu.RLock()
	priority := o.priorityKeys
	o.multiMu.RUnlock()

	driver := ""
	for _, key := range priority {
		if _, ok := models[key]; ok {
			driver = key
			break
		}
	}
	if driver == "" {
		// No priority key available; fall back to any registered key.
		for key := range models {
			driver = key
			break
		}
	}

	keys := make([]string, 0, len(models))
	for key := range models {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	perKey := make([][]MultiModelResult, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queryVec := models[key].Embed(ctx, query, embedding.PromptQuery)
			perKey[i] = o.conversations.Search(queryVec, key, limit, o.cfg.MatchThreshold)
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	var items []ContextItem
	for _, results := range perKey {
		for _, r := range results {
			prefix := r.Text
			if len(prefix) > dedupePrefixLen {
				prefix = prefix[:dedupePrefixLen]
			}
			if seen[prefix] {
				continue
			}
			seen[prefix] = true
			items = append(items, ContextItem{
				Source: SourceWorking,
				Text:   r.Text,
				Score:  r.Score,
				Metadata: map[string]any{
					"model_key": r.ModelKey,
					"driver":    driver,
					"role":      r.Role,
				},
			})
		}
	}
	return items
}

// RegisterModel makes an embedder available to multi-model storage and
// retrieval under its key.
func (o *Orchestrator) RegisterModel(key string, embedder Embedder) {
	o.multiMu.Lock()
	defer o.multiMu.Unlock()
	o.models[key] = embedder
}

// SetMultiModel toggles multi-model mode at runtime.
func (o *Orchestrator) SetMultiModel(enabled bool) {
	o.multiMu.Lock()
	defer o.multiMu.Unlock()
	o.multiEnabled = enabled
}

// MultiModelEnabled reports whether multi-model mode is on.
func (o *Orchestrator) MultiModelEnabled() bool {
	o.multiMu.RLock()
	defer o.multiMu.RUnlock()
	return o.multiEnabled
}

func (o *Orchestrator) availableModels() map[string]Embedder {
	o.multiMu.RLock()
	defer o.multiMu.RUnlock()
	out := make(map[string]Embedder, len(o.models))
	for key, embedder := range o.models {
		out[key] = embedder
	}
	return out
}

// Backfill migrates the multi-model conversation store to every
// registered model.
func (o *Orchestrator) Backfill(ctx context.Context) (int, error) {
	if o.conversations == nil {
		return 0, nil
	}
	return o.conversations.Backfill(ctx, o.availableModels())
}

// Stats reports tier sizes for the memory_stats tool.
func (o *Orchestrator) Stats() map[string]any {
	o.mu.Lock()
	buffered := len(o.conversation)
	o.mu.Unlock()

	stats := map[string]any{
		"working_messages":      o.working.Len(),
		"working_tokens":        o.working.TokenCount(),
		"working_max_tokens":    o.working.MaxTokens(),
		"active_pages":          o.active.Len(),
		"active_max_pages":      o.active.MaxPages(),
		"archival_items":        o.archival.Len(),
		"conversation_buffered": buffered,
		"multi_model_enabled":   o.MultiModelEnabled(),
		"embedding_model":       o.embedder.ModelInfo(),
	}
	if o.conversations != nil {
		stats["multi_model_entries"] = o.conversations.Len()
	}
	return stats
}

func (o *Orchestrator) recordTierSizes() {
	if o.metrics == nil {
		return
	}
	o.metrics.SetTierSize(SourceWorking, o.working.Len())
	o.metrics.SetTierSize(SourceActive, o.active.Len())
	o.metrics.SetTierSize(SourceArchival, o.archival.Len())
}
