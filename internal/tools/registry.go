// Package tools implements the tool registry and the built-in tool
// set exposed over MCP.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/engramlabs/engram/internal/observability"
)

// ErrUnknownTool is returned when Execute is asked for an unregistered
// tool.
var ErrUnknownTool = errors.New("unknown tool")

// Tool categories.
const (
	CategoryMemory       = "memory"
	CategoryConversation = "conversation"
	CategoryKnowledge    = "knowledge"
	CategoryUtilities    = "utilities"
)

// Tool priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// Handler executes a tool. Arguments arrive as decoded JSON, so
// numbers are float64.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// PromptTemplate gives a model guidance on when and how to call a
// tool.
type PromptTemplate struct {
	Template string   `json:"template"`
	Examples []string `json:"examples,omitempty"`
	UsageTip string   `json:"usage_tip,omitempty"`
}

// Tool describes one registered tool.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Category    string
	Priority    string
	Prompt      *PromptTemplate

	// Placeholder tools are registered but hidden from listing.
	Placeholder bool

	Handler Handler

	compiled *jsonschema.Schema
	required []string
}

// Descriptor is the listing view of a tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Category    string          `json:"category,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	Prompt      *PromptTemplate `json:"prompt,omitempty"`
}

// Registry holds tools with thread-safe registration, listing, and
// execution.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	order   []string
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *observability.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		tools:   make(map[string]*Tool),
		logger:  logger,
		metrics: metrics,
	}
}

// Register adds a tool, compiling its input schema. Re-registering a
// name replaces the previous tool.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return errors.New("tool has no name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}
	if len(tool.InputSchema) == 0 {
		tool.InputSchema = json.RawMessage(`{"type":"object","properties":{}}`)
	}

	compiled, err := jsonschema.CompileString(tool.Name+".schema.json", string(tool.InputSchema))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", tool.Name, err)
	}
	tool.compiled = compiled
	tool.required = requiredFields(tool.InputSchema)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; !exists {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = &tool
	return nil
}

// requiredFields pulls the top-level required list out of a schema.
func requiredFields(schema json.RawMessage) []string {
	var shape struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &shape); err != nil {
		return nil
	}
	return shape.Required
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns descriptors for every visible tool in registration
// order. Placeholders are hidden.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		if tool == nil || tool.Placeholder {
			continue
		}
		out = append(out, describe(tool))
	}
	return out
}

// ByCategory groups visible tools by category, each group in
// registration order.
func (r *Registry) ByCategory() map[string][]Descriptor {
	return r.groupBy(func(t *Tool) string { return t.Category })
}

// ByPriority groups visible tools by priority, each group in
// registration order.
func (r *Registry) ByPriority() map[string][]Descriptor {
	return r.groupBy(func(t *Tool) string { return t.Priority })
}

func (r *Registry) groupBy(key func(*Tool) string) map[string][]Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]Descriptor)
	for _, name := range r.order {
		tool := r.tools[name]
		if tool == nil || tool.Placeholder {
			continue
		}
		k := key(tool)
		out[k] = append(out[k], describe(tool))
	}
	return out
}

func describe(tool *Tool) Descriptor {
	return Descriptor{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: tool.InputSchema,
		Category:    tool.Category,
		Priority:    tool.Priority,
		Prompt:      tool.Prompt,
	}
}

// EssentialTools names the minimal set an agent needs for the memory
// workflow.
func EssentialTools() []string {
	return []string{
		"get_memory_context",
		"add_conversation",
		"end_conversation",
		"add_documents",
		"web_search",
	}
}

// Execute dispatches a tool call. Required arguments are enforced;
// other schema violations are logged but do not block (a model that
// sends a stray extra field should not lose the call).
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}

	for _, field := range tool.required {
		if _, present := args[field]; !present {
			return nil, fmt.Errorf("missing required argument %q", field)
		}
	}
	if err := tool.compiled.Validate(toJSONValue(args)); err != nil {
		r.logger.Warn(ctx, "tool arguments do not match schema",
			"tool", name, "error", err)
	}

	start := time.Now()
	result, err := tool.Handler(ctx, args)
	if r.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		r.metrics.RecordToolExecution(name, status, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}

// toJSONValue round-trips args through JSON so the validator sees the
// same value shapes a decoded request would have.
func toJSONValue(args map[string]any) any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return args
	}
	return v
}
