package dreaming

import (
	"context"
	"fmt"
	"strings"

	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/internal/observability"
)

const repairSystemPrompt = "You fix malformed JSON. Respond with only the corrected JSON object, no prose, no code fences."

// parseWithRepair runs the stage parse ladder: strict parse, then
// brace-balanced extraction of an object embedded in prose, then a
// single LLM repair pass, then failure. There is no rule-based
// fallback; a response the ladder cannot parse fails the stage.
func parseWithRepair(ctx context.Context, client llm.Client, logger *observability.Logger, raw string, parse func(string) error) error {
	firstErr := parse(raw)
	if firstErr == nil {
		return nil
	}
	if obj, ok := extractBalancedObject(raw); ok {
		if err := parse(obj); err == nil {
			return nil
		}
	}

	logger.Warn(ctx, "llm response is not valid json, attempting repair", "error", firstErr)
	repaired, err := client.Generate(ctx, llm.Request{
		System: repairSystemPrompt,
		Prompt: "Fix this so it parses as a single valid JSON object, preserving all content:\n\n" + raw,
	})
	if err != nil {
		return fmt.Errorf("json repair request failed: %w", err)
	}

	if err := parse(repaired); err == nil {
		return nil
	}
	if obj, ok := extractBalancedObject(repaired); ok {
		if err := parse(obj); err == nil {
			return nil
		}
	}
	return fmt.Errorf("llm response unparseable after repair: %w", firstErr)
}

// extractBalancedObject returns the first brace-balanced JSON object
// embedded in s, skipping braces inside string literals.
func extractBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
