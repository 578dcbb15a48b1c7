package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PageKind tags what a page holds at the tier level.
type PageKind string

const (
	// PageConversation is a batch of messages paged out of working memory.
	PageConversation PageKind = "conversation"
	// PageConversationComplete is a whole conversation archived at its end.
	PageConversationComplete PageKind = "conversation_complete"
	// PagePromoted is an archival item promoted back during retrieval.
	PagePromoted PageKind = "promoted"
	// PageText is free-form text inserted directly.
	PageText PageKind = "text"
)

// ContentType discriminates the PageContent variant.
type ContentType string

const (
	ContentConversation ContentType = "conversation"
	ContentText         ContentType = "text"
	ContentPromoted     ContentType = "promoted"
)

// PageContent is a tagged variant: exactly one branch is populated,
// selected by Type. Conversation content carries messages, text content a
// body, and promoted content a body plus a reference to the archival item
// it came from.
type PageContent struct {
	Type      ContentType `json:"type"`
	Messages  []Message   `json:"messages,omitempty"`
	Body      string      `json:"body,omitempty"`
	SourceRef string      `json:"source_ref,omitempty"`
	Topic     string      `json:"topic,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ConversationContent builds conversation-variant content.
func ConversationContent(messages []Message, topic string) PageContent {
	return PageContent{
		Type:      ContentConversation,
		Messages:  messages,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
	}
}

// TextContent builds text-variant content.
func TextContent(body string) PageContent {
	return PageContent{Type: ContentText, Body: body, Timestamp: time.Now().UTC()}
}

// PromotedContent builds promoted-variant content referencing the archival
// item the body came from.
func PromotedContent(sourceRef, body string) PageContent {
	return PageContent{
		Type:      ContentPromoted,
		Body:      body,
		SourceRef: sourceRef,
		Timestamp: time.Now().UTC(),
	}
}

// Text flattens the content for embedding and archival. Conversations
// become a role-prefixed transcript; text and promoted variants return
// their body.
func (c PageContent) Text() string {
	switch c.Type {
	case ContentConversation:
		lines := make([]string, 0, len(c.Messages))
		for _, msg := range c.Messages {
			lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, msg.Content))
		}
		return strings.Join(lines, "\n")
	default:
		return c.Body
	}
}

// JSON renders the content for embedding-by-serialisation.
func (c PageContent) JSON() string {
	data, err := json.Marshal(c)
	if err != nil {
		return c.Text()
	}
	return string(data)
}

// Page is the unit held by Active Memory. Owned exclusively by the tier
// until evicted; on eviction a snapshot goes to the archival store and
// the page is destroyed.
type Page struct {
	ID           string      `json:"id"`
	Content      PageContent `json:"content"`
	Kind         PageKind    `json:"kind"`
	CreatedAt    time.Time   `json:"created_at"`
	LastAccessed time.Time   `json:"last_accessed"`
	AccessCount  int         `json:"access_count"`
}

func newPage(content PageContent, kind PageKind) *Page {
	now := time.Now().UTC()
	return &Page{
		ID:           uuid.New().String(),
		Content:      content,
		Kind:         kind,
		CreatedAt:    now,
		LastAccessed: now,
	}
}

// touch marks an access. Callers hold the owning tier's lock.
func (p *Page) touch() {
	p.LastAccessed = time.Now().UTC()
	p.AccessCount++
}
