package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/engramlabs/engram/internal/embedding"
)

// ErrNoConversation is returned by EndConversation when no messages have
// been recorded since the last conversation ended.
var ErrNoConversation = errors.New("no active conversation")

// stateFile is the on-disk snapshot written by SaveState.
type stateFile struct {
	SavedAt      time.Time           `json:"saved_at"`
	Model        embedding.ModelInfo `json:"model"`
	Working      []Message           `json:"working"`
	Conversation []Message           `json:"conversation"`
	Pages        []*Page             `json:"pages"`
}

// SaveState writes a snapshot of working memory, active pages, and the
// current conversation buffer, tagged with the live embedding model
// descriptor. The file is written 0600 via temp-file + rename.
func (o *Orchestrator) SaveState(path string) error {
	o.mu.Lock()
	conversation := make([]Message, len(o.conversation))
	copy(conversation, o.conversation)
	o.mu.Unlock()

	snapshot := stateFile{
		SavedAt:      time.Now().UTC(),
		Model:        o.embedder.ModelInfo(),
		Working:      o.working.Messages(),
		Conversation: conversation,
		Pages:        o.active.Pages(),
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace state: %w", err)
	}
	return nil
}

// LoadState restores a snapshot written by SaveState. A snapshot taken
// under a different embedding model still loads; the mismatch is logged
// because cached page scores may shift under the new model.
func (o *Orchestrator) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	var snapshot stateFile
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("state file corrupt: %w", err)
	}

	live := o.embedder.ModelInfo()
	if snapshot.Model.Model != live.Model || snapshot.Model.Dimension != live.Dimension {
		o.logger.Warn(context.Background(), "state snapshot embedding model differs from live model",
			"snapshot_model", snapshot.Model.Model, "snapshot_dim", snapshot.Model.Dimension,
			"live_model", live.Model, "live_dim", live.Dimension)
	}

	o.working.restore(snapshot.Working)
	for _, page := range snapshot.Pages {
		handler := o.archiveEvicted()
		if page.Kind == PagePromoted {
			handler = nil
		}
		o.active.Insert(page, handler)
	}

	o.mu.Lock()
	o.conversation = make([]Message, len(snapshot.Conversation))
	copy(o.conversation, snapshot.Conversation)
	o.mu.Unlock()

	o.recordTierSizes()
	return nil
}
