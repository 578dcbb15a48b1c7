package dreaming

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/observability"
)

// Run states for scheduler executions.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// RunRecord tracks one pipeline execution triggered by the scheduler.
type RunRecord struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Status         string     `json:"status"`
	Version        int        `json:"version,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

type pendingConversation struct {
	conversationID string
	text           string
}

// Scheduler drains a queue of ended conversations through the dream
// pipeline on a cron schedule.
type Scheduler struct {
	pipeline *Pipeline
	logger   *observability.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	pending []pendingConversation
	records []RunRecord
}

// NewScheduler builds a scheduler over pipeline using the given
// schedule. Either a cron expression or a fixed interval must be set;
// the cron expression wins when both are.
func NewScheduler(pipeline *Pipeline, schedule config.ScheduleConfig, logger *observability.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	spec := schedule.Cron
	if spec == "" {
		if schedule.Every <= 0 {
			return nil, errors.New("dream schedule needs a cron expression or interval")
		}
		spec = "@every " + schedule.Every.String()
	}

	s := &Scheduler{
		pipeline: pipeline,
		logger:   logger,
		cron:     cron.New(),
	}
	if _, err := s.cron.AddFunc(spec, s.Drain); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins firing on the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running drain to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Enqueue registers an ended conversation for the next drain.
func (s *Scheduler) Enqueue(conversationID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pendingConversation{conversationID: conversationID, text: text})
}

// TakePending removes and returns the queued transcript for one
// conversation, for callers that consolidate it out of band.
func (s *Scheduler) TakePending(conversationID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, item := range s.pending {
		if item.conversationID == conversationID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return item.text, true
		}
	}
	return "", false
}

// Pending reports how many conversations await consolidation.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Records returns a copy of the execution history, newest last.
func (s *Scheduler) Records() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Drain consolidates every pending conversation. A failure on one
// conversation is recorded and does not stop the rest.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	queue := s.pending
	s.pending = nil
	s.mu.Unlock()

	ctx := context.Background()
	for _, item := range queue {
		record := RunRecord{
			ID:             uuid.New().String(),
			ConversationID: item.conversationID,
			Status:         RunRunning,
			StartedAt:      time.Now().UTC(),
		}
		s.appendRecord(record)

		version, err := s.pipeline.Run(ctx, item.conversationID, item.text, "")
		now := time.Now().UTC()
		record.CompletedAt = &now
		if err != nil {
			record.Status = RunFailed
			record.Error = err.Error()
			s.logger.Error(ctx, "scheduled dream failed",
				"conversation_id", item.conversationID, "error", err)
		} else {
			record.Status = RunSucceeded
			record.Version = version
		}
		s.updateRecord(record)
	}
}

func (s *Scheduler) appendRecord(r RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *Scheduler) updateRecord(r RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].ID == r.ID {
			s.records[i] = r
			return
		}
	}
}
