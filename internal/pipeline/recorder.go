package pipeline

import (
	"context"
	"time"

	"conclave/internal/provider"
)

// StageRecord is handed to the Recorder once per terminal stage.
type StageRecord struct {
	RunID          string
	ConversationID string
	Stage          Stage
}

// RunRecord is handed to the Recorder once per terminal run.
type RunRecord struct {
	RunID          string
	ConversationID string
	Message        string
	Mode           Mode
	Status         RunStatus
	Answer         string
	Confidence     string
	Error          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Usage          provider.Usage
	Stages         []Stage
}

// Recorder persists run progress. Calls are fire-and-forget: an error is
// logged and never fails the run.
type Recorder interface {
	RecordStage(ctx context.Context, rec StageRecord) error
	RecordRunComplete(ctx context.Context, rec RunRecord) error
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordStage(context.Context, StageRecord) error     { return nil }
func (NopRecorder) RecordRunComplete(context.Context, RunRecord) error { return nil }

// UsageEntry is one successful provider attempt.
type UsageEntry struct {
	Provider       string
	Model          string
	Role           string
	ConversationID string
	Usage          provider.Usage
}

// UsageSink receives token usage for every successful provider attempt.
type UsageSink interface {
	Track(e UsageEntry)
}
