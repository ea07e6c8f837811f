// Package stream turns run progress into ordered, sequence-numbered events
// and fans them out to independent subscribers.
package stream

import (
	"time"

	"conclave/internal/provider"
)

// Type is the event type carried in every frame.
type Type string

const (
	StageStart       Type = "stage_start"
	StageEnd         Type = "stage_end"
	PhaseDelta       Type = "phase_delta"
	FinalAnswerStart Type = "final_answer_start"
	FinalAnswerDelta Type = "final_answer_delta"
	FinalAnswerEnd   Type = "final_answer_end"
	Error            Type = "error"
	Done             Type = "done"

	// DeltaGap replaces deltas dropped for a slow subscriber. It is local to
	// that subscriber and never published.
	DeltaGap Type = "delta_gap"
)

// Droppable reports whether a slow subscriber may lose this event.
func (t Type) Droppable() bool {
	return t == PhaseDelta || t == FinalAnswerDelta
}

// Terminal reports whether the event ends the run's stream.
func (t Type) Terminal() bool {
	return t == Error || t == Done
}

// Error codes carried by error events.
const (
	CodePipelineFatal = "pipeline_fatal"
	CodeCancelled     = "cancelled"
)

// Payload holds the type-specific fields. Unused fields are omitted on the wire.
type Payload struct {
	StageID        string          `json:"stage_id,omitempty"`
	Role           string          `json:"role,omitempty"`
	Status         string          `json:"status,omitempty"`
	Provider       string          `json:"provider,omitempty"`
	Model          string          `json:"model,omitempty"`
	Attempts       int             `json:"attempts,omitempty"`
	Retries        int             `json:"retries,omitempty"`
	Delta          string          `json:"delta,omitempty"`
	FullResponse   string          `json:"full_response,omitempty"`
	Confidence     string          `json:"confidence,omitempty"`
	Usage          *provider.Usage `json:"usage,omitempty"`
	Code           string          `json:"code,omitempty"`
	Message        string          `json:"message,omitempty"`
	AwaitingResume bool            `json:"awaiting_resume,omitempty"`

	// delta_gap fields
	Dropped int    `json:"dropped,omitempty"`
	GapFrom uint64 `json:"gap_from,omitempty"`
	GapTo   uint64 `json:"gap_to,omitempty"`
}

// Event is one immutable frame of a run's stream.
type Event struct {
	RunID     string    `json:"run_id"`
	Sequence  uint64    `json:"sequence_number"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload
}

// gapFor starts a gap marker covering ev.
func gapFor(ev Event) Event {
	return Event{
		RunID:     ev.RunID,
		Sequence:  ev.Sequence,
		Type:      DeltaGap,
		Timestamp: ev.Timestamp,
		Payload:   Payload{StageID: ev.StageID, Dropped: 1, GapFrom: ev.Sequence, GapTo: ev.Sequence},
	}
}

// absorb folds ev (a delta or another gap) into gap g.
func (g *Event) absorb(ev Event) {
	if ev.Type == DeltaGap {
		g.Dropped += ev.Dropped
		if ev.GapTo > g.GapTo {
			g.GapTo = ev.GapTo
		}
		return
	}
	g.Dropped++
	if ev.Sequence > g.GapTo {
		g.GapTo = ev.Sequence
	}
}
