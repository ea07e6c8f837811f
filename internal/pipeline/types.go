// Package pipeline runs the collaboration stages for one user message:
// understand, research, draft, critique, internal synthesis, a concurrent
// external review, and a streamed final synthesis. Duplicate concurrent
// requests are coalesced onto a single run.
package pipeline

import (
	"errors"
	"time"

	"conclave/internal/provider"
)

var (
	// ErrStageAborted is the outcome of a run cancelled mid-flight.
	ErrStageAborted = errors.New("stage aborted")
	// ErrPipelineFatal means a required stage exhausted its fallback chain.
	ErrPipelineFatal = errors.New("pipeline fatal")
	// ErrUnknownRun is returned for a run id the controller does not know.
	ErrUnknownRun = errors.New("unknown run")
	// ErrRunFinished is returned when acting on a run that already ended.
	ErrRunFinished = errors.New("run already finished")
	// ErrNotAwaiting is returned by ResumeRun when the run is not paused.
	ErrNotAwaiting = errors.New("run is not awaiting resume")
	// ErrClosed is returned after Controller.Close.
	ErrClosed = errors.New("controller closed")
)

// Mode selects whether a run pauses between stages.
type Mode string

const (
	ModeAutomatic Mode = "automatic"
	ModeStaged    Mode = "staged"
)

// ParseMode maps a config or request string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", string(ModeAutomatic):
		return ModeAutomatic, nil
	case string(ModeStaged), "staged-with-pause":
		return ModeStaged, nil
	}
	return "", errors.New("invalid mode: " + s)
}

// RunStatus is the run state machine.
type RunStatus string

const (
	RunCreated         RunStatus = "CREATED"
	RunRunning         RunStatus = "RUNNING"
	RunSynthesizing    RunStatus = "SYNTHESIZING"
	RunStreamingAnswer RunStatus = "STREAMING_ANSWER"
	RunComplete        RunStatus = "COMPLETE"
	RunError           RunStatus = "ERROR"
	RunCancelled       RunStatus = "CANCELLED"
)

// Terminal reports whether the run has ended.
func (s RunStatus) Terminal() bool {
	return s == RunComplete || s == RunError || s == RunCancelled
}

// StageStatus is the per-stage state machine.
type StageStatus string

const (
	StagePending StageStatus = "PENDING"
	StageRunning StageStatus = "RUNNING"
	StageDone    StageStatus = "DONE"
	StageError   StageStatus = "ERROR"
	StageSkipped StageStatus = "SKIPPED"
)

// Terminal reports whether the stage has ended.
func (s StageStatus) Terminal() bool {
	return s == StageDone || s == StageError || s == StageSkipped
}

// Roles performed by stages.
const (
	RoleAnalyst          = "analyst"
	RoleResearcher       = "researcher"
	RoleCreator          = "creator"
	RoleCritic           = "critic"
	RoleInternalSynth    = "internal-synth"
	RoleExternalReviewer = "external-reviewer"
	RoleDirector         = "director"
)

// ReviewStageID is the aggregate id of the external review fan-out.
// Individual reviewers are "external-review.1" ... "external-review.N".
const ReviewStageID = "external-review"

// Confidence values carried by final_answer_end.
const (
	ConfidenceHigh     = "high"
	ConfidenceDegraded = "degraded"
)

// Request is one user message submitted to the pipeline.
type Request struct {
	ConversationID string             `json:"conversation_id"`
	Message        string             `json:"message"`
	Mode           Mode               `json:"mode,omitempty"`
	History        []provider.Message `json:"history,omitempty"`
}

// Stage is a snapshot of one stage of a run.
type Stage struct {
	ID         string         `json:"stage_id"`
	Role       string         `json:"role"`
	Provider   string         `json:"provider,omitempty"`
	Model      string         `json:"model,omitempty"`
	Status     StageStatus    `json:"status"`
	Optional   bool           `json:"optional,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
	Attempts   int            `json:"attempts"`
	Retries    int            `json:"retries"`
	Output     string         `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Usage      provider.Usage `json:"usage"`
}

// Run is a snapshot of one pipeline execution.
type Run struct {
	ID             string         `json:"run_id"`
	ConversationID string         `json:"conversation_id"`
	Message        string         `json:"message"`
	Mode           Mode           `json:"mode"`
	Status         RunStatus      `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at,omitempty"`
	Confidence     string         `json:"confidence,omitempty"`
	Answer         string         `json:"answer,omitempty"`
	Error          string         `json:"error,omitempty"`
	AwaitingResume bool           `json:"awaiting_resume,omitempty"`
	Stages         []Stage        `json:"stages"`
	Usage          provider.Usage `json:"usage"`
}

// Stage returns the stage with id, if present.
func (r *Run) Stage(id string) (Stage, bool) {
	for _, st := range r.Stages {
		if st.ID == id {
			return st, true
		}
	}
	return Stage{}, false
}

// Result is the outcome handed to the leader and every coalesced follower.
type Result struct {
	RunID      string         `json:"run_id"`
	Status     RunStatus      `json:"status"`
	Answer     string         `json:"answer"`
	Confidence string         `json:"confidence"`
	Usage      provider.Usage `json:"usage"`
}
