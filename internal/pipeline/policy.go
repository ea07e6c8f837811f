package pipeline

import (
	"fmt"
	"time"

	"conclave/internal/config"
)

// Target is one provider/model pair in a fallback chain.
type Target struct {
	Provider string
	Model    string
}

func (t Target) String() string { return t.Provider + "/" + t.Model }

// StagePolicy is the execution policy of one stage.
type StagePolicy struct {
	ID       string
	Role     string
	Targets  []Target // ordered fallback chain, never empty
	Timeout  time.Duration
	Optional bool
}

// target returns the target for a zero-based attempt. Attempts past the end
// of the chain stay on the last target.
func (sp StagePolicy) target(attempt int) Target {
	if attempt >= len(sp.Targets) {
		return sp.Targets[len(sp.Targets)-1]
	}
	return sp.Targets[attempt]
}

// Policy is everything a run needs to know about stages, fallbacks and
// joins. It is immutable once handed to the controller; SetPolicy swaps it
// for new runs only.
type Policy struct {
	Mode                Mode
	MaxAttempts         int
	RetryBackoff        time.Duration
	JoinTimeout         time.Duration
	MinReviewerFraction float64
	CancelGrace         time.Duration
	CoalesceWait        time.Duration

	Stages    []StagePolicy // sequential stages before the review
	Reviewers []StagePolicy
	Director  StagePolicy
}

// DefaultRetryBackoff is the pause before retrying the same target.
const DefaultRetryBackoff = 250 * time.Millisecond

var stageRoles = map[string]string{
	config.StageUnderstand:        RoleAnalyst,
	config.StageResearch:          RoleResearcher,
	config.StageDraft:             RoleCreator,
	config.StageCritique:          RoleCritic,
	config.StageInternalSynthesis: RoleInternalSynth,
	config.StageFinalSynthesis:    RoleDirector,
}

// PolicyFromConfig resolves the pipeline section of cfg into a Policy.
func PolicyFromConfig(cfg *config.Config) (Policy, error) {
	pc := cfg.Pipeline
	t := cfg.Timeouts()

	mode, err := ParseMode(pc.Mode)
	if err != nil {
		return Policy{}, err
	}

	p := Policy{
		Mode:                mode,
		MaxAttempts:         pc.MaxAttempts,
		RetryBackoff:        DefaultRetryBackoff,
		JoinTimeout:         t.JoinTimeout,
		MinReviewerFraction: pc.MinReviewerFraction,
		CancelGrace:         t.CancelGrace,
		CoalesceWait:        t.CoalesceWaitTimeout,
	}

	for _, id := range config.SequentialStages {
		st, ok := pc.Stages[id]
		if !ok {
			return Policy{}, fmt.Errorf("pipeline.stages.%s is missing", id)
		}
		sp, err := stagePolicy(cfg, id, stageRoles[id], st)
		if err != nil {
			return Policy{}, err
		}
		if id == config.StageFinalSynthesis {
			p.Director = sp
			continue
		}
		p.Stages = append(p.Stages, sp)
	}

	for i, st := range pc.Reviewers {
		sp, err := stagePolicy(cfg, ReviewerStageID(i), RoleExternalReviewer, st)
		if err != nil {
			return Policy{}, err
		}
		sp.Optional = true
		p.Reviewers = append(p.Reviewers, sp)
	}

	return p, p.Validate()
}

func stagePolicy(cfg *config.Config, id, role string, st config.StageConfig) (StagePolicy, error) {
	sp := StagePolicy{ID: id, Role: role, Timeout: cfg.GetStageTimeout(st)}
	for _, raw := range st.Targets {
		prov, model, err := config.ParseTarget(raw)
		if err != nil {
			return StagePolicy{}, fmt.Errorf("stage %s: %w", id, err)
		}
		sp.Targets = append(sp.Targets, Target{Provider: prov, Model: model})
	}
	return sp, nil
}

// ReviewerStageID returns the stage id of the zero-based reviewer i.
func ReviewerStageID(i int) string {
	return fmt.Sprintf("%s.%d", ReviewStageID, i+1)
}

// Validate checks the policy is runnable.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.MinReviewerFraction < 0 || p.MinReviewerFraction > 1 {
		return fmt.Errorf("min reviewer fraction must be within [0,1], got %v", p.MinReviewerFraction)
	}
	check := func(sp StagePolicy) error {
		if sp.ID == "" {
			return fmt.Errorf("stage with role %q has no id", sp.Role)
		}
		if len(sp.Targets) == 0 {
			return fmt.Errorf("stage %s has no targets", sp.ID)
		}
		return nil
	}
	for _, sp := range p.Stages {
		if err := check(sp); err != nil {
			return err
		}
	}
	for _, sp := range p.Reviewers {
		if err := check(sp); err != nil {
			return err
		}
	}
	return check(p.Director)
}

// Confidence grades a finished run: high when every required stage
// succeeded and the reviewer success fraction exceeds the policy minimum.
func (p Policy) Confidence(requiredOK bool, reviewersOK, reviewers int) string {
	if !requiredOK {
		return ConfidenceDegraded
	}
	if reviewers == 0 {
		return ConfidenceHigh
	}
	if float64(reviewersOK)/float64(reviewers) > p.MinReviewerFraction {
		return ConfidenceHigh
	}
	return ConfidenceDegraded
}
