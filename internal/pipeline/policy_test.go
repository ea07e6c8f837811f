package pipeline

import (
	"testing"
	"time"

	"conclave/internal/config"
	"conclave/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyFromConfig_Defaults(t *testing.T) {
	p, err := PolicyFromConfig(config.DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, ModeAutomatic, p.Mode)
	assert.Equal(t, 2, p.MaxAttempts)
	assert.Equal(t, 45*time.Second, p.JoinTimeout)
	assert.Equal(t, 100*time.Millisecond, p.CancelGrace)
	assert.Equal(t, 10*time.Minute, p.CoalesceWait)

	var ids []string
	for _, sp := range p.Stages {
		ids = append(ids, sp.ID)
		assert.False(t, sp.Optional)
		assert.Len(t, sp.Targets, 2, sp.ID)
	}
	assert.Equal(t, []string{
		config.StageUnderstand, config.StageResearch, config.StageDraft,
		config.StageCritique, config.StageInternalSynthesis,
	}, ids)
	assert.Equal(t, RoleResearcher, p.Stages[1].Role)

	assert.Equal(t, config.StageFinalSynthesis, p.Director.ID)
	assert.Equal(t, RoleDirector, p.Director.Role)
	assert.Equal(t, 300*time.Second, p.Director.Timeout)

	require.Len(t, p.Reviewers, 5)
	assert.Equal(t, "external-review.1", p.Reviewers[0].ID)
	for _, sp := range p.Reviewers {
		assert.True(t, sp.Optional)
		assert.Equal(t, RoleExternalReviewer, sp.Role)
	}
	assert.Equal(t, Target{Provider: "openrouter", Model: "meta-llama/llama-3.1-70b-instruct"}, p.Reviewers[3].Targets[0])
}

func TestPolicyFromConfig_Offline(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Offline()
	cfg.Pipeline.Mode = "staged"

	p, err := PolicyFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, ModeStaged, p.Mode)
	assert.Equal(t, []Target{{Provider: provider.Scripted, Model: config.StageDraft}}, p.Stages[2].Targets)
	assert.Equal(t, "reviewer-0", p.Reviewers[0].Targets[0].Model)
}

func TestPolicyFromConfig_Errors(t *testing.T) {
	cfg := config.DefaultConfig()
	delete(cfg.Pipeline.Stages, config.StageCritique)
	_, err := PolicyFromConfig(cfg)
	assert.Error(t, err)

	cfg = config.DefaultConfig()
	cfg.Pipeline.Stages[config.StageDraft] = config.StageConfig{Targets: []string{"no-slash"}}
	_, err = PolicyFromConfig(cfg)
	assert.Error(t, err)

	cfg = config.DefaultConfig()
	cfg.Pipeline.Mode = "eventually"
	_, err = PolicyFromConfig(cfg)
	assert.Error(t, err)
}

func TestStagePolicy_TargetClampsToLast(t *testing.T) {
	sp := StagePolicy{Targets: []Target{{"a", "1"}, {"b", "2"}}}
	assert.Equal(t, "a/1", sp.target(0).String())
	assert.Equal(t, "b/2", sp.target(1).String())
	assert.Equal(t, "b/2", sp.target(5).String())
}

func TestPolicy_Confidence(t *testing.T) {
	p := Policy{MinReviewerFraction: 0.6}
	tests := []struct {
		name       string
		requiredOK bool
		ok, total  int
		want       string
	}{
		{"all reviewers", true, 5, 5, ConfidenceHigh},
		{"four of five", true, 4, 5, ConfidenceHigh},
		{"three of five", true, 3, 5, ConfidenceDegraded},
		{"no reviewers configured", true, 0, 0, ConfidenceHigh},
		{"none responded", true, 0, 3, ConfidenceDegraded},
		{"required stage failed", false, 5, 5, ConfidenceDegraded},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.Confidence(tc.requiredOK, tc.ok, tc.total))
		})
	}
}

func TestPolicy_Validate(t *testing.T) {
	p := testPolicy(1)
	require.NoError(t, p.Validate())

	p.Reviewers[0].Targets = nil
	assert.Error(t, p.Validate())

	p = testPolicy(0)
	p.MinReviewerFraction = 2
	assert.Error(t, p.Validate())

	p = testPolicy(0)
	p.Director = StagePolicy{}
	assert.Error(t, p.Validate())
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":                  ModeAutomatic,
		"automatic":         ModeAutomatic,
		"staged":            ModeStaged,
		"staged-with-pause": ModeStaged,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseMode("later")
	assert.Error(t, err)
}

func TestBuildMessages(t *testing.T) {
	r := Request{
		Message: "final question\nwith detail",
		History: []provider.Message{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "reply"}},
	}
	outputs := map[string]string{
		config.StageDraft:    "the draft",
		config.StageCritique: "the critique",
		config.StageResearch: "not read by the synthesizer",
	}

	msgs := buildMessages(RoleInternalSynth, r, outputs)
	require.Len(t, msgs, 5)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "earlier", msgs[1].Content)
	assert.Contains(t, msgs[3].Content, "the draft")
	assert.Contains(t, msgs[3].Content, "the critique")
	assert.NotContains(t, msgs[3].Content, "not read")
	assert.Equal(t, provider.Message{Role: "user", Content: r.Message}, msgs[4])

	msgs = buildMessages(RoleAnalyst, r, outputs)
	assert.Len(t, msgs, 4)
}

func TestRequestMessages_IncludeMode(t *testing.T) {
	a := requestMessages(Request{Message: "q", Mode: ModeAutomatic})
	b := requestMessages(Request{Message: "q", Mode: ModeStaged})
	assert.NotEqual(t, a, b)
	assert.Equal(t, "q", a[len(a)-1].Content)
}
