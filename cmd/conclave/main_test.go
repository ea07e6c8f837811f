package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conclave/internal/config"
	"conclave/internal/pipeline"
	"conclave/internal/provider"
	"conclave/internal/stream"
	"conclave/internal/usage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a config whose store and usage files live in a
// temp dir.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	c := config.DefaultConfig()
	c.Store.Path = filepath.Join(dir, "conclave.db")
	c.Usage.Path = filepath.Join(dir, "usage.json")
	c.Logging.Level = "error"
	c.Pipeline.JoinTimeout = "5s"
	path := filepath.Join(dir, "conclave.yaml")
	require.NoError(t, c.Save(path))
	return path
}

// execute runs the root command with fresh flag state.
func execute(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	offline, verbose = false, false
	askStaged, askRender = false, false
	runsJSON, usageJSON, configForce = false, false, false

	var out, errOut bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	err = rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func TestAsk_OfflineEndToEnd(t *testing.T) {
	path := writeTestConfig(t)

	out, status, err := execute(t, "", "--config", path, "--offline", "ask", "what", "is", "a", "quorum?")
	require.NoError(t, err, status)
	assert.Equal(t, "[final-synthesis] what is a quorum?\n", out)
	assert.Contains(t, status, "understand")
	assert.Contains(t, status, "external-review")
	assert.Contains(t, status, "confidence: high")

	out, _, err = execute(t, "", "--config", path, "runs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETE")
	assert.Contains(t, out, "what is a quorum?")

	out, _, err = execute(t, "", "--config", path, "usage")
	require.NoError(t, err)
	assert.Contains(t, out, "scripted")
	assert.Contains(t, out, pipeline.RoleDirector)
}

func TestAsk_StagedResumesOnEnter(t *testing.T) {
	path := writeTestConfig(t)

	out, status, err := execute(t, strings.Repeat("\n", 10), "--config", path, "--offline", "ask", "--staged", "step by step")
	require.NoError(t, err, status)
	assert.Equal(t, "[final-synthesis] step by step\n", out)
	assert.Equal(t, 6, strings.Count(status, "press Enter to continue"))
}

func TestRunsShow(t *testing.T) {
	path := writeTestConfig(t)
	_, status, err := execute(t, "", "--config", path, "--offline", "ask", "show me")
	require.NoError(t, err, status)

	out, _, err := execute(t, "", "--config", path, "runs", "list", "--json")
	require.NoError(t, err)
	var runs []pipeline.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)

	out, _, err = execute(t, "", "--config", path, "runs", "show", runs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Status:       COMPLETE")
	assert.Contains(t, out, "final-synthesis")
	assert.Contains(t, out, "[final-synthesis] show me")

	_, _, err = execute(t, "", "--config", path, "runs", "show", "missing")
	assert.Error(t, err)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conclave.yaml")

	out, _, err := execute(t, "", "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, _, err = execute(t, "", "--config", path, "config", "init")
	assert.Error(t, err)
	_, _, err = execute(t, "", "--config", path, "config", "init", "--force")
	assert.NoError(t, err)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Pipeline.JoinTimeout, loaded.Pipeline.JoinTimeout)
}

func TestConfigShow_RedactsKeys(t *testing.T) {
	path := writeTestConfig(t)
	t.Setenv("OPENAI_API_KEY", "sk-secret")

	out, _, err := execute(t, "", "--config", path, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-secret")
	assert.Contains(t, out, "<redacted>")
}

func TestStageLine(t *testing.T) {
	assert.Contains(t, stageLine(stream.Event{Type: stream.StageStart, Payload: stream.Payload{StageID: "draft", Role: "creator"}}), "draft")
	assert.Empty(t, stageLine(stream.Event{Type: stream.PhaseDelta, Payload: stream.Payload{Delta: "x"}}))

	end := stageLine(stream.Event{Type: stream.StageEnd, Payload: stream.Payload{
		StageID: "research", Status: string(pipeline.StageDone), Provider: "openai", Model: "gpt-4o",
		Retries: 1, Usage: &provider.Usage{PromptTokens: 3, CompletionTokens: 4},
	}})
	assert.Contains(t, end, "openai/gpt-4o")
	assert.Contains(t, end, "1 retries")
	assert.Contains(t, end, "7 tokens")

	skipped := stageLine(stream.Event{Type: stream.StageEnd, Payload: stream.Payload{
		StageID: "external-review.2", Status: string(pipeline.StageSkipped), Message: "join timeout",
	}})
	assert.Contains(t, skipped, "join timeout")

	assert.Contains(t, stageLine(stream.Event{Type: stream.DeltaGap, Payload: stream.Payload{Dropped: 12}}), "12 deltas skipped")
	assert.Contains(t, stageLine(stream.Event{Type: stream.Error, Payload: stream.Payload{Code: stream.CodeCancelled}}), "cancelled")
}

func TestFollower_PrintsFullAnswerAfterGap(t *testing.T) {
	var out, status bytes.Buffer
	f := &follower{runID: "r1", out: &out, status: &status}
	ctx := context.Background()

	for _, ev := range []stream.Event{
		{Type: stream.FinalAnswerDelta, Payload: stream.Payload{Delta: "The "}},
		{Type: stream.DeltaGap, Payload: stream.Payload{Dropped: 3}},
		{Type: stream.FinalAnswerDelta, Payload: stream.Payload{Delta: "end."}},
		{Type: stream.FinalAnswerEnd, Payload: stream.Payload{FullResponse: "The quick answer, end.", Confidence: "high"}},
	} {
		finished, err := f.handle(ctx, ev)
		require.NoError(t, err)
		assert.False(t, finished)
	}
	finished, err := f.handle(ctx, stream.Event{Type: stream.Done})
	require.NoError(t, err)
	assert.True(t, finished)

	assert.True(t, strings.HasSuffix(out.String(), "The quick answer, end.\n"), out.String())
	assert.Contains(t, status.String(), "full answer follows")
}

func TestFollower_NoGapPrintsStreamOnly(t *testing.T) {
	var out, status bytes.Buffer
	f := &follower{runID: "r1", out: &out, status: &status}
	ctx := context.Background()

	_, _ = f.handle(ctx, stream.Event{Type: stream.FinalAnswerDelta, Payload: stream.Payload{Delta: "whole"}})
	_, _ = f.handle(ctx, stream.Event{Type: stream.FinalAnswerEnd, Payload: stream.Payload{FullResponse: "whole", Confidence: "high"}})
	assert.Equal(t, "whole\n", out.String())
}

func TestPrintUsage_SortsByTotal(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf, usage.AggregatedStats{
		Total: usage.TokenCounts{Total: 30},
		ByProvider: map[string]usage.TokenCounts{
			"openai":    {Total: 10},
			"anthropic": {Total: 20},
		},
	})
	out := buf.String()
	assert.Less(t, strings.Index(out, "anthropic"), strings.Index(out, "openai"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestReloadPolicy(t *testing.T) {
	c := config.DefaultConfig()
	c.Offline()
	p, err := pipeline.PolicyFromConfig(c)
	require.NoError(t, err)
	reg := provider.NewRegistry()
	reg.Register(provider.NewScripted())
	ctrl, err := pipeline.New(pipeline.Options{Registry: reg, Policy: p})
	require.NoError(t, err)
	defer ctrl.Close()

	next := config.DefaultConfig()
	next.Offline()
	next.Pipeline.MaxAttempts = 4
	reloadPolicy(ctrl, next)
	assert.Equal(t, 4, ctrl.Policy().MaxAttempts)

	bad := config.DefaultConfig()
	bad.Pipeline.MaxAttempts = 0
	reloadPolicy(ctrl, bad)
	assert.Equal(t, 4, ctrl.Policy().MaxAttempts)
}
