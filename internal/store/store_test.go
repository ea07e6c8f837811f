package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"conclave/internal/pipeline"
	"conclave/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func openTemp(t *testing.T) *RunStore {
	t.Helper()
	s, err := Open(DriverPureGo, filepath.Join(t.TempDir(), "runs", "conclave.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id string, started time.Time) pipeline.RunRecord {
	return pipeline.RunRecord{
		RunID:          id,
		ConversationID: "conv-1",
		Message:        "what is a conclave?",
		Mode:           pipeline.ModeAutomatic,
		Status:         pipeline.RunComplete,
		Answer:         "a private meeting",
		Confidence:     pipeline.ConfidenceHigh,
		StartedAt:      started,
		FinishedAt:     started.Add(2 * time.Second),
		Usage:          provider.Usage{PromptTokens: 30, CompletionTokens: 12},
		Stages: []pipeline.Stage{
			{ID: "understand", Role: pipeline.RoleAnalyst, Provider: "openai", Model: "gpt-4o-mini",
				Status: pipeline.StageDone, Attempts: 1, Output: "intent", StartedAt: started, FinishedAt: started.Add(time.Second),
				Usage: provider.Usage{PromptTokens: 10, CompletionTokens: 4}},
			{ID: "research", Role: pipeline.RoleResearcher, Provider: "openai", Model: "gpt-4o",
				Status: pipeline.StageDone, Attempts: 2, Retries: 1, Output: "facts"},
			{ID: "external-review.1", Role: pipeline.RoleExternalReviewer, Status: pipeline.StageSkipped,
				Optional: true, Error: "join timeout"},
		},
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestRecordRunComplete_RoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	started := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.RecordRunComplete(ctx, sampleRun("run-1", started)))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Equal(t, pipeline.RunComplete, got.Status)
	assert.Equal(t, pipeline.ModeAutomatic, got.Mode)
	assert.Equal(t, "a private meeting", got.Answer)
	assert.Equal(t, pipeline.ConfidenceHigh, got.Confidence)
	assert.Equal(t, 42, got.Usage.Total())
	assert.True(t, got.StartedAt.Equal(started))
	assert.True(t, got.FinishedAt.Equal(started.Add(2*time.Second)))

	require.Len(t, got.Stages, 3)
	assert.Equal(t, "understand", got.Stages[0].ID)
	assert.Equal(t, "gpt-4o-mini", got.Stages[0].Model)
	assert.Equal(t, 14, got.Stages[0].Usage.Total())
	assert.Equal(t, 1, got.Stages[1].Retries)
	assert.True(t, got.Stages[1].StartedAt.IsZero())
	assert.True(t, got.Stages[2].Optional)
	assert.Equal(t, pipeline.StageSkipped, got.Stages[2].Status)
	assert.Equal(t, "join timeout", got.Stages[2].Error)
}

func TestRecordStage_ThenRunComplete(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	rec := sampleRun("run-1", time.Now())

	// Stages arrive one by one before the run completes.
	require.NoError(t, s.RecordStage(ctx, pipeline.StageRecord{RunID: "run-1", Stage: rec.Stages[1]}))
	require.NoError(t, s.RecordStage(ctx, pipeline.StageRecord{RunID: "run-1", Stage: rec.Stages[0]}))

	stages, err := s.StagesForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "research", stages[0].ID)

	rec.Stages[0].Output = "refined intent"
	require.NoError(t, s.RecordRunComplete(ctx, rec))

	stages, err = s.StagesForRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.Equal(t, []string{"understand", "research", "external-review.1"},
		[]string{stages[0].ID, stages[1].ID, stages[2].ID})
	assert.Equal(t, "refined intent", stages[0].Output)
}

func TestGetRun_NotFound(t *testing.T) {
	s := openTemp(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.RecordRunComplete(ctx, sampleRun(id, base.Add(time.Duration(i)*time.Minute))))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
	assert.Empty(t, runs[0].Stages)
}

func TestRecordRunComplete_Idempotent(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	rec := sampleRun("run-1", time.Now())
	require.NoError(t, s.RecordRunComplete(ctx, rec))

	rec.Status = pipeline.RunError
	rec.Error = "pipeline_fatal"
	require.NoError(t, s.RecordRunComplete(ctx, rec))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, pipeline.RunError, runs[0].Status)
	assert.Equal(t, "pipeline_fatal", runs[0].Error)
}

func TestReopen_KeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conclave.db")
	s, err := Open("", path)
	require.NoError(t, err)
	require.NoError(t, s.RecordRunComplete(context.Background(), sampleRun("run-1", time.Now())))
	require.NoError(t, s.Close())

	s, err = Open(DriverPureGo, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, got.Stages, 3)
}

type slowRecorder struct {
	mu      sync.Mutex
	release chan struct{}
	runs    []string
	stages  []string
	fail    bool
}

func (r *slowRecorder) RecordStage(_ context.Context, rec pipeline.StageRecord) error {
	<-r.release
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, rec.Stage.ID)
	return nil
}

func (r *slowRecorder) RecordRunComplete(_ context.Context, rec pipeline.RunRecord) error {
	<-r.release
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("disk full")
	}
	r.runs = append(r.runs, rec.RunID)
	return nil
}

func TestAsyncRecorder_DrainsOnClose(t *testing.T) {
	next := &slowRecorder{release: make(chan struct{})}
	close(next.release)
	a := NewAsyncRecorder(next, 16)

	ctx := context.Background()
	require.NoError(t, a.RecordStage(ctx, pipeline.StageRecord{RunID: "r", Stage: pipeline.Stage{ID: "understand"}}))
	require.NoError(t, a.RecordStage(ctx, pipeline.StageRecord{RunID: "r", Stage: pipeline.Stage{ID: "research"}}))
	require.NoError(t, a.RecordRunComplete(ctx, pipeline.RunRecord{RunID: "r"}))
	a.Close()

	assert.Equal(t, []string{"understand", "research"}, next.stages)
	assert.Equal(t, []string{"r"}, next.runs)
	assert.Zero(t, a.Dropped())

	// Records after Close are dropped, and Close is idempotent.
	require.NoError(t, a.RecordRunComplete(ctx, pipeline.RunRecord{RunID: "late"}))
	assert.EqualValues(t, 1, a.Dropped())
	a.Close()
}

func TestAsyncRecorder_NeverBlocksWhenFull(t *testing.T) {
	next := &slowRecorder{release: make(chan struct{})}
	a := NewAsyncRecorder(next, 2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = a.RecordRunComplete(context.Background(), pipeline.RunRecord{RunID: "r"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a stalled writer")
	}

	// The writer holds at most one record and the queue two.
	assert.GreaterOrEqual(t, a.Dropped(), int64(7))
	close(next.release)
	a.Close()
	assert.EqualValues(t, 10, int64(len(next.runs))+a.Dropped())
}

func TestAsyncRecorder_CountsFailures(t *testing.T) {
	next := &slowRecorder{release: make(chan struct{}), fail: true}
	close(next.release)
	a := NewAsyncRecorder(next, 4)
	_ = a.RecordRunComplete(context.Background(), pipeline.RunRecord{RunID: "r"})
	a.Close()
	assert.EqualValues(t, 1, a.Failed())
}

func TestAsyncRecorder_OverRunStore(t *testing.T) {
	s := openTemp(t)
	a := NewAsyncRecorder(s, 8)
	rec := sampleRun("run-async", time.Now())
	for _, st := range rec.Stages {
		_ = a.RecordStage(context.Background(), pipeline.StageRecord{RunID: rec.RunID, Stage: st})
	}
	_ = a.RecordRunComplete(context.Background(), rec)
	a.Close()

	got, err := s.GetRun(context.Background(), "run-async")
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunComplete, got.Status)
	assert.Len(t, got.Stages, 3)
}
