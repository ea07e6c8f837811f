package config

import "time"

// Timeouts centralizes the resolved durations used by a run.
//
// The shortest timeout in a chain wins: a stage timeout shorter than the
// provider timeout cuts the call at the stage budget.
type Timeouts struct {
	// Tier 1 - per call
	CancelGrace         time.Duration
	BackpressureTimeout time.Duration

	// Tier 2 - per stage
	StageTimeout time.Duration
	JoinTimeout  time.Duration

	// Tier 3 - per run and beyond
	CoalesceWaitTimeout time.Duration
	NegativeTTL         time.Duration
	StreamRetention     time.Duration
	ShutdownTimeout     time.Duration
}

// DefaultTimeouts returns the fallback used for any unparseable value.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		CancelGrace:         100 * time.Millisecond,
		BackpressureTimeout: 50 * time.Millisecond,
		StageTimeout:        120 * time.Second,
		JoinTimeout:         45 * time.Second,
		CoalesceWaitTimeout: 10 * time.Minute,
		NegativeTTL:         5 * time.Second,
		StreamRetention:     10 * time.Minute,
		ShutdownTimeout:     10 * time.Second,
	}
}

// Timeouts resolves every duration string, falling back to defaults.
func (c *Config) Timeouts() Timeouts {
	d := DefaultTimeouts()
	return Timeouts{
		CancelGrace:         parseDuration(c.Pipeline.CancelGrace, d.CancelGrace),
		BackpressureTimeout: parseDuration(c.Stream.BackpressureTimeout, d.BackpressureTimeout),
		StageTimeout:        parseDuration(c.Pipeline.StageTimeout, d.StageTimeout),
		JoinTimeout:         parseDuration(c.Pipeline.JoinTimeout, d.JoinTimeout),
		CoalesceWaitTimeout: parseDuration(c.Coalesce.WaitTimeout, d.CoalesceWaitTimeout),
		NegativeTTL:         parseDuration(c.Coalesce.NegativeTTL, d.NegativeTTL),
		StreamRetention:     parseDuration(c.Stream.Retention, d.StreamRetention),
		ShutdownTimeout:     parseDuration(c.Server.ShutdownTimeout, d.ShutdownTimeout),
	}
}

// GetStageTimeout returns the timeout for a stage, or the pipeline default.
func (c *Config) GetStageTimeout(st StageConfig) time.Duration {
	return parseDuration(st.Timeout, c.Timeouts().StageTimeout)
}

// GetProviderTimeout returns the per-call timeout for a provider.
func (c *Config) GetProviderTimeout(id string) time.Duration {
	return parseDuration(c.Providers[id].Timeout, 120*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
