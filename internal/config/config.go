package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when --config is not given.
const DefaultPath = "conclave.yaml"

// Config holds all conclave configuration.
type Config struct {
	Name string `yaml:"name"`

	// Providers keyed by provider id (openai, anthropic, gemini, xai, openrouter, zai, scripted).
	Providers map[string]ProviderConfig `yaml:"providers"`

	Pipeline PipelineConfig `yaml:"pipeline"`
	Coalesce CoalesceConfig `yaml:"coalesce"`
	Stream   StreamConfig   `yaml:"stream"`
	Store    StoreConfig    `yaml:"store"`
	Usage    UsageConfig    `yaml:"usage"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ProviderConfig configures one inference backend.
type ProviderConfig struct {
	APIKey        string `yaml:"api_key,omitempty"`
	BaseURL       string `yaml:"base_url,omitempty"`
	Timeout       string `yaml:"timeout,omitempty"`
	MaxConcurrent int    `yaml:"max_concurrent,omitempty"`
}

// PipelineConfig configures stage targets and the fallback/join policy.
type PipelineConfig struct {
	Mode                string                 `yaml:"mode"` // automatic, staged
	MaxAttempts         int                    `yaml:"max_attempts"`
	StageTimeout        string                 `yaml:"stage_timeout"`
	JoinTimeout         string                 `yaml:"join_timeout"`
	MinReviewerFraction float64                `yaml:"min_reviewer_fraction"`
	CancelGrace         string                 `yaml:"cancel_grace"`
	Stages              map[string]StageConfig `yaml:"stages"`
	Reviewers           []StageConfig          `yaml:"reviewers"`
}

// StageConfig is an ordered fallback chain of "provider/model" targets.
type StageConfig struct {
	Targets []string `yaml:"targets"`
	Timeout string   `yaml:"timeout,omitempty"`
}

// CoalesceConfig configures duplicate request handling.
type CoalesceConfig struct {
	Enabled     bool   `yaml:"enabled"`
	NegativeTTL string `yaml:"negative_ttl"`
	WaitTimeout string `yaml:"wait_timeout"`
}

// StreamConfig configures per-run event topics.
type StreamConfig struct {
	QueueSize           int    `yaml:"queue_size"`
	BackpressureTimeout string `yaml:"backpressure_timeout"`
	ReplayLimit         int    `yaml:"replay_limit"` // 0 = whole run
	Retention           string `yaml:"retention"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Driver    string `yaml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
}

// UsageConfig configures token accounting.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig configures the HTTP/WebSocket transport.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	MaxConns        int    `yaml:"max_conns"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// Stage ids as they appear under pipeline.stages.
const (
	StageUnderstand        = "understand"
	StageResearch          = "research"
	StageDraft             = "draft"
	StageCritique          = "critique"
	StageInternalSynthesis = "internal-synthesis"
	StageFinalSynthesis    = "final-synthesis"
)

// SequentialStages lists the configurable non-review stages in run order.
var SequentialStages = []string{
	StageUnderstand, StageResearch, StageDraft, StageCritique, StageInternalSynthesis, StageFinalSynthesis,
}

// ValidProviders lists all supported provider ids.
var ValidProviders = []string{"openai", "anthropic", "gemini", "xai", "openrouter", "zai", "scripted"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "conclave",

		Providers: map[string]ProviderConfig{
			"openai":     {Timeout: "120s", MaxConcurrent: 8},
			"anthropic":  {Timeout: "120s", MaxConcurrent: 4},
			"gemini":     {Timeout: "120s", MaxConcurrent: 4},
			"xai":        {Timeout: "120s", MaxConcurrent: 4},
			"openrouter": {Timeout: "120s", MaxConcurrent: 4},
			"zai":        {Timeout: "300s", MaxConcurrent: 2},
			"scripted":   {MaxConcurrent: 64},
		},

		Pipeline: PipelineConfig{
			Mode:                "automatic",
			MaxAttempts:         2,
			StageTimeout:        "120s",
			JoinTimeout:         "45s",
			MinReviewerFraction: 0.6,
			CancelGrace:         "100ms",
			Stages: map[string]StageConfig{
				StageUnderstand:        {Targets: []string{"openai/gpt-4o-mini", "anthropic/claude-3-5-haiku-latest"}},
				StageResearch:          {Targets: []string{"gemini/gemini-2.5-flash", "openai/gpt-4o"}},
				StageDraft:             {Targets: []string{"anthropic/claude-sonnet-4-20250514", "openai/gpt-4o"}},
				StageCritique:          {Targets: []string{"openai/gpt-4o", "xai/grok-2-latest"}},
				StageInternalSynthesis: {Targets: []string{"anthropic/claude-sonnet-4-20250514", "gemini/gemini-2.5-pro"}},
				StageFinalSynthesis:    {Targets: []string{"anthropic/claude-opus-4-20250514", "openai/gpt-4o"}, Timeout: "300s"},
			},
			Reviewers: []StageConfig{
				{Targets: []string{"openai/gpt-4o"}},
				{Targets: []string{"gemini/gemini-2.5-pro"}},
				{Targets: []string{"xai/grok-2-latest"}},
				{Targets: []string{"openrouter/meta-llama/llama-3.1-70b-instruct"}},
				{Targets: []string{"zai/glm-4.7"}},
			},
		},

		Coalesce: CoalesceConfig{
			Enabled:     true,
			NegativeTTL: "5s",
			WaitTimeout: "10m",
		},

		Stream: StreamConfig{
			QueueSize:           256,
			BackpressureTimeout: "50ms",
			Retention:           "10m",
		},

		Store: StoreConfig{
			Enabled:   true,
			Driver:    "sqlite",
			Path:      "conclave.db",
			QueueSize: 128,
		},

		Usage: UsageConfig{
			Enabled: true,
			Path:    "usage.json",
		},

		Server: ServerConfig{
			Addr:            "127.0.0.1:8088",
			MaxConns:        256,
			ShutdownTimeout: "10s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// envKeys maps provider ids to the environment variable holding their key.
var envKeys = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"xai":        "XAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"zai":        "ZAI_API_KEY",
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for id, env := range envKeys {
		if key := os.Getenv(env); key != "" {
			p := c.Providers[id]
			p.APIKey = key
			c.Providers[id] = p
		}
	}

	if path := os.Getenv("CONCLAVE_DB"); path != "" {
		c.Store.Path = path
	}
	if level := os.Getenv("CONCLAVE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Offline rewrites every stage and reviewer target to the scripted backend,
// keeping the model name so scripts can be keyed by role.
func (c *Config) Offline() {
	for id, st := range c.Pipeline.Stages {
		st.Targets = []string{"scripted/" + id}
		c.Pipeline.Stages[id] = st
	}
	for i := range c.Pipeline.Reviewers {
		c.Pipeline.Reviewers[i].Targets = []string{fmt.Sprintf("scripted/reviewer-%d", i)}
	}
}

// ParseTarget splits "provider/model". The model may itself contain slashes.
func ParseTarget(s string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("invalid target %q (want provider/model)", s)
	}
	return provider, model, nil
}

// UsedProviders returns the sorted set of provider ids referenced by any target.
func (c *Config) UsedProviders() []string {
	seen := make(map[string]bool)
	visit := func(st StageConfig) {
		for _, t := range st.Targets {
			if p, _, err := ParseTarget(t); err == nil {
				seen[p] = true
			}
		}
	}
	for _, st := range c.Pipeline.Stages {
		visit(st)
	}
	for _, st := range c.Pipeline.Reviewers {
		visit(st)
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Pipeline.Mode {
	case "automatic", "staged":
	default:
		return fmt.Errorf("invalid pipeline mode: %s (valid: automatic, staged)", c.Pipeline.Mode)
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be >= 1, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Pipeline.MinReviewerFraction < 0 || c.Pipeline.MinReviewerFraction > 1 {
		return fmt.Errorf("pipeline.min_reviewer_fraction must be within [0,1], got %v", c.Pipeline.MinReviewerFraction)
	}

	for _, id := range SequentialStages {
		st, ok := c.Pipeline.Stages[id]
		if !ok || len(st.Targets) == 0 {
			return fmt.Errorf("pipeline.stages.%s has no targets", id)
		}
		if err := validateTargets(id, st); err != nil {
			return err
		}
	}
	for i, st := range c.Pipeline.Reviewers {
		if len(st.Targets) == 0 {
			return fmt.Errorf("pipeline.reviewers[%d] has no targets", i)
		}
		if err := validateTargets(fmt.Sprintf("reviewers[%d]", i), st); err != nil {
			return err
		}
	}

	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("invalid store driver: %s (valid: sqlite, sqlite3)", c.Store.Driver)
	}
	if c.Stream.QueueSize < 1 {
		return fmt.Errorf("stream.queue_size must be >= 1, got %d", c.Stream.QueueSize)
	}
	return nil
}

func validateTargets(name string, st StageConfig) error {
	for _, t := range st.Targets {
		p, _, err := ParseTarget(t)
		if err != nil {
			return fmt.Errorf("pipeline %s: %w", name, err)
		}
		if !isValidProvider(p) {
			return fmt.Errorf("pipeline %s: invalid provider: %s (valid: %v)", name, p, ValidProviders)
		}
	}
	return nil
}

func isValidProvider(p string) bool {
	for _, v := range ValidProviders {
		if v == p {
			return true
		}
	}
	return false
}
