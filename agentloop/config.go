package agentloop

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/martinemde/turnloop/unifiedllm"
)

// Config is the controller configuration. API keys are read from the
// environment, never from this file.
type Config struct {
	Model    string `yaml:"model" json:"model"`
	Provider string `yaml:"provider" json:"provider"`

	// Instructions are the user instructions appended after the base
	// instructions, environment context and project docs.
	Instructions     string `yaml:"instructions" json:"instructions"`
	BaseInstructions string `yaml:"base_instructions" json:"base_instructions"`
	SkipProjectDocs  bool   `yaml:"skip_project_docs" json:"skip_project_docs"`
	WorkingDir       string `yaml:"working_dir" json:"working_dir"`

	// ReasoningEffort overrides the default effort for reasoning models.
	ReasoningEffort string `yaml:"reasoning_effort" json:"reasoning_effort"`

	MaxAutoTurns      int  `yaml:"max_auto_turns" json:"max_auto_turns"`
	ParallelToolCalls bool `yaml:"parallel_tool_calls" json:"parallel_tool_calls"`
	MaxParallelCalls  int  `yaml:"max_parallel_calls" json:"max_parallel_calls"`
	EventBuffer       int  `yaml:"event_buffer" json:"event_buffer"`

	Retry         RetryConfig         `yaml:"retry" json:"retry"`
	Exec          ExecConfig          `yaml:"exec" json:"exec"`
	LoopDetection LoopDetectionConfig `yaml:"loop_detection" json:"loop_detection"`
	Responses     ResponsesConfig     `yaml:"responses" json:"responses"`
}

// RetryConfig controls stream establishment retries.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`
	NoJitter   bool          `yaml:"no_jitter" json:"no_jitter"`
}

// ExecConfig configures the local execution gateway.
type ExecConfig struct {
	ApprovalPolicy ApprovalPolicy    `yaml:"approval_policy" json:"approval_policy"`
	WritableRoots  []string          `yaml:"writable_roots" json:"writable_roots"`
	DefaultTimeout time.Duration     `yaml:"default_timeout" json:"default_timeout"`
	MaxTimeout     time.Duration     `yaml:"max_timeout" json:"max_timeout"`
	Output         OutputLimits      `yaml:"output" json:"output"`
	DenyPatterns   []string          `yaml:"deny_patterns" json:"deny_patterns"`
	Env            map[string]string `yaml:"env" json:"env"`
}

// LoopDetectionConfig configures repeated-call detection.
type LoopDetectionConfig struct {
	Disabled bool `yaml:"disabled" json:"disabled"`
	Window   int  `yaml:"window" json:"window"`
}

// ResponsesConfig configures the HTTP responses endpoint.
type ResponsesConfig struct {
	BaseURL           string  `yaml:"base_url" json:"base_url"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Model:            "o4-mini",
		MaxAutoTurns:     50,
		MaxParallelCalls: 4,
		EventBuffer:      256,
		Retry: RetryConfig{
			MaxRetries: 2,
			BaseDelay:  time.Second,
			MaxDelay:   60 * time.Second,
			Multiplier: 2.0,
		},
		Exec: ExecConfig{
			ApprovalPolicy: ApprovalUnlessSafe,
			DefaultTimeout: 10 * time.Second,
			MaxTimeout:     10 * time.Minute,
			Output:         DefaultOutputLimits(),
		},
		LoopDetection: LoopDetectionConfig{Window: 10},
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file
// yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// sanitizeConfig fills zero or negative fields from the defaults.
func sanitizeConfig(cfg Config) Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaults.Model
	}
	if cfg.MaxAutoTurns <= 0 {
		cfg.MaxAutoTurns = defaults.MaxAutoTurns
	}
	if cfg.MaxParallelCalls <= 0 {
		cfg.MaxParallelCalls = defaults.MaxParallelCalls
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = defaults.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = defaults.Retry.MaxDelay
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = defaults.Retry.Multiplier
	}
	if cfg.Exec.ApprovalPolicy == "" {
		cfg.Exec.ApprovalPolicy = defaults.Exec.ApprovalPolicy
	}
	if cfg.Exec.DefaultTimeout <= 0 {
		cfg.Exec.DefaultTimeout = defaults.Exec.DefaultTimeout
	}
	if cfg.Exec.MaxTimeout <= 0 {
		cfg.Exec.MaxTimeout = defaults.Exec.MaxTimeout
	}
	if cfg.Exec.Output.MaxChars <= 0 {
		cfg.Exec.Output.MaxChars = defaults.Exec.Output.MaxChars
	}
	if cfg.Exec.Output.MaxLines <= 0 {
		cfg.Exec.Output.MaxLines = defaults.Exec.Output.MaxLines
	}
	if cfg.Exec.Output.Mode == "" {
		cfg.Exec.Output.Mode = defaults.Exec.Output.Mode
	}
	if cfg.LoopDetection.Window <= 0 {
		cfg.LoopDetection.Window = defaults.LoopDetection.Window
	}
	return cfg
}

// Validate rejects values that cannot be repaired by defaulting.
func (c Config) Validate() error {
	switch c.Exec.ApprovalPolicy {
	case ApprovalNever, ApprovalUnlessSafe, ApprovalAlways:
	default:
		return fmt.Errorf("invalid exec.approval_policy %q", c.Exec.ApprovalPolicy)
	}
	switch c.ReasoningEffort {
	case "", "minimal", "low", "medium", "high":
	default:
		return fmt.Errorf("invalid reasoning_effort %q", c.ReasoningEffort)
	}
	for _, p := range c.Exec.DenyPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid exec.deny_patterns entry %q: %w", p, err)
		}
	}
	return nil
}

// RetryPolicy converts the retry section to a unifiedllm policy.
func (c Config) RetryPolicy() unifiedllm.RetryPolicy {
	return unifiedllm.RetryPolicy{
		MaxRetries:        c.Retry.MaxRetries,
		BaseDelay:         c.Retry.BaseDelay.Seconds(),
		MaxDelay:          c.Retry.MaxDelay.Seconds(),
		BackoffMultiplier: c.Retry.Multiplier,
		Jitter:            !c.Retry.NoJitter,
	}
}

// GatewayOptions converts the exec section to LocalGateway options.
func (c Config) GatewayOptions() ([]LocalGatewayOption, error) {
	opts := []LocalGatewayOption{
		WithTimeouts(c.Exec.DefaultTimeout, c.Exec.MaxTimeout),
		WithOutputLimits(c.Exec.Output),
	}
	if len(c.Exec.Env) > 0 {
		opts = append(opts, WithEnv(c.Exec.Env))
	}
	if len(c.Exec.DenyPatterns) > 0 {
		patterns := make([]*regexp.Regexp, 0, len(c.Exec.DenyPatterns))
		for _, p := range c.Exec.DenyPatterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("compile deny pattern %q: %w", p, err)
			}
			patterns = append(patterns, re)
		}
		opts = append(opts, WithDenyPatterns(patterns...))
	}
	return opts, nil
}
