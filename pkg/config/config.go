// Package config defines the configuration surface of the orchestration
// substrate and loads it through koanf with the precedence explicit call
// args > environment > config file > defaults. Config types are plain data;
// pkg/runtime maps them onto component constructors.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/substratelabs/maestro/pkg/observability"
)

const (
	DefaultProfile          = "default"
	DefaultMaxSteps         = 10
	DefaultWorkers          = 2
	DefaultWarningThreshold = 0.8
	DefaultMemoryBackend    = "local"
	DefaultMemoryTopK       = 5
	DefaultBufferSize       = 1000
	DefaultServerHost       = "0.0.0.0"
	DefaultServerPort       = 8080
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

// Config is the root configuration document.
type Config struct {
	// Profile is the default execution profile for requests that do not
	// name one.
	Profile string `yaml:"profile"`

	// MaxSteps is the upper bound on plan length.
	MaxSteps int `yaml:"max_steps"`

	// Workers is the pool size for the default profile. Profiles beyond
	// the default each get one dedicated worker.
	Workers int `yaml:"workers"`

	Budget BudgetConfig `yaml:"budget"`

	// ToolAllowlist holds tool names or glob patterns admitted for the
	// default profile. Empty admits all registered tools.
	ToolAllowlist []string `yaml:"tool_allowlist"`

	// Approvals holds per-tool approval overrides for the default profile.
	Approvals map[string]ApprovalRule `yaml:"approvals"`

	// Profiles carries guardrail overrides for named profiles beyond the
	// default. Unset fields inherit the top-level values.
	Profiles map[string]*ProfileConfig `yaml:"profiles"`

	Retry         RetryConfig         `yaml:"retry"`
	Memory        MemoryConfig        `yaml:"memory"`
	Observability ObservabilityConfig `yaml:"observability"`
	Tools         ToolsConfig         `yaml:"tools"`
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// BudgetConfig mirrors the guardrail budget surface.
type BudgetConfig struct {
	MaxCost   float64 `yaml:"max_cost"`
	MaxCalls  int     `yaml:"max_calls"`
	MaxTokens int     `yaml:"max_tokens"`

	// Policy is "warn" or "block".
	Policy           string  `yaml:"policy"`
	WarningThreshold float64 `yaml:"warning_threshold"`

	// Estimator prices tool inputs in tokens: "heuristic" (default,
	// deterministic, offline) or "tiktoken" (BPE vocabulary).
	Estimator string `yaml:"estimator"`
}

// ApprovalRule is a per-tool approval override.
type ApprovalRule struct {
	Required       bool    `yaml:"required"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
}

// ProfileConfig overrides guardrail settings for one named profile.
type ProfileConfig struct {
	Budget        *BudgetConfig           `yaml:"budget"`
	ToolAllowlist []string                `yaml:"tool_allowlist"`
	Approvals     map[string]ApprovalRule `yaml:"approvals"`
}

// RetryConfig mirrors the retry policy surface. Durations parse from
// strings like "2s" or "500ms".
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// MemoryConfig selects and parameterizes the memory backend.
type MemoryConfig struct {
	// Backend is "local" (token overlap, JSON state file) or "chromem"
	// (embedded vector store, cosine similarity).
	Backend string `yaml:"backend"`

	// StatePath persists the local backend across runs. Empty disables
	// persistence.
	StatePath string `yaml:"state_path"`

	// Path enables on-disk persistence for the chromem backend.
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`

	// TopK is the default memory consultation depth during planning.
	TopK int `yaml:"top_k"`
}

// ObservabilityConfig parameterizes the collector and its exporters.
type ObservabilityConfig struct {
	BufferSize int `yaml:"buffer_size"`

	// AutoExport streams events to exporters on emit. Defaults to true.
	AutoExport *bool `yaml:"auto_export"`

	Exporters ExporterConfig `yaml:"exporters"`
}

// ExporterConfig enables event sinks. Console is the offline-first default
// when nothing else is configured.
type ExporterConfig struct {
	Console    *bool  `yaml:"console"`
	WebhookURL string `yaml:"webhook_url"`
	SQLitePath string `yaml:"sqlite_path"`

	// OTLPEndpoint enables span export over OTLP gRPC.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// ToolsConfig parameterizes the tool registry.
type ToolsConfig struct {
	// Builtins toggles registration of the builtin tool specs. Defaults
	// to true.
	Builtins *bool `yaml:"builtins"`

	// MCP lists external MCP toolsets to mount at startup.
	MCP []MCPServerConfig `yaml:"mcp"`
}

// MCPServerConfig describes one MCP server to mount. The name becomes the
// registry namespace of every tool the server exposes.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Filter  []string          `yaml:"filter"`
	Cost    float64           `yaml:"cost"`

	ApprovalRequired bool `yaml:"approval_required"`
}

// ServerConfig parameterizes the transport adapter.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns the listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig parameterizes slog initialization.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// SetDefaults fills unset fields in place.
func (c *Config) SetDefaults() {
	if c.Profile == "" {
		c.Profile = DefaultProfile
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Budget.Policy == "" {
		c.Budget.Policy = "block"
	}
	if c.Budget.WarningThreshold <= 0 {
		c.Budget.WarningThreshold = DefaultWarningThreshold
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 2 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 60 * time.Second
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = 2.0
	}
	if c.Retry.Jitter <= 0 {
		c.Retry.Jitter = 0.2
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = DefaultMemoryBackend
	}
	if c.Memory.TopK <= 0 {
		c.Memory.TopK = DefaultMemoryTopK
	}
	if c.Observability.BufferSize <= 0 {
		c.Observability.BufferSize = DefaultBufferSize
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultServerHost
	}
	if c.Server.Port <= 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

// Validate reports the first construction error.
func (c *Config) Validate() error {
	if c.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be at least 1, got %d", c.MaxSteps)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if err := validateBudget("budget", c.Budget); err != nil {
		return err
	}
	for name, profile := range c.Profiles {
		if name == "" {
			return fmt.Errorf("profiles: profile name must not be empty")
		}
		if profile != nil && profile.Budget != nil {
			if err := validateBudget(fmt.Sprintf("profiles.%s.budget", name), *profile.Budget); err != nil {
				return err
			}
		}
	}
	switch c.Memory.Backend {
	case "local", "chromem":
	default:
		return fmt.Errorf("memory.backend must be local or chromem, got %q", c.Memory.Backend)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1), got %g", c.Retry.Jitter)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %g", c.Retry.Multiplier)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	for i, srv := range c.Tools.MCP {
		if srv.Name == "" {
			return fmt.Errorf("tools.mcp[%d]: name is required", i)
		}
		if srv.Command == "" {
			return fmt.Errorf("tools.mcp[%d] (%s): command is required", i, srv.Name)
		}
	}
	return nil
}

func validateBudget(path string, b BudgetConfig) error {
	if b.MaxCost < 0 || b.MaxCalls < 0 || b.MaxTokens < 0 {
		return fmt.Errorf("%s: ceilings must not be negative", path)
	}
	switch b.Policy {
	case "", "warn", "block":
	default:
		return fmt.Errorf("%s.policy must be warn or block, got %q", path, b.Policy)
	}
	if b.WarningThreshold < 0 || b.WarningThreshold > 1 {
		return fmt.Errorf("%s.warning_threshold must be in [0, 1], got %g", path, b.WarningThreshold)
	}
	switch b.Estimator {
	case "", "heuristic", "tiktoken":
	default:
		return fmt.Errorf("%s.estimator must be heuristic or tiktoken, got %q", path, b.Estimator)
	}
	return nil
}

// ProfileNames returns the default profile plus every configured override.
func (c *Config) ProfileNames() []string {
	names := []string{c.Profile}
	for name := range c.Profiles {
		if name != c.Profile {
			names = append(names, name)
		}
	}
	return names
}

// BudgetFor resolves the effective budget for a profile: the profile's own
// override when present, the top-level budget otherwise.
func (c *Config) BudgetFor(profile string) BudgetConfig {
	if p, ok := c.Profiles[profile]; ok && p != nil && p.Budget != nil {
		b := *p.Budget
		if b.Policy == "" {
			b.Policy = c.Budget.Policy
		}
		if b.WarningThreshold <= 0 {
			b.WarningThreshold = c.Budget.WarningThreshold
		}
		return b
	}
	return c.Budget
}

// AllowlistFor resolves the effective tool allowlist for a profile.
func (c *Config) AllowlistFor(profile string) []string {
	if p, ok := c.Profiles[profile]; ok && p != nil && len(p.ToolAllowlist) > 0 {
		return p.ToolAllowlist
	}
	return c.ToolAllowlist
}

// ApprovalsFor resolves the effective approval rules for a profile.
func (c *Config) ApprovalsFor(profile string) map[string]ApprovalRule {
	if p, ok := c.Profiles[profile]; ok && p != nil && len(p.Approvals) > 0 {
		return p.Approvals
	}
	return c.Approvals
}

// Redacted renders the effective configuration as a map with sensitive
// values masked. This is the only form in which config may be echoed back
// through responses, events, or logs.
func (c *Config) Redacted() (map[string]any, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}
	return observability.Redact(doc), nil
}

// BoolPtr returns a pointer to the given bool value.
func BoolPtr(b bool) *bool {
	return &b
}

// BoolValue returns the value of the bool pointer, or the default if nil.
func BoolValue(b *bool, defaultValue bool) bool {
	if b == nil {
		return defaultValue
	}
	return *b
}
