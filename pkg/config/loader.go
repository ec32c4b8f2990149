package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces environment overrides. A double underscore descends
// one level: MAESTRO_BUDGET__MAX_COST sets budget.max_cost.
const EnvPrefix = "MAESTRO_"

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// Path names the YAML config file. Empty loads defaults plus
	// environment only.
	Path string

	// Watch reloads the file on change and invokes OnChange.
	Watch bool

	// OnChange receives each successfully reloaded config.
	OnChange func(*Config) error

	// Overrides are explicit call args, applied above every other layer.
	// Keys use dotted paths ("budget.max_cost").
	Overrides map[string]any
}

// Loader layers koanf providers in precedence order: defaults, file,
// environment, explicit overrides.
type Loader struct {
	options  LoaderOptions
	parser   *yaml.YAML
	stopChan chan struct{}
}

// NewLoader builds a loader. The file at opts.Path is not touched until
// Load.
func NewLoader(opts LoaderOptions) *Loader {
	return &Loader{
		options:  opts,
		parser:   yaml.Parser(),
		stopChan: make(chan struct{}),
	}
}

// Load assembles the layered configuration, applies defaults, validates,
// and, when watching is requested, starts the reload goroutine.
func (l *Loader) Load() (*Config, error) {
	var fileProvider *file.File
	if l.options.Path != "" {
		fileProvider = file.Provider(l.options.Path)
	}

	cfg, err := l.assemble(fileProvider)
	if err != nil {
		return nil, err
	}

	if l.options.Watch && fileProvider != nil {
		go l.watch(fileProvider)
	}

	return cfg, nil
}

// assemble runs one full load pass over all provider layers.
func (l *Loader) assemble(fileProvider *file.File) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultsMap(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if fileProvider != nil {
		if err := k.Load(fileProvider, l.parser); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", l.options.Path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	if len(l.options.Overrides) > 0 {
		if err := k.Load(confmap.Provider(l.options.Overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("applying overrides: %w", err)
		}
	}

	expanded, ok := expandValues(k.Raw()).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected shape after env expansion")
	}
	ke := koanf.New(".")
	if err := ke.Load(confmap.Provider(expanded, "."), nil); err != nil {
		return nil, fmt.Errorf("loading expanded config: %w", err)
	}

	return unmarshalAndProcess(ke)
}

func (l *Loader) watch(provider *file.File) {
	slog.Info("Config watcher started", "path", l.options.Path)

	err := provider.Watch(func(event interface{}, err error) {
		select {
		case <-l.stopChan:
			return
		default:
		}

		if err != nil {
			slog.Warn("Config watch error", "path", l.options.Path, "error", err)
			return
		}

		cfg, err := l.assemble(file.Provider(l.options.Path))
		if err != nil {
			slog.Warn("Config reload failed", "path", l.options.Path, "error", err)
			return
		}

		if l.options.OnChange == nil {
			slog.Warn("Config changed but no reload callback is registered", "path", l.options.Path)
			return
		}
		if err := l.options.OnChange(cfg); err != nil {
			slog.Warn("Config change callback failed", "path", l.options.Path, "error", err)
			return
		}
		slog.Info("Configuration reloaded", "path", l.options.Path)
	})
	if err != nil {
		slog.Warn("Config watcher stopped", "path", l.options.Path, "error", err)
	}
}

// Stop ends change delivery. Safe to call once.
func (l *Loader) Stop() {
	close(l.stopChan)
}

// SetOnChange installs the reload callback.
func (l *Loader) SetOnChange(cb func(*Config) error) {
	l.options.OnChange = cb
}

// Load is the convenience entry point for a single load without watching.
func Load(path string) (*Config, error) {
	return NewLoader(LoaderOptions{Path: path}).Load()
}

// Default returns the all-defaults configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

func unmarshalAndProcess(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKey maps MAESTRO_BUDGET__MAX_COST onto budget.max_cost: strip the
// prefix, lowercase, descend on double underscores.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// defaultsMap is the bottom provider layer. Keys absent here are defaulted
// by SetDefaults after unmarshaling, so zero-versus-unset stays
// distinguishable for the pointer-typed toggles.
func defaultsMap() map[string]any {
	return map[string]any{
		"profile":                   DefaultProfile,
		"max_steps":                 DefaultMaxSteps,
		"workers":                   DefaultWorkers,
		"budget.policy":             "block",
		"budget.warning_threshold":  DefaultWarningThreshold,
		"retry.max_attempts":        3,
		"retry.initial_delay":       "2s",
		"retry.max_delay":           "60s",
		"retry.multiplier":          2.0,
		"retry.jitter":              0.2,
		"memory.backend":            DefaultMemoryBackend,
		"memory.top_k":              DefaultMemoryTopK,
		"observability.buffer_size": DefaultBufferSize,
		"server.host":               DefaultServerHost,
		"server.port":               DefaultServerPort,
		"logging.level":             DefaultLogLevel,
		"logging.format":            DefaultLogFormat,
	}
}

// ExpandEnv substitutes ${VAR} references inside string values, leaving
// unset variables untouched rather than erasing them.
func ExpandEnv(value string) string {
	return os.Expand(value, func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return "${" + name + "}"
	})
}

// expandValues applies ExpandEnv to every string in a raw config tree.
func expandValues(v any) any {
	switch val := v.(type) {
	case string:
		return ExpandEnv(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = expandValues(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValues(item)
		}
		return out
	default:
		return v
	}
}
