// Package runtime is the composition root: it turns a loaded configuration
// into a wired orchestrator with its collector, memory, tool registry,
// guardrail policies, approval broker, and worker pool, and unwinds them in
// reverse on Close.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/substratelabs/maestro/pkg/agent"
	"github.com/substratelabs/maestro/pkg/config"
	"github.com/substratelabs/maestro/pkg/guardrail"
	"github.com/substratelabs/maestro/pkg/guardrail/approval"
	"github.com/substratelabs/maestro/pkg/memory"
	"github.com/substratelabs/maestro/pkg/observability"
	"github.com/substratelabs/maestro/pkg/orchestrator"
	"github.com/substratelabs/maestro/pkg/retry"
	"github.com/substratelabs/maestro/pkg/tool"
	"github.com/substratelabs/maestro/pkg/tool/mcp"
)

// Runtime holds the wired components of one running substrate instance.
type Runtime struct {
	config    *config.Config
	collector *observability.Collector
	memory    *memory.Memory
	registry  *tool.Registry
	policies  map[string]*guardrail.Policy
	approvals *approval.Broker
	orch      *orchestrator.Orchestrator
	toolsets  []*mcp.Toolset
}

// NewWithConfig wires a runtime from config. The orchestrator and its
// worker pool are started; the caller owns Close.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	exporters, err := buildExporters(ctx, cfg.Observability)
	if err != nil {
		return nil, err
	}
	collector := observability.Init(observability.Config{
		BufferSize: cfg.Observability.BufferSize,
		AutoExport: config.BoolValue(cfg.Observability.AutoExport, true),
	}, exporters...)

	store, err := buildStore(cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("building memory store: %w", err)
	}
	mem := memory.New(store)

	r := &Runtime{
		config:    cfg,
		collector: collector,
		memory:    mem,
		registry:  tool.NewRegistry(),
		approvals: approval.NewBroker(),
	}

	if config.BoolValue(cfg.Tools.Builtins, true) {
		if err := tool.RegisterBuiltins(r.registry); err != nil {
			r.Close()
			return nil, fmt.Errorf("registering builtin tools: %w", err)
		}
	}
	r.mountMCP(ctx)

	r.policies = make(map[string]*guardrail.Policy, len(cfg.Profiles)+1)
	for _, profile := range cfg.ProfileNames() {
		r.policies[profile] = guardrail.New(policyConfig(cfg, profile))
	}

	planner := agent.NewPlanner(r.registry, mem,
		agent.WithPlannerConfig(agent.PlannerConfig{
			MaxSteps: cfg.MaxSteps,
			TopK:     cfg.Memory.TopK,
		}),
		agent.WithToolChecker(r.policies[cfg.Profile]),
		agent.WithPlannerCollector(collector),
	)

	r.orch = orchestrator.New(planner, orchestrator.WithCollector(collector))
	if err := r.orch.Startup(ctx, agent.StartupConfig{CleanupOnError: true}); err != nil {
		r.Close()
		return nil, fmt.Errorf("starting orchestrator: %w", err)
	}

	if err := r.registerWorkers(ctx); err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

// Orchestrator returns the wired orchestrator.
func (r *Runtime) Orchestrator() *orchestrator.Orchestrator { return r.orch }

// Collector returns the wired observability collector.
func (r *Runtime) Collector() *observability.Collector { return r.collector }

// Approvals returns the in-process approval broker.
func (r *Runtime) Approvals() *approval.Broker { return r.approvals }

// Registry returns the tool registry.
func (r *Runtime) Registry() *tool.Registry { return r.registry }

// Memory returns the shared memory layer.
func (r *Runtime) Memory() *memory.Memory { return r.memory }

// Config returns the loaded configuration.
func (r *Runtime) Config() *config.Config { return r.config }

// PolicyFor returns the guardrail policy for a profile, falling back to
// the default profile's policy for unknown names.
func (r *Runtime) PolicyFor(profile string) *guardrail.Policy {
	if p, ok := r.policies[profile]; ok {
		return p
	}
	return r.policies[r.config.Profile]
}

// Close unwinds the runtime: orchestrator (which drains the pool), memory
// flush, MCP subprocesses, collector. The first error wins; the rest are
// logged.
func (r *Runtime) Close() error {
	ctx := context.Background()
	var firstErr error

	if r.orch != nil {
		r.orch.Shutdown(ctx)
	}
	if r.memory != nil {
		if err := r.memory.Flush(ctx); err != nil {
			firstErr = fmt.Errorf("flushing memory: %w", err)
			slog.Warn("Memory flush failed on close", "error", err)
		}
		if err := r.memory.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing memory: %w", err)
		}
	}
	for _, ts := range r.toolsets {
		if err := ts.Close(); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("closing mcp toolset %s: %w", ts.Name(), err)
			}
			slog.Warn("MCP toolset close failed", "toolset", ts.Name(), "error", err)
		}
	}
	if r.collector != nil {
		if err := r.collector.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutting down collector: %w", err)
		}
	}
	return firstErr
}

// mountMCP mounts each configured MCP server. A server that fails to
// mount is logged and skipped so one dead subprocess does not take the
// whole runtime down.
func (r *Runtime) mountMCP(ctx context.Context) {
	for _, srv := range r.config.Tools.MCP {
		ts, err := mcp.New(mcp.Config{
			Name:             srv.Name,
			Command:          srv.Command,
			Args:             srv.Args,
			Env:              srv.Env,
			Filter:           srv.Filter,
			Cost:             srv.Cost,
			ApprovalRequired: srv.ApprovalRequired,
		})
		if err != nil {
			slog.Warn("Skipping MCP toolset", "toolset", srv.Name, "error", err)
			continue
		}
		mounted, err := ts.Mount(ctx, r.registry)
		if err != nil {
			slog.Warn("Failed to mount MCP toolset", "toolset", srv.Name, "error", err)
			ts.Close()
			continue
		}
		slog.Info("Mounted MCP toolset", "toolset", srv.Name, "tools", mounted)
		r.toolsets = append(r.toolsets, ts)
	}
}

// registerWorkers builds the pool: cfg.Workers workers on the default
// profile, plus one dedicated worker per additional profile.
func (r *Runtime) registerWorkers(ctx context.Context) error {
	workerCfg := agent.WorkerConfig{
		RetryPolicy: retry.Policy(r.config.Retry),
		Estimator:   buildEstimator(r.config.Budget),
	}

	for i := 1; i <= r.config.Workers; i++ {
		id := fmt.Sprintf("worker-%d", i)
		w := r.newWorker(r.config.Profile, workerCfg)
		caps := r.capabilitiesFor(r.config.Profile)
		if err := r.orch.Register(ctx, id, w, caps...); err != nil {
			return fmt.Errorf("registering %s: %w", id, err)
		}
	}

	for _, profile := range r.config.ProfileNames() {
		if profile == r.config.Profile {
			continue
		}
		id := "worker-" + profile
		w := r.newWorker(profile, workerCfg)
		caps := append(r.capabilitiesFor(profile), profile)
		if err := r.orch.Register(ctx, id, w, caps...); err != nil {
			return fmt.Errorf("registering %s: %w", id, err)
		}
	}
	return nil
}

func (r *Runtime) newWorker(profile string, cfg agent.WorkerConfig) *agent.Worker {
	return agent.NewWorker(r.registry, r.memory,
		agent.WithPolicy(r.policies[profile]),
		agent.WithApprovals(r.approvals),
		agent.WithWorkerConfig(cfg),
		agent.WithWorkerCollector(r.collector),
	)
}

// capabilitiesFor expands a profile's allowlist against the registered
// tool names. An empty allowlist advertises every tool.
func (r *Runtime) capabilitiesFor(profile string) []string {
	names := r.registry.Names()
	allowlist := r.config.AllowlistFor(profile)
	if len(allowlist) == 0 {
		return names
	}
	var caps []string
	for _, name := range names {
		for _, pattern := range allowlist {
			if pattern == name {
				caps = append(caps, name)
				break
			}
			if ok, err := path.Match(pattern, name); err == nil && ok {
				caps = append(caps, name)
				break
			}
		}
	}
	return caps
}

// policyConfig maps a profile's config onto a guardrail policy config.
func policyConfig(cfg *config.Config, profile string) guardrail.Config {
	budget := cfg.BudgetFor(profile)
	rules := make(map[string]guardrail.ApprovalRule)
	for name, rule := range cfg.ApprovalsFor(profile) {
		rules[name] = guardrail.ApprovalRule{
			Required:       rule.Required,
			TimeoutSeconds: rule.TimeoutSeconds,
		}
	}
	return guardrail.Config{
		Profile:          profile,
		ToolAllowlist:    cfg.AllowlistFor(profile),
		Budget:           guardrail.Budget{MaxCost: budget.MaxCost, MaxCalls: budget.MaxCalls, MaxTokens: budget.MaxTokens},
		BudgetPolicy:     guardrail.BudgetPolicy(budget.Policy),
		WarningThreshold: budget.WarningThreshold,
		ApprovalRules:    rules,
	}
}

// buildStore selects the memory backend.
func buildStore(cfg config.MemoryConfig) (memory.Store, error) {
	switch cfg.Backend {
	case "chromem":
		return memory.NewChromemStore(memory.ChromemConfig{
			Path:       cfg.Path,
			Collection: cfg.Collection,
		})
	default:
		var opts []memory.LocalOption
		if cfg.StatePath != "" {
			opts = append(opts, memory.WithStatePath(cfg.StatePath))
		}
		return memory.NewLocalStore(opts...)
	}
}

// buildEstimator picks the token estimator for budget pricing.
func buildEstimator(cfg config.BudgetConfig) guardrail.TokenEstimator {
	if cfg.Estimator == "tiktoken" {
		return guardrail.NewTiktokenEstimator("")
	}
	return guardrail.HeuristicEstimator{}
}

// buildExporters assembles the event sinks. Console stays on unless
// disabled so a bare config still shows its event stream; everything else
// is opt-in.
func buildExporters(ctx context.Context, cfg config.ObservabilityConfig) ([]observability.Exporter, error) {
	var exporters []observability.Exporter

	if config.BoolValue(cfg.Exporters.Console, true) {
		exporters = append(exporters, observability.NewConsoleExporter(os.Stdout))
	}
	if url := cfg.Exporters.WebhookURL; url != "" {
		exporters = append(exporters, observability.NewWebhookExporter(url))
	}
	if p := cfg.Exporters.SQLitePath; p != "" {
		exp, err := observability.NewSQLiteExporter(p)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite event sink %s: %w", p, err)
		}
		exporters = append(exporters, exp)
	}
	if endpoint := cfg.Exporters.OTLPEndpoint; endpoint != "" {
		exp, err := observability.NewOTLPExporter(ctx, observability.TracerConfig{
			Enabled:     true,
			Endpoint:    endpoint,
			ServiceName: "maestro",
		})
		if err != nil {
			return nil, fmt.Errorf("initializing otlp exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}
	return exporters, nil
}
