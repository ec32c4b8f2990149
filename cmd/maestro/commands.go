package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/substratelabs/maestro/pkg/config"
	"github.com/substratelabs/maestro/pkg/orchestrator"
	"github.com/substratelabs/maestro/pkg/protocol"
	"github.com/substratelabs/maestro/pkg/runtime"
)

// RunCmd executes one goal against the configured runtime and streams
// its lifecycle stages to stdout.
type RunCmd struct {
	Goal []string `arg:"" help:"Goal to execute."`

	Strategy string  `help:"Error strategy (fail_fast, continue, retry, fallback)." default:"fail_fast"`
	Profile  string  `help:"Isolation profile for the run."`
	TraceID  string  `name:"trace-id" help:"Trace id for the run (generated when empty)."`
	Timeout  float64 `help:"End-to-end timeout in seconds (0 = none)." default:"0"`
	JSON     bool    `help:"Emit stage events as JSON lines."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cleanup, err := initLogger(cli, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	strategy, err := parseStrategy(c.Strategy)
	if err != nil {
		return err
	}

	rt, err := runtime.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}
	defer rt.Close()

	req := protocol.AgentRequest{
		Goal: strings.Join(c.Goal, " "),
		Metadata: protocol.RequestMetadata{
			TraceID:        c.TraceID,
			Profile:        firstNonEmpty(c.Profile, cfg.Profile),
			TimeoutSeconds: c.Timeout,
		},
	}
	events, err := rt.Orchestrator().Run(ctx, req, strategy)
	if err != nil {
		return err
	}

	var last orchestrator.StageEvent
	for ev := range events {
		last = ev
		if c.JSON {
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encoding event: %w", err)
			}
			fmt.Println(string(data))
			continue
		}
		fmt.Printf("%-10s %s\n", ev.Stage, summarize(ev.Data))
	}

	switch last.Stage {
	case orchestrator.StageComplete:
		return nil
	case orchestrator.StageCancelled:
		return errors.New("run cancelled")
	default:
		if msg, ok := last.Data["error"]; ok {
			return fmt.Errorf("run failed: %v", msg)
		}
		return errors.New("run failed")
	}
}

// summarize renders an event's data map as stable k=v pairs.
func summarize(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}

func parseStrategy(s string) (orchestrator.Strategy, error) {
	switch strategy := orchestrator.Strategy(strings.ToUpper(s)); strategy {
	case "":
		return orchestrator.FailFast, nil
	case orchestrator.FailFast, orchestrator.Continue, orchestrator.Retry, orchestrator.Fallback:
		return strategy, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// ToolsCmd lists the tools the configured runtime registers, builtins
// and MCP mounts included.
type ToolsCmd struct {
	JSON bool `help:"Emit the tool specs as JSON."`
}

func (c *ToolsCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cleanup, err := initLogger(cli, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	rt, err := runtime.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}
	defer rt.Close()

	specs := rt.Registry().List()
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	if c.JSON {
		data, err := json.MarshalIndent(specs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("%-20s %-12s %8s  %s\n", "NAME", "NAMESPACE", "COST", "DESCRIPTION")
	for _, spec := range specs {
		desc := spec.Description
		if spec.ApprovalRequired {
			desc = "[approval] " + desc
		}
		fmt.Printf("%-20s %-12s %8.2f  %s\n", spec.Name, spec.Namespace, spec.Cost, desc)
	}
	fmt.Printf("\n%d tools registered\n", len(specs))
	return nil
}

// ValidateCmd loads a config file through the full pipeline and prints
// the effective configuration with sensitive values redacted.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return errors.New("--config is required")
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	redacted, err := cfg.Redacted()
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(redacted)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration valid: %s\n\n", cli.Config)
	fmt.Print(string(out))
	return nil
}
