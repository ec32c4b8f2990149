// Package mcp mounts tools exposed by MCP (Model Context Protocol) servers
// into the tool registry. Each toolset owns one stdio subprocess; the
// connection is established lazily on first use and every remote call runs
// behind a circuit breaker so a wedged server degrades to fast
// SYSTEM_UNAVAILABLE failures instead of hanging the worker.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/substratelabs/maestro"
	"github.com/substratelabs/maestro/pkg/circuit"
	"github.com/substratelabs/maestro/pkg/failure"
	"github.com/substratelabs/maestro/pkg/protocol"
	"github.com/substratelabs/maestro/pkg/sandbox"
	"github.com/substratelabs/maestro/pkg/tool"
)

const (
	// protocolVersion is the MCP revision spoken during initialize.
	protocolVersion = "2024-11-05"

	// DefaultConnectTimeout bounds subprocess start plus initialize plus
	// the first tool listing.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultCallTimeout bounds a single remote tool call when the spec
	// declares no timeout of its own.
	DefaultCallTimeout = 60 * time.Second
)

// Config configures an MCP toolset.
type Config struct {
	// Name identifies the toolset and becomes the registry namespace of
	// every mounted tool.
	Name string `json:"name" yaml:"name"`

	// Command launches the MCP server subprocess (stdio transport).
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Filter limits which remote tools are mounted. Empty mounts all.
	Filter []string `json:"filter,omitempty" yaml:"filter,omitempty"`

	// Cost is charged per call against the profile budget. Remote servers
	// declare no cost of their own.
	Cost float64 `json:"cost,omitempty" yaml:"cost,omitempty"`

	// SandboxProfile assigned to mounted specs. Defaults to py-full since
	// remote calls leave the process boundary.
	SandboxProfile string `json:"sandbox_profile,omitempty" yaml:"sandbox_profile,omitempty"`

	// ApprovalRequired gates every mounted tool behind the approval broker.
	ApprovalRequired bool `json:"approval_required,omitempty" yaml:"approval_required,omitempty"`

	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	CallTimeout    time.Duration `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`

	// Breaker overrides the circuit breaker settings for this server.
	Breaker circuit.Config `json:"breaker,omitempty" yaml:"breaker,omitempty"`
}

// Toolset is a lazily connected MCP server whose tools register as specs.
type Toolset struct {
	cfg       Config
	filterSet map[string]bool
	breaker   *circuit.Breaker

	mu        sync.Mutex
	client    *client.Client
	specs     []*tool.Spec
	connected bool
}

// New builds a toolset. The connection is not opened until Specs or Mount.
func New(cfg Config) (*Toolset, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcp toolset needs a name")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp toolset %s: command is required", cfg.Name)
	}
	if cfg.SandboxProfile == "" {
		cfg.SandboxProfile = sandbox.ProfilePyFull
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}

	return &Toolset{
		cfg:       cfg,
		filterSet: filterSet,
		breaker:   circuit.New("mcp:"+cfg.Name, cfg.Breaker),
	}, nil
}

// Name returns the toolset name, which is also its registry namespace.
func (t *Toolset) Name() string { return t.cfg.Name }

// Breaker exposes the toolset's circuit breaker, for status reporting.
func (t *Toolset) Breaker() *circuit.Breaker { return t.breaker }

// Specs returns the mounted tool specs, connecting lazily if needed.
func (t *Toolset) Specs(ctx context.Context) ([]*tool.Spec, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	return t.specs, nil
}

// Mount registers every listed remote tool into the registry under the
// toolset's namespace and returns how many were admitted.
func (t *Toolset) Mount(ctx context.Context, reg *tool.Registry) (int, error) {
	specs, err := t.Specs(ctx)
	if err != nil {
		return 0, err
	}

	reg.AllowNamespace(t.cfg.Name)
	mounted := 0
	for _, spec := range specs {
		if err := reg.Register(spec); err != nil {
			return mounted, fmt.Errorf("mounting mcp tool %s: %w", spec.Name, err)
		}
		mounted++
	}
	return mounted, nil
}

// connectLocked starts the subprocess, runs the MCP handshake, and converts
// the server's tool listing into specs. Callers hold t.mu.
func (t *Toolset) connectLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	mcpClient, err := client.NewStdioMCPClient(t.cfg.Command, envSlice(t.cfg.Env), t.cfg.Args...)
	if err != nil {
		return failure.Wrap(failure.SystemUnavailable,
			fmt.Errorf("creating mcp client for %s: %w", t.cfg.Name, err))
	}

	if err := mcpClient.Start(ctx); err != nil {
		return classifyTransport(ctx, fmt.Errorf("starting mcp server %s: %w", t.cfg.Name, err))
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "maestro",
		Version: maestro.Version,
	}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return classifyTransport(ctx, fmt.Errorf("initializing mcp server %s: %w", t.cfg.Name, err))
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return classifyTransport(ctx, fmt.Errorf("listing tools on %s: %w", t.cfg.Name, err))
	}

	specs := make([]*tool.Spec, 0, len(listResp.Tools))
	for _, remote := range listResp.Tools {
		if t.filterSet != nil && !t.filterSet[remote.Name] {
			continue
		}
		specs = append(specs, t.specFromRemote(remote))
	}

	t.client = mcpClient
	t.specs = specs
	t.connected = true

	slog.Info("Connected to MCP server",
		"toolset", t.cfg.Name,
		"command", t.cfg.Command,
		"tools", len(specs),
	)
	return nil
}

// specFromRemote converts one listed remote tool into a registrable spec
// whose handler calls back through this toolset.
func (t *Toolset) specFromRemote(remote mcp.Tool) *tool.Spec {
	name := remote.Name
	return &tool.Spec{
		Name:             name,
		Namespace:        t.cfg.Name,
		Description:      remote.Description,
		Parameters:       parametersFromSchema(remote.InputSchema),
		Cost:             t.cfg.Cost,
		SandboxProfile:   t.cfg.SandboxProfile,
		NetworkAllowed:   true,
		TimeoutSeconds:   t.cfg.CallTimeout.Seconds(),
		ApprovalRequired: t.cfg.ApprovalRequired,
		Tags:             []string{"mcp", t.cfg.Name},
		Handler: func(ctx context.Context, inputs map[string]any, _ protocol.ExecutionContext) (any, error) {
			return t.call(ctx, name, inputs)
		},
	}
}

// call invokes one remote tool through the circuit breaker.
func (t *Toolset) call(ctx context.Context, name string, args map[string]any) (any, error) {
	t.mu.Lock()
	mcpClient := t.client
	t.mu.Unlock()

	if mcpClient == nil {
		return nil, failure.New(failure.SystemUnavailable,
			"mcp toolset %s is not connected", t.cfg.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.CallTimeout)
	defer cancel()

	result, err := circuit.ExecuteValue(ctx, t.breaker, func(ctx context.Context) (*mcp.CallToolResult, error) {
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		return mcpClient.CallTool(ctx, req)
	})
	if err != nil {
		if errors.Is(err, circuit.ErrOpen) {
			return nil, failure.Wrap(failure.SystemUnavailable,
				fmt.Errorf("mcp server %s: %w", t.cfg.Name, err))
		}
		return nil, classifyTransport(ctx, fmt.Errorf("mcp call %s/%s: %w", t.cfg.Name, name, err))
	}

	return parseResult(t.cfg.Name, name, result)
}

// Close shuts the subprocess down and forgets the mounted specs.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected = false
	t.specs = nil
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// parseResult flattens a tool result's text content. A server-reported tool
// error classifies as agent logic: the transport worked, the tool did not.
func parseResult(toolset, name string, result *mcp.CallToolResult) (any, error) {
	var texts []string
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}

	if result.IsError {
		msg := "unknown error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return nil, failure.New(failure.AgentLogic, "mcp tool %s/%s: %s", toolset, name, msg)
	}

	switch len(texts) {
	case 0:
		return nil, nil
	case 1:
		return texts[0], nil
	default:
		return texts, nil
	}
}

// parametersFromSchema maps the server-declared input schema onto the
// registry's parameter model via a JSON round trip. A schema that fails to
// convert mounts as accept-anything rather than blocking the toolset.
func parametersFromSchema(schema mcp.ToolInputSchema) *tool.ParameterSpec {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var params tool.ParameterSpec
	if err := json.Unmarshal(data, &params); err != nil {
		return nil
	}
	if params.Type == "" {
		params.Type = "object"
	}
	return &params
}

// classifyTransport maps a transport error onto the failure taxonomy:
// deadline exhaustion is a timeout, everything else on the wire is network.
func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Wrap(failure.SystemTimeout, err)
	}
	return failure.Wrap(failure.SystemNetwork, err)
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
