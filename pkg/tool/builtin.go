package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/substratelabs/maestro/pkg/failure"
	"github.com/substratelabs/maestro/pkg/protocol"
	"github.com/substratelabs/maestro/pkg/sandbox"
)

// Builtin toolset. These are the tools every deployment carries: a safe
// default step for zero-score plans, local arithmetic, and sandboxed file
// access. Handler bodies stay trivial; anything interesting belongs in an
// external toolset.

type echoArgs struct {
	Text string `json:"text,omitempty" jsonschema:"description=Text to echo back"`
	Goal string `json:"goal,omitempty" jsonschema:"description=Planner goal forwarded as step input"`
}

type calcArgs struct {
	Op string  `json:"op" jsonschema:"required,enum=add,enum=sub,enum=mul,enum=div,description=Operator to apply"`
	A  float64 `json:"a" jsonschema:"required,description=Left operand"`
	B  float64 `json:"b" jsonschema:"required,description=Right operand"`
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"required,description=File path inside the sandbox writable roots"`
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Destination path inside the sandbox writable roots"`
	Content string `json:"content" jsonschema:"required,description=Content to write"`
}

// RegisterBuiltins registers the builtin toolset. Call once at wiring time;
// a failed registration is a programming error.
func RegisterBuiltins(r *Registry) error {
	for _, spec := range BuiltinSpecs() {
		if err := r.Register(spec); err != nil {
			return fmt.Errorf("registering builtin toolset: %w", err)
		}
	}
	return nil
}

// BuiltinSpecs returns fresh specs for the builtin toolset, in registration
// order.
func BuiltinSpecs() []*Spec {
	return []*Spec{
		{
			Name:           "echo",
			Namespace:      NamespaceBuiltin,
			Description:    "Echo text back unchanged",
			Handler:        echoHandler,
			Parameters:     MustParametersFor[echoArgs](),
			SandboxProfile: sandbox.ProfilePySlim,
			ReadOnly:       true,
			Tags:           []string{"text", "debug"},
			Version:        "1.0.0",
		},
		{
			Name:           "calc",
			Namespace:      NamespaceBuiltin,
			Description:    "Evaluate a basic arithmetic operation",
			Handler:        calcHandler,
			Parameters:     MustParametersFor[calcArgs](),
			Cost:           0.001,
			SandboxProfile: sandbox.ProfilePySlim,
			ReadOnly:       true,
			Tags:           []string{"math", "arithmetic"},
			Version:        "1.0.0",
		},
		{
			Name:           "read_file",
			Namespace:      NamespaceBuiltin,
			Description:    "Read a file from the sandbox working directory",
			Handler:        readFileHandler,
			Parameters:     MustParametersFor[readFileArgs](),
			Cost:           0.01,
			SandboxProfile: sandbox.ProfilePySlim,
			ReadOnly:       true,
			Tags:           []string{"file", "io"},
			Version:        "1.0.0",
		},
		{
			Name:           "write_file",
			Namespace:      NamespaceBuiltin,
			Description:    "Write a file under the sandbox working directory",
			Handler:        writeFileHandler,
			Parameters:     MustParametersFor[writeFileArgs](),
			Cost:           0.01,
			SandboxProfile: sandbox.ProfilePySlim,
			Tags:           []string{"file", "io"},
			Version:        "1.0.0",
		},
	}
}

// echoHandler prefers an explicit text argument and falls back to the goal,
// so default plan steps carrying only the goal still produce output.
func echoHandler(_ context.Context, inputs map[string]any, _ protocol.ExecutionContext) (any, error) {
	var args echoArgs
	if err := DecodeArgs(inputs, &args); err != nil {
		return nil, err
	}
	if args.Text != "" {
		return args.Text, nil
	}
	return args.Goal, nil
}

func calcHandler(_ context.Context, inputs map[string]any, _ protocol.ExecutionContext) (any, error) {
	var args calcArgs
	if err := DecodeArgs(inputs, &args); err != nil {
		return nil, err
	}
	switch args.Op {
	case "add":
		return args.A + args.B, nil
	case "sub":
		return args.A - args.B, nil
	case "mul":
		return args.A * args.B, nil
	case "div":
		if args.B == 0 {
			return nil, failure.New(failure.UserInvalidInput, "calc: division by zero")
		}
		return args.A / args.B, nil
	default:
		return nil, failure.New(failure.UserInvalidInput, "calc: unknown operator %q", args.Op)
	}
}

func readFileHandler(_ context.Context, inputs map[string]any, _ protocol.ExecutionContext) (any, error) {
	var args readFileArgs
	if err := DecodeArgs(inputs, &args); err != nil {
		return nil, err
	}
	profile, _ := sandbox.Lookup(sandbox.ProfilePySlim)
	resolved, err := profile.ResolvePath(args.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, failure.New(failure.UserInvalidInput, "read_file: %v", err)
		}
		return nil, failure.Wrap(failure.AgentLogic, err)
	}
	return string(data), nil
}

func writeFileHandler(_ context.Context, inputs map[string]any, _ protocol.ExecutionContext) (any, error) {
	var args writeFileArgs
	if err := DecodeArgs(inputs, &args); err != nil {
		return nil, err
	}
	profile, _ := sandbox.Lookup(sandbox.ProfilePySlim)
	resolved, err := profile.ResolvePath(args.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, failure.Wrap(failure.AgentLogic, err)
	}
	if err := os.WriteFile(resolved, []byte(args.Content), 0o644); err != nil {
		return nil, failure.Wrap(failure.AgentLogic, err)
	}
	return map[string]any{"path": resolved, "bytes": len(args.Content)}, nil
}
