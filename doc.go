// Package maestro provides the core orchestration substrate for multi-agent
// task execution.
//
// Given a natural-language goal, Maestro decomposes it into an ordered plan
// of tool invocations, dispatches the plan across a pool of worker agents,
// enforces per-profile policy and budget constraints, propagates a trace id
// through every event and tool call, and streams structured lifecycle events
// back to the caller.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/substratelabs/maestro/cmd/maestro@latest
//
// Run a goal end to end against the builtin toolset:
//
//	maestro run "echo hello world"
//
// Or start the HTTP adapter and stream events over SSE:
//
//	maestro serve --config maestro.yaml
//
// # Using as Go Library
//
// Import the packages you need:
//
//	import (
//	    "github.com/substratelabs/maestro/pkg/orchestrator"
//	    "github.com/substratelabs/maestro/pkg/tool"
//	    "github.com/substratelabs/maestro/pkg/memory"
//	)
//
// Wire a registry, a memory scope, and an orchestrator, then consume the
// event stream:
//
//	events, err := orch.Orchestrate(ctx, goal, execCtx, orchestrator.FailFast)
//	for ev := range events {
//	    fmt.Println(ev.Stage, ev.Data)
//	}
//
// # Architecture
//
// Maestro is layered leaves-first:
//
//	Tool Registry → Vector Memory → Observability Collector →
//	Guardrail Policy → Worker Agent → Planner Agent → Orchestrator
//
// The transport adapter (HTTP/SSE) is a thin shell over the orchestrator;
// nothing in the core depends on it.
package maestro
