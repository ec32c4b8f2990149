package orchestrator

import (
	"fmt"
	"sort"

	"github.com/substratelabs/maestro/pkg/agent"
	"github.com/substratelabs/maestro/pkg/protocol"
)

// Task is the routable unit a policy scores: the goal plus the distinct
// tools its plan invokes, in first-use order.
type Task struct {
	Goal  string   `json:"goal"`
	Tools []string `json:"tools,omitempty"`
}

// taskFromPlan derives the routable task for a plan.
func taskFromPlan(goal string, steps []protocol.PlanStep) Task {
	seen := make(map[string]struct{}, len(steps))
	var tools []string
	for _, s := range steps {
		if _, ok := seen[s.Tool]; ok {
			continue
		}
		seen[s.Tool] = struct{}{}
		tools = append(tools, s.Tool)
	}
	return Task{Goal: goal, Tools: tools}
}

// AgentInfo is a point-in-time view of one pool member.
type AgentInfo struct {
	ID           string      `json:"id"`
	Capabilities []string    `json:"capabilities,omitempty"`
	State        agent.State `json:"state"`
}

// RoutingDecision names the chosen target and why. Fallback, when set,
// is tried at most once if the target fails.
type RoutingDecision struct {
	Target   string `json:"target"`
	Fallback string `json:"fallback,omitempty"`
	Policy   string `json:"policy"`
	Reason   string `json:"reason"`
}

// RoutingPolicy picks a target from the candidate pool. Decide must be
// a pure function of its arguments: the orchestrator hands it a
// snapshot of the mutable policy state and commits separately, so
// repeated calls with equal inputs return equal decisions.
type RoutingPolicy interface {
	Name() string
	Decide(task Task, execCtx protocol.ExecutionContext, agents []AgentInfo, state uint64) RoutingDecision
}

// RoundRobin rotates over the pool in registration order. The rotation
// counter lives in the orchestrator and advances once per committed
// route, so decision previews never skew the rotation.
type RoundRobin struct{}

func (RoundRobin) Name() string { return "round_robin" }

func (p RoundRobin) Decide(task Task, _ protocol.ExecutionContext, agents []AgentInfo, state uint64) RoutingDecision {
	if len(agents) == 0 {
		return RoutingDecision{Policy: p.Name(), Reason: "no agents available"}
	}
	idx := int(state % uint64(len(agents)))
	d := RoutingDecision{
		Target: agents[idx].ID,
		Policy: p.Name(),
		Reason: fmt.Sprintf("slot %d of %d", idx, len(agents)),
	}
	if len(agents) > 1 {
		d.Fallback = agents[(idx+1)%len(agents)].ID
	}
	return d
}

// CapabilityMatch scores each candidate by how many of the task's tools
// its advertised capabilities cover. A member advertising no
// capabilities, or the wildcard "*", covers every tool. Ties break on
// lexicographic id; the runner-up becomes the fallback.
type CapabilityMatch struct{}

func (CapabilityMatch) Name() string { return "capability_match" }

func (p CapabilityMatch) Decide(task Task, _ protocol.ExecutionContext, agents []AgentInfo, _ uint64) RoutingDecision {
	if len(agents) == 0 {
		return RoutingDecision{Policy: p.Name(), Reason: "no agents available"}
	}
	type scored struct {
		id    string
		score int
	}
	ranked := make([]scored, 0, len(agents))
	for _, a := range agents {
		ranked = append(ranked, scored{id: a.ID, score: capabilityScore(task.Tools, a.Capabilities)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})
	d := RoutingDecision{
		Target: ranked[0].id,
		Policy: p.Name(),
		Reason: fmt.Sprintf("capability score %d of %d", ranked[0].score, len(task.Tools)),
	}
	if len(ranked) > 1 {
		d.Fallback = ranked[1].id
	}
	return d
}

// capabilityScore counts the task tools the capability set covers.
func capabilityScore(tools, capabilities []string) int {
	if len(capabilities) == 0 {
		return len(tools)
	}
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		if c == "*" {
			return len(tools)
		}
		caps[c] = struct{}{}
	}
	n := 0
	for _, t := range tools {
		if _, ok := caps[t]; ok {
			n++
		}
	}
	return n
}
