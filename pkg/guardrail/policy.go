// Package guardrail enforces per-profile execution policy: which tools a
// profile may call, how much budget it may spend, and which calls need a
// human in the loop. A Policy is consulted before every tool invocation and
// charged after every successful one.
package guardrail

import (
	"path"
	"sync"

	"github.com/substratelabs/maestro/pkg/failure"
	"github.com/substratelabs/maestro/pkg/protocol"
)

// BudgetPolicy decides what happens when a charge would breach a ceiling.
type BudgetPolicy string

const (
	// PolicyWarn lets the breaching call proceed and emits warnings from
	// the configured threshold upward.
	PolicyWarn BudgetPolicy = "warn"
	// PolicyBlock refuses the first call that would breach a ceiling. The
	// refused call is never charged.
	PolicyBlock BudgetPolicy = "block"
)

// DefaultWarningThreshold is the utilization at which warn-policy profiles
// start emitting budget warnings.
const DefaultWarningThreshold = 0.8

// Budget carries the per-profile ceilings. A zero ceiling leaves that
// dimension unlimited.
type Budget struct {
	MaxCost   float64 `json:"max_cost" yaml:"max_cost"`
	MaxCalls  int     `json:"max_calls" yaml:"max_calls"`
	MaxTokens int     `json:"max_tokens" yaml:"max_tokens"`
}

// Usage is a snapshot of the committed accumulators.
type Usage struct {
	Cost   float64 `json:"cost"`
	Calls  int     `json:"calls"`
	Tokens int     `json:"tokens"`
}

// ApprovalRule is a per-tool approval override.
type ApprovalRule struct {
	Required       bool    `json:"required" yaml:"required"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Config describes a policy before construction.
type Config struct {
	Profile string `json:"profile" yaml:"profile"`

	// ToolAllowlist holds tool names or glob patterns. Empty admits all.
	ToolAllowlist []string `json:"tool_allowlist,omitempty" yaml:"tool_allowlist,omitempty"`

	Budget           Budget       `json:"budget" yaml:"budget"`
	BudgetPolicy     BudgetPolicy `json:"budget_policy,omitempty" yaml:"budget_policy,omitempty"`
	WarningThreshold float64      `json:"warning_threshold,omitempty" yaml:"warning_threshold,omitempty"`

	ApprovalRules map[string]ApprovalRule `json:"approval_rules,omitempty" yaml:"approval_rules,omitempty"`
}

// Policy is the runtime guardrail for one profile. Accumulators are
// committed under a mutex; critical sections are O(1).
type Policy struct {
	mu sync.Mutex

	profile       string
	allowlist     []string
	budget        Budget
	budgetPolicy  BudgetPolicy
	warnThreshold float64
	approval      map[string]ApprovalRule

	used Usage
}

// New builds a policy from config, applying defaults: profile "default",
// budget policy block, warning threshold 0.8.
func New(cfg Config) *Policy {
	if cfg.Profile == "" {
		cfg.Profile = protocol.DefaultProfile
	}
	if cfg.BudgetPolicy == "" {
		cfg.BudgetPolicy = PolicyBlock
	}
	if cfg.WarningThreshold <= 0 || cfg.WarningThreshold > 1 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	rules := make(map[string]ApprovalRule, len(cfg.ApprovalRules))
	for name, rule := range cfg.ApprovalRules {
		rules[name] = rule
	}
	return &Policy{
		profile:       cfg.Profile,
		allowlist:     append([]string(nil), cfg.ToolAllowlist...),
		budget:        cfg.Budget,
		budgetPolicy:  cfg.BudgetPolicy,
		warnThreshold: cfg.WarningThreshold,
		approval:      rules,
	}
}

// Profile returns the profile this policy governs.
func (p *Policy) Profile() string { return p.profile }

// BudgetMode returns the configured budget policy.
func (p *Policy) BudgetMode() BudgetPolicy { return p.budgetPolicy }

// Ceilings returns the configured budget ceilings.
func (p *Policy) Ceilings() Budget { return p.budget }

// CheckTool enforces the tool allowlist. Entries match by exact name or by
// glob pattern. A blocked tool reads as a validation failure to the caller,
// matching an absent tool.
func (p *Policy) CheckTool(name string) error {
	if len(p.allowlist) == 0 {
		return nil
	}
	for _, pattern := range p.allowlist {
		if pattern == name {
			return nil
		}
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return nil
		}
	}
	return failure.New(failure.UserInvalidInput,
		"profile %s: tool %q is not allowlisted", p.profile, name)
}

// ApprovalFor returns the per-tool approval rule, if one is configured.
func (p *Policy) ApprovalFor(name string) (ApprovalRule, bool) {
	rule, ok := p.approval[name]
	return rule, ok
}

// BudgetGuard computes the accumulators a charge of (cost, one call,
// tokens) would commit and decides whether the call may proceed. Nothing is
// committed here; Charge commits after the call succeeds.
//
// Under block policy a breaching call is refused. Under warn policy it
// proceeds. The warning flag trips when any limited dimension would reach
// the warning threshold.
func (p *Policy) BudgetGuard(cost float64, tokens int) (allowed bool, warning bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := Usage{
		Cost:   p.used.Cost + cost,
		Calls:  p.used.Calls + 1,
		Tokens: p.used.Tokens + tokens,
	}
	exceeded := (p.budget.MaxCost > 0 && next.Cost > p.budget.MaxCost) ||
		(p.budget.MaxCalls > 0 && next.Calls > p.budget.MaxCalls) ||
		(p.budget.MaxTokens > 0 && next.Tokens > p.budget.MaxTokens)

	if exceeded && p.budgetPolicy == PolicyBlock {
		return false, false
	}
	return true, p.utilizationLocked(next) >= p.warnThreshold
}

// Charge commits a successful call's cost against the accumulators.
func (p *Policy) Charge(cost float64, tokens int) Usage {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.used.Cost += cost
	p.used.Calls++
	p.used.Tokens += tokens
	return p.used
}

// Usage returns a snapshot of the committed accumulators.
func (p *Policy) Usage() Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Utilization returns the highest committed fraction across the limited
// budget dimensions, in [0, 1+).
func (p *Policy) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.utilizationLocked(p.used)
}

// Reset clears the accumulators. Intended for tests and for reusing a
// policy across accounting windows.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used = Usage{}
}

func (p *Policy) utilizationLocked(u Usage) float64 {
	highest := 0.0
	if p.budget.MaxCost > 0 {
		if frac := u.Cost / p.budget.MaxCost; frac > highest {
			highest = frac
		}
	}
	if p.budget.MaxCalls > 0 {
		if frac := float64(u.Calls) / float64(p.budget.MaxCalls); frac > highest {
			highest = frac
		}
	}
	if p.budget.MaxTokens > 0 {
		if frac := float64(u.Tokens) / float64(p.budget.MaxTokens); frac > highest {
			highest = frac
		}
	}
	return highest
}
