// Package tool defines the tool specification model, the allowlisted
// registry tools are resolved from, and schema validation for tool inputs.
// A tool is a named, schema-validated capability with a declared cost,
// sandbox profile, and policy attributes; its handler body is opaque to the
// orchestration core.
package tool

import (
	"context"
	"fmt"

	"github.com/substratelabs/maestro/pkg/protocol"
	"github.com/substratelabs/maestro/pkg/sandbox"
)

// Handler executes the tool against validated inputs. Handlers are stateless
// from the orchestrator's point of view; durable effects belong in memory
// records written through the memory API.
type Handler func(ctx context.Context, inputs map[string]any, execCtx protocol.ExecutionContext) (any, error)

// DefaultApprovalTimeoutSeconds bounds the human-in-the-loop wait when a
// tool requires approval but declares no timeout of its own.
const DefaultApprovalTimeoutSeconds = 60.0

// Spec describes one registered tool. Specs are immutable once registered.
type Spec struct {
	Name        string `json:"name"`
	Namespace   string `json:"namespace"`
	Description string `json:"description,omitempty"`

	Handler    Handler        `json:"-"`
	Parameters *ParameterSpec `json:"parameters,omitempty"`

	// Cost is charged against the profile budget per call, in budget units.
	Cost      float64 `json:"cost"`
	MaxTokens int     `json:"max_tokens,omitempty"`

	SandboxProfile string  `json:"sandbox_profile"`
	NetworkAllowed bool    `json:"network_allowed,omitempty"`
	ReadOnly       bool    `json:"read_only,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`

	ApprovalRequired       bool    `json:"approval_required,omitempty"`
	ApprovalTimeoutSeconds float64 `json:"approval_timeout_seconds,omitempty"`

	// CompensationTool names the tool that undoes a successful call.
	// Planners copy it onto the steps they emit, marking them critical.
	CompensationTool string `json:"compensation_tool,omitempty"`

	ImportAllowlist []string `json:"allowlist,omitempty"`
	ImportDenylist  []string `json:"denylist,omitempty"`

	Tags    []string `json:"tags,omitempty"`
	Version string   `json:"version,omitempty"`

	compiled *compiledSchema
}

// Validate checks the construction rules of a spec. It is called by the
// registry before admission; direct callers may use it to fail early.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if s.Namespace == "" {
		return fmt.Errorf("tool %s: namespace must not be empty", s.Name)
	}
	if s.Handler == nil {
		return fmt.Errorf("tool %s: handler must not be nil", s.Name)
	}
	if s.Cost < 0 {
		return fmt.Errorf("tool %s: cost must not be negative, got %g", s.Name, s.Cost)
	}
	if s.SandboxProfile == "" {
		s.SandboxProfile = sandbox.ProfilePySlim
	}
	profile, ok := sandbox.Lookup(s.SandboxProfile)
	if !ok {
		return fmt.Errorf("tool %s: unknown sandbox profile %q", s.Name, s.SandboxProfile)
	}
	if s.NetworkAllowed && !profile.NetworkAllowed {
		return fmt.Errorf("tool %s: network requested but profile %q forbids it",
			s.Name, s.SandboxProfile)
	}
	if s.ApprovalRequired && s.ApprovalTimeoutSeconds <= 0 {
		s.ApprovalTimeoutSeconds = DefaultApprovalTimeoutSeconds
	}
	return nil
}

// Sandbox returns the tool's sandbox profile.
func (s *Spec) Sandbox() sandbox.Profile {
	p, ok := sandbox.Lookup(s.SandboxProfile)
	if !ok {
		p, _ = sandbox.Lookup(sandbox.ProfilePySlim)
	}
	return p
}

// AllowsImport applies the spec's import policy: the denylist always wins,
// then a non-empty allowlist admits only its members.
func (s *Spec) AllowsImport(name string) bool {
	for _, denied := range s.ImportDenylist {
		if denied == name {
			return false
		}
	}
	if len(s.ImportAllowlist) == 0 {
		return true
	}
	for _, allowed := range s.ImportAllowlist {
		if allowed == name {
			return true
		}
	}
	return false
}

// TermBag returns the lowercased alphanumeric terms of the tool's name,
// description, and tags, used by vector-ranked planning.
func (s *Spec) TermBag() map[string]struct{} {
	bag := make(map[string]struct{})
	addTerms(bag, s.Name)
	addTerms(bag, s.Description)
	for _, tag := range s.Tags {
		addTerms(bag, tag)
	}
	return bag
}

func addTerms(bag map[string]struct{}, text string) {
	for _, term := range Tokenize(text) {
		bag[term] = struct{}{}
	}
}

// Tokenize splits text into lowercased alphanumeric terms. Underscores and
// hyphens separate terms so that "search_flights" contributes both words.
func Tokenize(text string) []string {
	var terms []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			terms = append(terms, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			cur = append(cur, r)
		case r >= 'A' && r <= 'Z':
			cur = append(cur, r+('a'-'A'))
		default:
			flush()
		}
	}
	flush()
	return terms
}
