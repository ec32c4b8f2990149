// Package sandbox declares the execution profiles a tool may run under and
// enforces their writable-root restrictions on path arguments. The runtime
// that realizes a profile (container, jail, subprocess) lives outside the
// core; this package owns the declarative contract only.
package sandbox

import (
	"path/filepath"
	"strings"

	"github.com/substratelabs/maestro/pkg/failure"
)

// Profile names.
const (
	ProfilePySlim       = "py-slim"
	ProfilePyFull       = "py-full"
	ProfileNodeSlim     = "node-slim"
	ProfileNodeFull     = "node-full"
	ProfileOrchestrator = "orchestrator"
)

// Profile is the capability set granted to a tool at execution time.
type Profile struct {
	Name           string   `json:"name"`
	WritableRoots  []string `json:"writable_roots,omitempty"`
	NetworkAllowed bool     `json:"network_allowed"`
	PackageSurface string   `json:"package_surface"`

	// Unrestricted marks the coordinator-only profile; path checks pass
	// unconditionally and the writable set is the whole filesystem.
	Unrestricted bool `json:"unrestricted,omitempty"`
}

var profiles = map[string]Profile{
	ProfilePySlim: {
		Name:           ProfilePySlim,
		WritableRoots:  []string{"/workdir"},
		NetworkAllowed: false,
		PackageSurface: "stdlib",
	},
	ProfilePyFull: {
		Name:           ProfilePyFull,
		WritableRoots:  []string{"/workdir", "/tmp"},
		NetworkAllowed: true,
		PackageSurface: "stdlib+vetted",
	},
	ProfileNodeSlim: {
		Name:           ProfileNodeSlim,
		WritableRoots:  []string{"/workdir"},
		NetworkAllowed: false,
		PackageSurface: "core",
	},
	ProfileNodeFull: {
		Name:           ProfileNodeFull,
		WritableRoots:  []string{"/workdir", "/tmp"},
		NetworkAllowed: true,
		PackageSurface: "core+vetted",
	},
	ProfileOrchestrator: {
		Name:           ProfileOrchestrator,
		NetworkAllowed: true,
		PackageSurface: "trusted",
		Unrestricted:   true,
	},
}

// Lookup resolves a profile by name.
func Lookup(name string) (Profile, bool) {
	p, ok := profiles[name]
	return p, ok
}

// Names lists the known profile names.
func Names() []string {
	return []string{
		ProfilePySlim, ProfilePyFull,
		ProfileNodeSlim, ProfileNodeFull,
		ProfileOrchestrator,
	}
}

// Valid reports whether name is a known profile.
func Valid(name string) bool {
	_, ok := profiles[name]
	return ok
}

// ResolvePath canonicalizes a path argument and rejects it when it falls
// outside the profile's writable set. Relative paths are resolved against
// the profile's first writable root before checking. The returned path is
// the canonical absolute form handlers should operate on.
func (p Profile) ResolvePath(path string) (string, error) {
	if path == "" {
		return "", failure.New(failure.PolicySecurity, "sandbox %s: empty path argument", p.Name)
	}
	clean := filepath.Clean(path)
	if p.Unrestricted {
		return clean, nil
	}
	if !filepath.IsAbs(clean) {
		if len(p.WritableRoots) == 0 {
			return "", failure.New(failure.PolicySecurity,
				"sandbox %s: profile has no writable roots", p.Name)
		}
		clean = filepath.Clean(filepath.Join(p.WritableRoots[0], clean))
	}

	for _, root := range p.WritableRoots {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return clean, nil
		}
	}

	return "", failure.New(failure.PolicySecurity,
		"sandbox %s: path %q escapes writable roots %v", p.Name, path, p.WritableRoots)
}

// ValidatePath reports whether a path argument is admissible under the
// profile without resolving it.
func (p Profile) ValidatePath(path string) error {
	_, err := p.ResolvePath(path)
	return err
}

// Path argument detection. Keys are matched by exact name or suffix so that
// unrelated keys that merely contain the letters (e.g. "profile") pass.
var pathKeySuffixes = []string{"path", "file", "dir", "directory", "filename", "dest"}

func isPathKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range pathKeySuffixes {
		if k == s || strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	return false
}

// EnforceInputs walks a tool's input mapping and validates every path-like
// string argument against the profile's writable set. Nested maps and lists
// are walked recursively.
func (p Profile) EnforceInputs(inputs map[string]any) error {
	if p.Unrestricted {
		return nil
	}
	for key, value := range inputs {
		if err := p.enforceValue(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (p Profile) enforceValue(key string, value any) error {
	switch v := value.(type) {
	case string:
		if isPathKey(key) {
			return p.ValidatePath(v)
		}
	case map[string]any:
		return p.EnforceInputs(v)
	case []any:
		for _, item := range v {
			if err := p.enforceValue(key, item); err != nil {
				return err
			}
		}
	}
	return nil
}
