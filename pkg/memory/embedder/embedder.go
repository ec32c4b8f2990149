// Package embedder defines the embedding provider contract used by vector
// memory backends, plus the deterministic hashing provider the module ships
// as its offline default.
package embedder

import (
	"github.com/substratelabs/maestro/pkg/registry"
)

// Provider turns text into a fixed-dimension vector.
type Provider interface {
	Embed(text string) ([]float32, error)

	GetDimension() int

	GetModelName() string

	Close() error
}

// Registry holds named embedding providers.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}
