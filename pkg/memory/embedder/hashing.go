package embedder

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimension is the vector width of the hashing provider.
const DefaultDimension = 256

// HashingProvider embeds text by hashing character trigrams of its terms
// into a fixed-width vector, L2-normalized. The same text always yields the
// same vector, so search results and the default plan are reproducible
// without a model download or a network call.
type HashingProvider struct {
	dimension int
}

// NewHashingProvider builds a provider of the given dimension; zero or
// negative falls back to DefaultDimension.
func NewHashingProvider(dimension int) *HashingProvider {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &HashingProvider{dimension: dimension}
}

func (p *HashingProvider) Embed(text string) ([]float32, error) {
	vec := make([]float32, p.dimension)

	for _, term := range splitTerms(text) {
		// Pad so single- and two-letter terms still produce a trigram.
		padded := "^" + term + "$"
		for i := 0; i+3 <= len(padded); i++ {
			h := fnv.New32a()
			h.Write([]byte(padded[i : i+3]))
			vec[h.Sum32()%uint32(p.dimension)]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (p *HashingProvider) GetDimension() int { return p.dimension }

func (p *HashingProvider) GetModelName() string { return "hashing-trigram" }

func (p *HashingProvider) Close() error { return nil }

func splitTerms(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
