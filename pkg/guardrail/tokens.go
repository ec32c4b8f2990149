package guardrail

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator estimates the token weight of a tool call for budget
// accounting.
type TokenEstimator interface {
	Estimate(text string) int
}

// HeuristicEstimator approximates four characters per token. It is the
// offline default; nothing about budget correctness depends on a
// vocabulary download.
type HeuristicEstimator struct{}

func (HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

var (
	// Cache encodings to avoid repeated initialization.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// TiktokenEstimator counts tokens with a real BPE vocabulary. The encoding
// loads lazily on first use; when it cannot be loaded the estimator falls
// back to the heuristic so estimation keeps working offline.
type TiktokenEstimator struct {
	model string
}

// NewTiktokenEstimator builds an estimator for the given model name.
// An empty model defaults to gpt-4.
func NewTiktokenEstimator(model string) *TiktokenEstimator {
	if model == "" {
		model = "gpt-4"
	}
	return &TiktokenEstimator{model: model}
}

func (e *TiktokenEstimator) Estimate(text string) int {
	enc := e.encoding()
	if enc == nil {
		return HeuristicEstimator{}.Estimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (e *TiktokenEstimator) encoding() *tiktoken.Tiktoken {
	cacheMu.RLock()
	cached, exists := encodingCache[e.model]
	cacheMu.RUnlock()
	if exists {
		return cached
	}

	enc, err := tiktoken.EncodingForModel(e.model)
	if err != nil {
		// cl100k_base covers gpt-4, gpt-3.5-turbo and the embedding models.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil
		}
	}

	cacheMu.Lock()
	encodingCache[e.model] = enc
	cacheMu.Unlock()
	return enc
}

// EstimateInputs serializes tool inputs and estimates their token weight.
// Unserializable inputs weigh zero; schema validation rejects them earlier.
func EstimateInputs(est TokenEstimator, inputs map[string]any) int {
	if len(inputs) == 0 {
		return 0
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return 0
	}
	return est.Estimate(string(data))
}
