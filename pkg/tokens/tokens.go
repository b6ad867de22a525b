// Package tokens estimates token counts for context budgeting.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens with a tiktoken encoding when available and
// falls back to a characters/4 heuristic when the encoding cannot be
// loaded (offline environments).
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

var defaultEstimator = &Estimator{}

// Default returns the process-wide estimator.
func Default() *Estimator { return defaultEstimator }

// Estimate returns the estimated token count of text.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	// Rough heuristic: one token per four characters, at least one.
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Estimate is shorthand for Default().Estimate.
func Estimate(text string) int { return defaultEstimator.Estimate(text) }
