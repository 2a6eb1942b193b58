// Package llm defines the external model adapter used for fallback intent
// classification and history summarization. The dispatcher works fully
// without one; absence degrades to deterministic fallbacks.
package llm

import (
	"context"
	"errors"
)

// ErrNoAdapter is returned by helpers when no adapter is configured.
var ErrNoAdapter = errors.New("no llm adapter configured")

// Classification is the structured verdict of the fallback classifier.
type Classification struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Adapter is the model interface. Implementations report provider token
// usage to metrics.
type Adapter interface {
	// ClassifyIntent asks the model to pick one of labels for the message.
	// The returned intent is guaranteed to be one of labels or empty.
	ClassifyIntent(ctx context.Context, message string, labels []string) (Classification, error)

	// Summarize compresses transcript lines into a short prose summary.
	Summarize(ctx context.Context, lines []string) (string, error)

	// CountTokens estimates the token length of text.
	CountTokens(text string) int
}
