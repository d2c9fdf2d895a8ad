// Package oracle is the reasoning capability used for generation steps,
// semantic governance checks and goal decomposition. Callers receive an
// Oracle that may be the explicit Unavailable variant and must handle
// ErrUnavailable.
package oracle

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by every call on an oracle that is not configured
// or not reachable.
var ErrUnavailable = errors.New("oracle unavailable")

// Oracle completes prompts.
type Oracle interface {
	// Complete returns the full response text.
	Complete(ctx context.Context, system, prompt string) (string, error)
	// Stream calls onChunk for each piece of text as it arrives and returns
	// the concatenated text. On failure the text received so far is returned
	// along with the error.
	Stream(ctx context.Context, system, prompt string, onChunk func(string)) (string, error)
	// Available reports whether calls can succeed at all.
	Available() bool
}

// Unavailable is the oracle used when none is configured.
type Unavailable struct{}

// Complete always fails with ErrUnavailable.
func (Unavailable) Complete(context.Context, string, string) (string, error) {
	return "", ErrUnavailable
}

// Stream always fails with ErrUnavailable.
func (Unavailable) Stream(context.Context, string, string, func(string)) (string, error) {
	return "", ErrUnavailable
}

// Available reports false.
func (Unavailable) Available() bool { return false }
