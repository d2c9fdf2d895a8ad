// Package failure classifies step errors and computes retry backoff deadlines.
package failure

import (
	"strings"
	"time"
)

// Class is the retry category of a failure.
type Class string

// Failure classes.
const (
	Transient Class = "transient"
	Retryable Class = "retryable"
	Fatal     Class = "fatal"
)

// Backoff parameters.
const (
	BaseDelay = 2 * time.Second
	MaxDelay  = 60 * time.Second
)

var transientMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
}

var fatalMarkers = []string{
	"permission",
	"unauthorized",
	"forbidden",
}

// Classify maps an error message to a failure class.
func Classify(msg string) Class {
	lower := strings.ToLower(msg)
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return Transient
		}
	}
	for _, m := range fatalMarkers {
		if strings.Contains(lower, m) {
			return Fatal
		}
	}
	return Retryable
}

// ClassifyError classifies err by its message. A nil error is Retryable.
func ClassifyError(err error) Class {
	if err == nil {
		return Retryable
	}
	return Classify(err.Error())
}

// Delay returns min(BaseDelay * 2^attempt, MaxDelay). Negative attempts are
// treated as zero.
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= MaxDelay {
			return MaxDelay
		}
	}
	return d
}

// ComputeBackoff returns the earliest time a step that failed on the given
// attempt may be retried.
func ComputeBackoff(now time.Time, attempt int) time.Time {
	return now.Add(Delay(attempt))
}
