// Package handler implements the business logic behind each step type. Every
// handler is idempotent or keyed by the step id, because the scheduler
// delivers steps at least once.
package handler
