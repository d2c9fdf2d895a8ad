// Package engine runs executions. The Scheduler claims steps from the store,
// runs them through the Executor and the governance gate, classifies failures
// and finalizes executions. Engine is the composition root that dispatches
// executions to local goroutines or to a work queue, and the Sweeper
// periodically re-dispatches executions that are still active.
package engine
