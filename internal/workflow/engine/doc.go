// Package engine executes workflow graphs. Each run is driven by its own
// goroutine that dispatches one ready task at a time, resolves reference
// tokens against earlier results, marks tasks whose dependencies can no
// longer succeed as blocked, and reports every transition as a lifecycle
// event. Callers interact with a run through its Handle: subscribe to the
// ordered event stream, request cancellation, or read a snapshot.
package engine
