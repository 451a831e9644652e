// Package scheduler decides which task of a workflow graph runs next. It holds
// no state of its own: every call recomputes readiness from the graph and the
// current task statuses, so the engine can ask the same question repeatedly
// and always get the same answer until something changes.
package scheduler
