// Package resolver substitutes reference tokens in task parameters with values
// recorded by previously completed tasks. Tokens take the form
// ${task_id.field.subfield} and may stand alone, keeping the referenced value's
// type, or sit inside a longer string, in which case the value is rendered as
// text. Unresolvable references never fail: they fall back to a typed default
// and are reported as warnings for the engine to surface.
package resolver
