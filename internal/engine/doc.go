// Package engine implements the reckon trigger engine.
//
// A trigger pairs a Datalog condition with an action. Every tick the
// engine loads one snapshot of declarations, facts and rules, compiles
// all enabled trigger conditions into a single program, evaluates it
// once, and compares each condition's truth with the trigger's persisted
// edge state.
//
// EDGE SEMANTICS:
//
// A trigger fires when its condition goes from empty to non-empty. It
// does not fire again while the condition stays true; it re-arms when the
// condition becomes empty. The edge state (LastBoolean) lives in the
// store, so a restart never refires a trigger that was already true.
//
// FIRE PROTOCOL:
//
//  1. Persist a Pending FireDecision with a fresh token
//  2. Persist the trigger with LastBoolean=true
//  3. Invoke the action with the token as idempotency key
//  4. Mark the decision Completed
//
// A crash between 1 and 4 leaves a Pending decision. Recover replays it on
// startup; Completed decisions are never invoked again.
//
// FAILURES:
//
// A condition that no longer compiles, or an evaluation that fails or
// times out, counts as a failure of the affected triggers only. Edge state
// is untouched by a failure. After a configured number of consecutive
// failures a trigger is marked Degraded; it keeps being evaluated and
// returns to Active on its next success.
package engine
