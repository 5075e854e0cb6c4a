// Package harness runs YAML scenarios against a real runtime.
//
// Each run opens a fresh in-memory store and wires the same components
// as serve, with a fixed clock and sequential tokens. Invoke handlers
// named by the scenario record their calls. Steps assert and retract
// facts, tick the engine, advance the clock and run the scheduler, and
// every effect is appended to a trace that tests compare against golden
// files.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: go_fans
//	description: a go fan is noticed once
//	bundles:
//	  - bundles/interests
//	handlers:
//	  notify: {}
//	  flaky: {fail: 2}
//	steps:
//	  - assert: {predicate: likes, args: [alice, /go]}
//	  - tick: 1
//	  - expect:
//	      fired: [go_fan]
//	      invocations: {notify: 1}
//	  - advance: 5m
//	  - run_scheduler: true
//	  - expect:
//	      jobs: {job-fire-0001: completed}
//
// Arguments are written as on the command line and typed by the
// predicate's declaration. Expect checks only the fields it names:
// fired (the last tick), no_fires, invocations (totals so far), jobs,
// triggers and facts (counts per predicate).
//
// Run collects every unmet expectation instead of stopping at the first,
// and RunWithGolden compares the trace with testdata/golden.
package harness
