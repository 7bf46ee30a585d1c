// Package harness runs timeline scenarios against the real processing system.
//
// The harness feeds context observations and reason associations to a
// fresh in-memory store, drains the scheduler and checks the consolidated
// reason slots of each machine.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: manual_over_default
//	description: "A manual reason overrides the default reason"
//	origin: 2026-01-05T00:00:00Z
//	settings:
//	  reason_step_range: 30m
//	machine_modes:
//	  - { id: 1, name: production }
//	default_reasons:
//	  - { machine_mode: 1, observation_state: 1, reason: 20 }
//	steps:
//	  - observe: { machine: 1, begin: 0s, mode: 1, state: 1 }
//	  - label: fix
//	    associate: { machine: 1, kind: manual, begin: 10m, end: 20m, reason: 40 }
//	assertions:
//	  - type: slots
//	    machine: 1
//	    slots:
//	      - { begin: 0s, end: 10m, reason: 20, source: Default }
//	      - { begin: 10m, end: 20m, reason: 40, source: Manual }
//	      - { begin: 20m, reason: 20 }
//	  - type: status
//	    record: fix
//	    status: Done
//
// Offsets are Go duration strings relative to origin. A missing end leaves
// the range open.
//
// # Assertion Types
//
// The following assertion types are supported:
//
//   - slots: the machine timeline equals the listed slots, in order
//   - status: a labeled association ended with the given status
//   - remaining: not completed records among a labeled association and its
//     sub-modifications
//   - proposals: number of reason proposals stored for a machine
//
// # Deterministic Testing
//
// All scenarios execute with a frozen wall clock at origin, sequential
// claim tokens and a single scheduler worker, so repeated runs produce
// identical snapshots for golden file comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/manual.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
