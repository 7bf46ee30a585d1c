// Package model defines the entities of the modification processing state
// machine and of the reason timeline: modification records and their
// statuses, tagged partition references, reason machine associations,
// proposals, context segments and reason slots.
//
// The package has no dependency on persistence. Transitions are methods on
// *Modification; completion order values come from a Sequencer supplied by
// the caller.
package model
