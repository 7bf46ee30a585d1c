// Package reason maintains the reason timeline of machines.
//
// The observed context of a machine (machine mode, observation state, shift)
// is stored as non-overlapping segments. Reason associations become reason
// proposals; the Consolidator turns segments, proposals and default reasons
// into reason slots, the persisted answer to "why was the machine in this
// state over this range".
//
// Every analyzer of this package works inside the transaction of its step
// and reaches storage through the Timeline view of that transaction.
// Dynamic association bounds are resolved by named BoundResolvers.
package reason
