// Package engine implements the modification processor.
//
// A modification is an asynchronous unit of change. The processor advances
// it through the status state machine of package model with repeated,
// bounded analysis attempts, delegating the type specific work to an
// Analyzer looked up by modification type.
//
// ARCHITECTURE:
//
// Partitions and claims:
// Every modification belongs to the global partition or to one machine
// partition. A worker must hold the claim of a partition before advancing
// any of its records, so the chain of one machine is serialized while
// different machines proceed in parallel. Claims are acquired before a
// transaction is opened and released after it ends.
//
// Step processing flow:
//  1. Acquire the partition claim, open a read-write transaction
//  2. Load the record; terminal records are left alone
//  3. Handle administrative cases first: cancellation request, obsolete,
//     persisted timeout, pending sub-modifications
//  4. Run one analyzer attempt under a Budget (step span and total timeout)
//  5. Commit the outcome; on failure roll back and record the retry status
//     in a new transaction
//  6. Release the claim, then cascade ParentInError to descendants when the
//     record was cancelled or failed
//
// The Scheduler serves partitions concurrently with an errgroup and walks
// each partition in scheduling order (status_priority descending, id
// ascending). InProgress and StepTimeout outcomes are retried immediately,
// up to MaxStepsPerPass attempts per record and pass.
//
// CRITICAL PATTERNS:
//
// Completion order:
// analysis_completion_order values are drawn from the repository sequence
// inside the transaction recording the first terminal transition, so every
// processor sharing a store sees one strict total order. A rolled back
// transaction gives its draw back.
//
// Cooperative cancellation:
// Nothing is interrupted preemptively. Analyzers call Step.Checkpoint at
// iteration boundaries; it reports step timeouts, total timeouts and
// cancellation requests as *AnalysisError values.
package engine
