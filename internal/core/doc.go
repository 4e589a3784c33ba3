// Package core provides the domain models shared by every layer of a sweep.
//
// # Core Types
//
// Statepoint: one concrete parameter assignment identifying a job.
// JobID: the deterministic digest of a statepoint, used as the workspace key.
// Document: the small, versioned record tracking a job's progress and completion.
//
// # Design Principles
//
//  1. Identity is derived only from the canonical statepoint encoding, never from
//     mutable state.
//  2. Statepoint values are restricted to JSON-representable data so the canonical
//     encoding is total and reproducible.
//  3. Document mutation goes through DocumentUpdate, which enforces the progress
//     counter's monotonicity and the write-once reference quantities.
package core
