// Package store persists workflow state as two views over the same facts:
// an append-only event log (the audit trail) and a mutable current-state
// projection (workflow, node, and HITL request rows) for fast status
// queries. Implementations guarantee that every projection mutation is
// paired with its event append atomically.
package store
