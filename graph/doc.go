// Package graph implements the workflow DAG data model: typed nodes,
// dependency edges, acyclicity validation, and the readiness computation
// that drives the orchestrator's execution loop.
package graph
