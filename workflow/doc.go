// Package workflow implements the orchestration core: a DAG executor that
// runs typed nodes in dependency order, dispatches independent nodes
// concurrently, and can suspend a workflow indefinitely at a
// human-in-the-loop checkpoint and resume it from external input.
package workflow
