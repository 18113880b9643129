// Package types defines shared types used across the flowforge
// orchestration core, including the unified error taxonomy.
package types
