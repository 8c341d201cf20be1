// Package policy is the deterministic gate of the workflow engine. Given the
// current run state, the requested operation category and the facts gathered
// so far, it either yields the next state or rejects the operation before any
// network call is attempted. The package is pure and carries no state of its
// own.
package policy
