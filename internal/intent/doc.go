// Package intent maps natural-language requests onto backend operations. The
// mapping is a deterministic pure function of the text, the caller-provided
// context and the current run facts, so the workflow engine stays fully
// unit-testable. Callers may substitute their own Resolver implementation.
package intent
