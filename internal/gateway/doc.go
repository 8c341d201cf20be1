// Package gateway performs authenticated HTTP calls against the Pega case
// backend. It resolves operations through the tool registry, constructs
// authentication headers fresh on every call, propagates the correlation
// identifier, and normalizes non-2xx responses and timeouts into failed
// ToolResults. It never retries on its own: mutating backend operations are
// not guaranteed idempotent, so retry decisions belong to the orchestrator.
package gateway
