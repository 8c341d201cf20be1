// Package api exposes the REST surface of the agent: synchronous workflow
// runs, the asynchronous run lifecycle (submit, fetch, list, stats), health
// checks and metrics exposition.
package api
