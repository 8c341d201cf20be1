// Package run manages the asynchronous lifecycle of workflow runs: durable
// run records (memory or MySQL), a delivery queue (memory, Redis or
// RabbitMQ), the submission service and the worker that executes claimed
// runs through the orchestrator.
package run
