// Package workflow implements the run loop that turns a natural-language
// request into an ordered sequence of backend calls. Each run resolves the
// next operation, asks the policy whether it is legal in the current state,
// executes it through the gateway, and folds the response back into the run
// state. Runs terminate in one of four outcomes: succeeded, stopped by
// policy, failed upstream, or step budget exceeded. The authoritative trace
// of every call actually made is carried in FinalResult.Steps.
package workflow
