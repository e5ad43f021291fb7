// Command casegraph runs and operates the evidence-processing pipeline.
//
// Long-running processes:
//
//	casegraph serve              workers for every runnable class, the retry sweeper and the admin API
//	casegraph worker --class X   workers for the named classes only
//	casegraph sweeper            the retry sweeper alone
//
// Operator commands open the store and queue directly, so they work whether
// or not a server is running: job, case, dispatch, queue, dlq, retry,
// redispatch, graph and preflight. watch follows the status stream of a
// running server over its admin websocket.
package main
