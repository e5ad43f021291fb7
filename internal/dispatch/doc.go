// Package dispatch registers uploaded artifacts and places their first
// message on the class queue.
//
// Dispatch validates the class and the source language, ensures the artifact
// row exists in QUEUED, enqueues a message with a zero retry count and
// publishes a status event. RedispatchStale is the operator-driven recovery
// for artifacts whose worker stopped heartbeating: the queue has no
// visibility timeout, so stuck work only moves when this runs.
package dispatch
