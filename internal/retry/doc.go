// Package retry routes failed messages either back onto their queue after an
// exponential delay or into the dead-letter store once the attempt budget is
// spent.
//
// The Manager owns three flows:
//   - HandleFailure, called by workers with the message that failed
//   - Sweep and RunSweeper, which release due retries to their original queue
//     and purge expired dead-letter records
//   - Requeue and CancelRetry, the operator actions exposed by the admin
//     surface and CLI
//
// Retry state lives in the queue backend. Artifact state lives in the store;
// the manager keeps the two in step and signals the completion coordinator
// whenever an artifact becomes terminal.
package retry
