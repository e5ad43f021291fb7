// Package admin serves the operator HTTP API: queue depths, dead-letter
// replay, retry cancellation, job and case views, and the status stream as
// both a long-poll endpoint and a websocket.
//
// Routes under /api require a bearer token when one is configured.
// /healthz is always open so supervisors can check the process.
package admin
