// Package api defines the transport types shared by the admin HTTP server and
// the CLI, and the Service that answers operator queries with them.
//
// # Key Types
//
// Job, Artifact and JobDetail mirror store records. DeadLetter and
// ScheduledRetry mirror queue records. QueueOverview reports depth per class
// plus the number of scheduled retries.
//
// # Design Notes
//
// JSON tags use snake_case to match the status event payload. Timestamps use
// RFC3339 with milliseconds in UTC. Stage outputs are not exposed.
package api
