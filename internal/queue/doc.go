// Package queue implements the work queue, the delayed-retry schedule and
// the dead-letter store.
//
// Messages travel as JSON and are validated against a JSON Schema when
// decoded. Each class has its own list (queue:<class>); a popped message is
// delivered to exactly one consumer and there is no visibility timeout.
// Retries wait in a set ordered by release time until the sweeper claims
// them. Dead letters are keyed by (job_id, artifact_id) and expire after the
// configured retention.
//
// Two backends implement Backend: Redis lists, sorted sets and expiring keys,
// or SQL tables sharing the store connection.
package queue
