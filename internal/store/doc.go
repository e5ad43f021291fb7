// Package store persists cases, jobs, artifacts, stage outputs, entities and
// relationships.
//
// The artifact row is the single source of truth for processing ownership.
// ClaimArtifact stamps an attempt token with a conditional update, and every
// later mutation made by a worker is guarded by that token plus the
// PROCESSING status. A false return from a guarded method means the caller
// lost ownership and must stop without further side effects.
//
// Lookups return nil, nil when the row does not exist.
package store
