// Package status publishes artifact state changes.
//
// Publishing is best-effort: the durable store is the source of truth and a
// lost event never affects processing. Hub keeps a bounded in-memory buffer
// that pollers read with Fetch; RedisPublisher fans events out over a Redis
// channel and Relay feeds that channel back into a Hub in another process.
package status
