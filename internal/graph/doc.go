// Package graph writes the knowledge graph.
//
// Every write merges on its key: a node is identified by its key, an edge by
// (source, target, type). Re-running the same writes leaves the graph
// unchanged, which is what lets independent workers contribute fragments
// without coordination. SQLSink stores the graph in the store database;
// SurrealSink writes to SurrealDB.
package graph
