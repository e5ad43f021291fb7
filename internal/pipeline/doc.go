// Package pipeline defines the closed set of artifact classes, the fixed
// stage list of each class and the executor contract the worker runtime
// drives.
//
// Stage tables are compile-time data: a class maps to an ordered slice of
// stages and the Registry binds one Executor to every (class, stage) pair.
// Workers call Registry.Validate at startup so a missing executor fails the
// process instead of the first artifact.
package pipeline
