// Package testsupport provides helpers shared by casegraph package tests:
// temp-dir configs, opened stores, in-process Redis, fake executors, a
// manual clock and gated testcontainers helpers.
package testsupport
