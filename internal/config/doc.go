// Package config loads, normalizes, and validates casegraph configuration.
//
// The canonical source is a TOML file that maps onto the Config struct. Load
// merges user input with repository defaults, expands paths (including ~),
// applies environment overrides for secrets, and rejects invalid combinations
// before any component starts. Helpers such as EnsureDirectories and
// CreateSample keep the CLI and worker processes aligned on the same on-disk
// layout.
//
// Workers, the sweeper and the admin server all read the same file, so a
// single config describes one deployment: which store, which queue backend,
// which graph sink and which model provider.
package config
