// Package config loads the rpcctl TOML file into pool and socket settings.
//
// Ownership boundary:
// - file decoding and per-key overrides onto package defaults
// - cross-section validation
// - no runtime state; callers build pools and connections from the result
package config
