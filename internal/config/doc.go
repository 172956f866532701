// Package config loads the engine's YAML configuration. ${VAR} references
// expand from the environment before parsing, duration fields accept Go
// duration strings, and anything unset falls back to an operational default.
package config
