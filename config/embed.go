// Package config provides the embedded default configuration for chatemu.
package config

import (
	_ "embed"
)

// DefaultConfigYAML contains the embedded default configuration in YAML format.
// It is written by "chatemu config create".
//
//go:embed config.default.yaml
var DefaultConfigYAML []byte
