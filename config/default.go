// Package config embeds the default bridge configuration.
package config

import _ "embed"

// Default is the built-in configuration merged beneath any user file.
//
//go:embed default.yaml
var Default []byte
