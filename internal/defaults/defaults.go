// Package defaults provides the embedded example configuration for the
// steward init subcommand.
package defaults

import _ "embed"

// ConfigYAML is a commented example config.yaml.
//
//go:embed config.example.yaml
var ConfigYAML []byte
