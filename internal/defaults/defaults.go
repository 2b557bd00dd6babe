// Package defaults provides the embedded example configuration written
// by the vektra init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration file.
//
//go:embed config.example.yaml
var ConfigYAML []byte
