// Package defaults provides the embedded default configuration file
// for the taurus init subcommand.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte
