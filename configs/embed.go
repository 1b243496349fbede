// Package configs provides embedded configuration templates for docpilot.
//
// Templates are embedded at build time with go:embed so they ship in
// every distribution, source builds included. 'docpilot config init'
// writes the template to ~/.docpilot/config.yaml.
package configs

import _ "embed"

// ConfigTemplate is the annotated default configuration file.
//
//go:embed docpilot.example.yaml
var ConfigTemplate string
