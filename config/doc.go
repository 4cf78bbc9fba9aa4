// Package config loads the DreamForge service configuration from
// defaults, an optional YAML file, and DREAMFORGE_* environment
// variables, in that order of precedence.
package config
