// Package config loads the relay configuration from a YAML file, an optional
// .env file and environment overrides. The resolved Config is immutable and is
// passed into constructors at startup.
package config
