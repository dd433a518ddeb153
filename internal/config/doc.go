// Package config loads worker configuration from defaults, an optional YAML
// file and TASKQ_* environment variables, and validates the result before any
// component is constructed.
package config
