// Package config loads and validates the M-Bus bridge configuration.
//
// Configuration comes from a YAML file with hardcoded defaults underneath
// and MBUSBRIDGE_* environment variables on top. The loaded Config is an
// immutable snapshot: components hold a reference and never see partial
// updates.
package config
