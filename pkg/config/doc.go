// Package config implements the engine's configuration surface: a typed
// Options struct rather than a generic string-keyed property map, populated
// in layers (defaults, YAML file, WEAVERDB_ environment variables, CLI
// flags).
//
//	opts, err := config.Load("/etc/weaverdb/weaverdb.yaml")
//	config.BindFlags(rootCmd)
//	config.ApplyFlags(rootCmd, &opts)
package config
