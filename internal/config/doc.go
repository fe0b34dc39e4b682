// Package config provides centralized configuration management for the
// advisor daemon, loading a JSON configuration file and filling in
// sensible defaults for every component that is left unconfigured.
package config
