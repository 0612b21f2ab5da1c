// Package config loads, normalizes, and validates coursebuild configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// OPENROUTER_API_KEY. A `.env` file next to the config file is loaded first so
// secrets can live outside the TOML. The Config type centralizes every knob the
// daemon and CLI need: state directories, retry policy, stage timeouts,
// notification routing, and the generation backend.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
