// Package config provides centralized configuration management for the
// PhaseForge runtime. It loads a single JSON file at startup, applies
// defaults relative to the config location, and exposes typed accessors
// for downstream services.
package config
