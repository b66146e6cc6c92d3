/*
Package config reads agentbus settings from map[string]any data.

# Overview

Config wraps a map[string]any and provides typed accessor methods that
handle missing keys and type mismatches gracefully by returning default
values. This avoids verbose type assertions when reading YAML/JSON
structures. Keys may be dot paths reaching through nested sections:

	cfg.String("bus.store.type", "memory")

# Basic Usage

Create a Config from any map and extract values with defaults:

	cfg := config.New(map[string]any{
	    "timeout": "30s",
	    "retries": 3,
	    "enabled": true,
	})

	timeout := cfg.Duration("timeout", 10*time.Second) // 30s
	retries := cfg.Int("retries", 5)                   // 3
	enabled := cfg.Bool("enabled", false)              // true
	missing := cfg.String("missing", "default")        // "default"

Nested sections can also be addressed explicitly:

	buffer := cfg.Section("bus").Int("buffer_size", 256)

# File Loading

Load from YAML or JSON files. The loaders validate the recognized bus,
router, and actions keys: unknown store types, negative counts, and
malformed durations are rejected at load time instead of surfacing as
silent fallbacks later:

	cfg, err := config.FromFile("agentbus.yaml")
	if err != nil {
	    log.Fatal(err)
	}

Unrecognized keys pass through untouched, so hosts can keep their own
settings in the same file.

# Component Options

BusOptions, RouterOptions, and RegistryOptions translate the recognized
keys into component option structs, leaving zero values where the config
is silent so each component applies its own defaults:

	busOpts, err := config.BusOptions(cfg)
	routerOpts := config.RouterOptions(cfg)
	registryOpts := config.RegistryOptions(cfg)

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation. However, if the original map is modified
externally, behavior is undefined.
*/
package config
