package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/agentbus/pkg/agentbus/action"
	"github.com/randalmurphal/agentbus/pkg/agentbus/bus"
	"github.com/randalmurphal/agentbus/pkg/agentbus/router"
	"github.com/randalmurphal/agentbus/pkg/agentbus/store"
)

// FromFile loads and validates settings from a file, auto-detecting format
// by extension. Supported extensions: .yaml, .yml, .json
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML settings and validates the recognized sections.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	cfg := New(m)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromJSON parses JSON settings and validates the recognized sections.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	cfg := New(m)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// storeTypes lists the accepted bus.store.type values.
var storeTypes = map[string]bool{"memory": true, "sqlite": true, "none": true}

// Validate checks the recognized bus, router, and actions keys for values
// the components cannot accept. Unrecognized keys pass through untouched so
// hosts can keep their own settings alongside.
func (c Config) Validate() error {
	if t := c.String("bus.store.type", "memory"); !storeTypes[t] {
		return fmt.Errorf("bus.store.type: unknown store type %q", t)
	}

	counts := []string{
		"bus.buffer_size",
		"bus.store.max_events",
		"actions.max_concurrent",
		"actions.history_limit",
		"actions.ledger_limit",
	}
	for _, key := range counts {
		if c.Has(key) && c.Int(key, -1) < 0 {
			return fmt.Errorf("%s: expected a non-negative integer", key)
		}
	}

	durations := []string{"router.base_delay", "actions.default_timeout"}
	for _, key := range durations {
		if c.Has(key) && c.Duration(key, -1) < 0 {
			return fmt.Errorf("%s: expected a duration", key)
		}
	}
	return nil
}

// BusOptions builds bus options from a Config.
//
// Recognized keys:
//
//	bus.namespace    string  transport channel prefix
//	bus.buffer_size  int     per-subscription queue size
//	bus.store.type   string  "memory" (default), "sqlite", or "none"
//	bus.store.path   string  database file, sqlite only
//	bus.store.max_events int retained event cap
func BusOptions(cfg Config) (bus.Options, error) {
	opts := bus.Options{
		Namespace:  cfg.String("bus.namespace", ""),
		BufferSize: cfg.Int("bus.buffer_size", 0),
	}

	maxEvents := cfg.Int("bus.store.max_events", store.DefaultMaxEvents)
	switch cfg.String("bus.store.type", "memory") {
	case "none":
		opts.NoStore = true
	case "sqlite":
		s, err := store.NewSQLite(cfg.String("bus.store.path", "agentbus.db"), maxEvents)
		if err != nil {
			return bus.Options{}, err
		}
		opts.Store = s
	default:
		opts.Store = store.NewMemory(maxEvents)
	}

	return opts, nil
}

// RouterOptions builds router options from a Config.
//
// Recognized keys:
//
//	router.base_delay  duration  unit of the linear retry backoff
//	router.dlq_prefix  string    dead-letter event type prefix
func RouterOptions(cfg Config) router.Options {
	return router.Options{
		BaseDelay: cfg.Duration("router.base_delay", 0),
		DLQPrefix: cfg.String("router.dlq_prefix", ""),
	}
}

// RegistryOptions builds action registry options from a Config.
//
// Recognized keys:
//
//	actions.max_concurrent  int  running execution ceiling
//	actions.history_limit   int  retained execution cap
//	actions.ledger_limit    int  rollback ledger cap
func RegistryOptions(cfg Config) action.Options {
	return action.Options{
		MaxConcurrent: cfg.Int("actions.max_concurrent", 0),
		HistoryLimit:  cfg.Int("actions.history_limit", 0),
		LedgerLimit:   cfg.Int("actions.ledger_limit", 0),
	}
}

// DefaultTimeout reads the "actions.default_timeout" key, falling back to
// the given duration. Applied to registered actions that omit a timeout.
func DefaultTimeout(cfg Config, fallback time.Duration) time.Duration {
	return cfg.Duration("actions.default_timeout", fallback)
}
