package config

import (
	"strings"
	"time"
)

// Config wraps a map[string]any for type-safe value extraction. Keys may
// be dot paths ("bus.store.type") reaching through nested sections.
// Accessors return the supplied default when the path is missing or the
// value cannot be converted to the requested type.
type Config struct {
	data map[string]any
}

// New creates a Config from the given map.
// If data is nil, an empty Config is returned.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// resolve walks a dot-separated key through nested sections. A key
// containing no dot is a plain map lookup.
func (c Config) resolve(key string) (any, bool) {
	node := c.data
	for {
		head, rest, nested := strings.Cut(key, ".")
		v, ok := node[head]
		if !ok {
			return nil, false
		}
		if !nested {
			return v, true
		}
		if node = toMap(v); node == nil {
			return nil, false
		}
		key = rest
	}
}

// toMap normalizes a nested section value, accepting the map[any]any form
// some YAML decoders emit. Non-map values yield nil.
func toMap(v any) map[string]any {
	switch val := v.(type) {
	case map[string]any:
		return val
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			if s, ok := k.(string); ok {
				m[s] = item
			}
		}
		return m
	}
	return nil
}

// String returns the string at key, or defaultVal if missing or not a string.
func (c Config) String(key, defaultVal string) string {
	if v, ok := c.resolve(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// Duration returns the duration at key, or defaultVal if missing or invalid.
//
// Accepts:
//   - string: parsed with time.ParseDuration
//   - int, int64, float64: interpreted as seconds
//   - time.Duration: used directly
func (c Config) Duration(key string, defaultVal time.Duration) time.Duration {
	v, ok := c.resolve(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case float64:
		return time.Duration(val * float64(time.Second))
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case time.Duration:
		return val
	}
	return defaultVal
}

// Bool returns the boolean at key, or defaultVal if missing or not a bool.
func (c Config) Bool(key string, defaultVal bool) bool {
	if v, ok := c.resolve(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}

// Int returns the integer at key, or defaultVal if missing or not convertible.
//
// Accepts:
//   - int: used directly
//   - int64: converted to int
//   - float64: converted to int (only if no fractional part)
func (c Config) Int(key string, defaultVal int) int {
	v, ok := c.resolve(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		// Only convert if there's no fractional part
		if val == float64(int(val)) {
			return int(val)
		}
	}
	return defaultVal
}

// Float returns the float64 at key, or defaultVal if missing or not convertible.
func (c Config) Float(key string, defaultVal float64) float64 {
	v, ok := c.resolve(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return defaultVal
}

// StringSlice returns the string slice at key, or defaultVal if missing or
// not convertible.
//
// Accepts:
//   - []string: used directly
//   - []any: each element must be a string, otherwise the default is returned
func (c Config) StringSlice(key string, defaultVal []string) []string {
	v, ok := c.resolve(key)
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		result := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			result = append(result, s)
		}
		return result
	}
	return defaultVal
}

// Section returns the nested Config at key. A missing or non-map value
// yields an empty Config, so chained lookups fall through to defaults.
func (c Config) Section(key string) Config {
	if v, ok := c.resolve(key); ok {
		if m := toMap(v); m != nil {
			return New(m)
		}
	}
	return New(nil)
}

// Any returns the raw value at key, or defaultVal if missing.
func (c Config) Any(key string, defaultVal any) any {
	if v, ok := c.resolve(key); ok {
		return v
	}
	return defaultVal
}

// Has returns true if the key resolves to a value.
func (c Config) Has(key string) bool {
	_, ok := c.resolve(key)
	return ok
}

// Raw returns the underlying map.
// The returned map should not be modified.
func (c Config) Raw() map[string]any {
	return c.data
}
