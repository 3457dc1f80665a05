package config

import (
	"time"
)

// OptString returns Options[key] if it is a string, else "".
func (e ProviderEntry) OptString(key string) string {
	if e.Options == nil {
		return ""
	}
	s, _ := e.Options[key].(string)
	return s
}

// OptInt returns Options[key] as an int. YAML numbers decode as int or float64;
// both are accepted. Missing or mistyped values return def.
func (e ProviderEntry) OptInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// OptBool returns Options[key] if it is a bool, else def.
func (e ProviderEntry) OptBool(key string, def bool) bool {
	if b, ok := e.Options[key].(bool); ok {
		return b
	}
	return def
}

// OptDuration parses Options[key] with [time.ParseDuration]. A bare number is
// read as milliseconds. Missing or unparsable values return def.
func (e ProviderEntry) OptDuration(key string, def time.Duration) time.Duration {
	switch v := e.Options[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	}
	return def
}
