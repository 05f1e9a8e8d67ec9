// Package config reads the ordered key/value configuration a plugin
// receives at creation.
package config

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/reglet-dev/filament-host/domain/entities"
	"github.com/reglet-dev/filament-host/domain/errors"
)

var validate = validator.New()

// GetString extracts a string, returning (value, found).
func GetString(cfg entities.Config, key string) (string, bool) {
	v, ok := cfg.Lookup(key)
	if !ok {
		return "", false
	}
	return v.AsString()
}

// GetUint extracts an unsigned integer. Non-negative signed values are
// accepted too.
func GetUint(cfg entities.Config, key string) (uint64, bool) {
	v, ok := cfg.Lookup(key)
	if !ok {
		return 0, false
	}
	if n, ok := v.AsUint(); ok {
		return n, true
	}
	if n, ok := v.AsInt(); ok && n >= 0 {
		return uint64(n), true
	}
	return 0, false
}

// GetInt extracts a signed integer, handling every integer kind.
func GetInt(cfg entities.Config, key string) (int64, bool) {
	v, ok := cfg.Lookup(key)
	if !ok {
		return 0, false
	}
	if n, ok := v.AsInt(); ok {
		return n, true
	}
	if n, ok := v.AsUint(); ok && n <= 1<<63-1 {
		return int64(n), true
	}
	return 0, false
}

// GetFloat extracts a float, handling integer kinds as well.
func GetFloat(cfg entities.Config, key string) (float64, bool) {
	v, ok := cfg.Lookup(key)
	if !ok {
		return 0, false
	}
	if f, ok := v.AsFloat(); ok {
		return f, true
	}
	if n, ok := v.AsInt(); ok {
		return float64(n), true
	}
	if n, ok := v.AsUint(); ok {
		return float64(n), true
	}
	return 0, false
}

// GetBool extracts a bool, returning (value, found).
func GetBool(cfg entities.Config, key string) (bool, bool) {
	v, ok := cfg.Lookup(key)
	if !ok {
		return false, false
	}
	return v.AsBool()
}

// GetStringSlice extracts a list of strings.
func GetStringSlice(cfg entities.Config, key string) ([]string, bool) {
	v, ok := cfg.Lookup(key)
	if !ok {
		return nil, false
	}
	items, ok := v.AsList()
	if !ok {
		return nil, false
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.AsString()
		if !ok {
			return nil, false
		}
		result = append(result, s)
	}
	return result, true
}

// MustGetString extracts a required string or returns error.
func MustGetString(cfg entities.Config, key string) (string, error) {
	s, ok := GetString(cfg, key)
	if !ok {
		return "", &errors.ConfigError{
			Field: key,
			Err:   fmt.Errorf("required string field '%s' is missing or not a string", key),
		}
	}
	return s, nil
}

// MustGetUint extracts a required unsigned integer or returns error.
func MustGetUint(cfg entities.Config, key string) (uint64, error) {
	n, ok := GetUint(cfg, key)
	if !ok {
		return 0, &errors.ConfigError{
			Field: key,
			Err:   fmt.Errorf("required unsigned field '%s' is missing or not a number", key),
		}
	}
	return n, nil
}

// GetStringDefault extracts a string or returns the default value.
func GetStringDefault(cfg entities.Config, key, defaultValue string) string {
	s, ok := GetString(cfg, key)
	if !ok {
		return defaultValue
	}
	return s
}

// GetUintDefault extracts an unsigned integer or returns the default value.
func GetUintDefault(cfg entities.Config, key string, defaultValue uint64) uint64 {
	n, ok := GetUint(cfg, key)
	if !ok {
		return defaultValue
	}
	return n
}

// GetBoolDefault extracts a bool or returns the default value.
func GetBoolDefault(cfg entities.Config, key string, defaultValue bool) bool {
	b, ok := GetBool(cfg, key)
	if !ok {
		return defaultValue
	}
	return b
}

// ToMap converts cfg into plain Go data. Later duplicates win.
func ToMap(cfg entities.Config) map[string]any {
	m := make(map[string]any, len(cfg))
	for _, p := range cfg {
		m[p.Key] = p.Value.Interface()
	}
	return m
}

// Decode fills the struct pointed to by v from cfg through its json tags
// and checks its validate tags.
func Decode(cfg entities.Config, v any) error {
	data, err := json.Marshal(ToMap(cfg))
	if err != nil {
		return &errors.ConfigError{Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &errors.ConfigError{Err: err}
	}
	if err := validate.Struct(v); err != nil {
		field := ""
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			field = ve[0].Field()
		}
		return &errors.ConfigError{Field: field, Err: err}
	}
	return nil
}
