// Package config loads the host configuration from YAML and FILAMENT_*
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/filament-host/domain/entities"
	ferrors "github.com/reglet-dev/filament-host/domain/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FILAMENT_"

// HostConfig is the full host configuration.
type HostConfig struct {
	Log     LogConfig     `yaml:"log"`
	Limits  LimitsConfig  `yaml:"limits"`
	Gateway GatewayConfig `yaml:"gateway"`
	Storage StorageConfig `yaml:"storage"`
}

// LogConfig selects the host log handler.
type LogConfig struct {
	Format string `yaml:"format" validate:"oneof=json text"`
	Level  string `yaml:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

// LimitsConfig holds the host limits and per-turn defaults.
type LimitsConfig struct {
	ArenaBytes        uint64        `yaml:"arena_bytes" validate:"gte=67108864"`
	MaxGraphNodes     uint64        `yaml:"max_graph_nodes" validate:"gte=4096"`
	MaxBlobBytes      uint64        `yaml:"max_blob_bytes" validate:"gt=0"`
	TimeLimit         time.Duration `yaml:"time_limit" validate:"gt=0"`
	MaxRecursionDepth uint32        `yaml:"max_recursion_depth" validate:"gte=64"`
	MaxEventBytes     uint32        `yaml:"max_event_bytes" validate:"gt=0"`
	MaxLogBytes       uint32        `yaml:"max_log_bytes" validate:"gt=0"`
}

// GatewayConfig tunes service resolution.
type GatewayConfig struct {
	HTTPTimeout          time.Duration `yaml:"http_timeout" validate:"gt=0"`
	HTTPMaxBodyBytes     int64         `yaml:"http_max_body_bytes" validate:"gt=0"`
	Rate                 float64       `yaml:"rate" validate:"gt=0"`
	Workers              int           `yaml:"workers" validate:"gte=1,lte=1024"`
	Burst                int           `yaml:"burst" validate:"gte=1"`
	AllowPrivateNetworks bool          `yaml:"allow_private_networks"`
}

// StorageConfig selects optional backends. Empty values keep the
// in-process defaults.
type StorageConfig struct {
	RedisAddr   string `yaml:"redis_addr" validate:"omitempty,hostname_port"`
	RedisPrefix string `yaml:"redis_prefix"`
	ArchivePath string `yaml:"archive_path"`
	GrantsPath  string `yaml:"grants_path"`
}

// Default returns the configuration used when nothing is set.
func Default() HostConfig {
	return HostConfig{
		Log: LogConfig{Format: "json", Level: "info"},
		Limits: LimitsConfig{
			ArenaBytes:        entities.MinArenaBytes,
			MaxRecursionDepth: entities.MinRecursion,
			MaxGraphNodes:     entities.MinGraphNodes,
			MaxBlobBytes:      64 * 1024 * 1024,
			TimeLimit:         100 * time.Millisecond,
			MaxEventBytes:     1024 * 1024,
			MaxLogBytes:       4 * 1024,
		},
		Gateway: GatewayConfig{
			HTTPTimeout:      30 * time.Second,
			HTTPMaxBodyBytes: 10 * 1024 * 1024,
			Rate:             100,
			Workers:          4,
			Burst:            10,
		},
		Storage: StorageConfig{RedisPrefix: "filament"},
	}
}

// HostInfo returns what the host advertises to plugins.
func (c HostConfig) HostInfo() entities.HostInfo {
	info := entities.DefaultHostInfo()
	info.MaxArenaBytes = c.Limits.ArenaBytes
	info.MaxRecursionDepth = c.Limits.MaxRecursionDepth
	info.MaxGraphNodes = c.Limits.MaxGraphNodes
	return info
}

var validate = validator.New()

// Validate checks every field. The first failure is reported as a
// *errors.ConfigError naming the field.
func (c HostConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ferrors.ConfigError{
			Field: fe.Namespace(),
			Err:   fmt.Errorf("failed on %q (value %v)", fe.Tag(), fe.Value()),
		}
	}
	return &ferrors.ConfigError{Err: err}
}

// Load reads path (optional) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (HostConfig, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (HostConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, &ferrors.ConfigError{Field: "path", Err: err}
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := applyEnv(&cfg, lookup); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML into cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *HostConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return &ferrors.ConfigError{Field: "yaml", Err: err}
	}
	return nil
}

type envSetter func(cfg *HostConfig, v string) error

var envOverrides = map[string]envSetter{
	"LOG_FORMAT": func(c *HostConfig, v string) error { c.Log.Format = v; return nil },
	"LOG_LEVEL":  func(c *HostConfig, v string) error { c.Log.Level = v; return nil },
	"ARENA_BYTES": func(c *HostConfig, v string) error {
		return parseUint(v, &c.Limits.ArenaBytes)
	},
	"MAX_BLOB_BYTES": func(c *HostConfig, v string) error {
		return parseUint(v, &c.Limits.MaxBlobBytes)
	},
	"TIME_LIMIT": func(c *HostConfig, v string) error {
		return parseDuration(v, &c.Limits.TimeLimit)
	},
	"MAX_EVENT_BYTES": func(c *HostConfig, v string) error {
		return parseUint32(v, &c.Limits.MaxEventBytes)
	},
	"MAX_LOG_BYTES": func(c *HostConfig, v string) error {
		return parseUint32(v, &c.Limits.MaxLogBytes)
	},
	"MAX_RECURSION_DEPTH": func(c *HostConfig, v string) error {
		return parseUint32(v, &c.Limits.MaxRecursionDepth)
	},
	"GATEWAY_WORKERS": func(c *HostConfig, v string) error {
		n, err := strconv.Atoi(v)
		c.Gateway.Workers = n
		return err
	},
	"GATEWAY_RATE": func(c *HostConfig, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		c.Gateway.Rate = f
		return err
	},
	"HTTP_TIMEOUT": func(c *HostConfig, v string) error {
		return parseDuration(v, &c.Gateway.HTTPTimeout)
	},
	"ALLOW_PRIVATE_NETWORKS": func(c *HostConfig, v string) error {
		b, err := strconv.ParseBool(v)
		c.Gateway.AllowPrivateNetworks = b
		return err
	},
	"REDIS_ADDR":   func(c *HostConfig, v string) error { c.Storage.RedisAddr = v; return nil },
	"REDIS_PREFIX": func(c *HostConfig, v string) error { c.Storage.RedisPrefix = v; return nil },
	"ARCHIVE_PATH": func(c *HostConfig, v string) error { c.Storage.ArchivePath = v; return nil },
	"GRANTS_PATH":  func(c *HostConfig, v string) error { c.Storage.GrantsPath = v; return nil },
}

func applyEnv(cfg *HostConfig, lookup func(string) (string, bool)) error {
	for name, set := range envOverrides {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			continue
		}
		if err := set(cfg, v); err != nil {
			return &ferrors.ConfigError{Field: EnvPrefix + name, Err: err}
		}
	}
	return nil
}

func parseUint(v string, dst *uint64) error {
	n, err := strconv.ParseUint(v, 10, 64)
	if err == nil {
		*dst = n
	}
	return err
}

func parseUint32(v string, dst *uint32) error {
	n, err := strconv.ParseUint(v, 10, 32)
	if err == nil {
		*dst = uint32(n)
	}
	return err
}

func parseDuration(v string, dst *time.Duration) error {
	d, err := time.ParseDuration(v)
	if err == nil {
		*dst = d
	}
	return err
}
