package gateway

import (
	"os"

	"github.com/reglet-dev/filament-host/domain/ports"
)

// OSEnv reads the host process environment.
type OSEnv struct{}

var _ ports.EnvSource = OSEnv{}

func (OSEnv) LookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// MapEnv is a fixed environment, mostly for tests.
type MapEnv map[string]string

func (m MapEnv) LookupEnv(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}
