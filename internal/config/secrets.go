package config

import (
	"os"
	"strings"
)

// Source looks up configuration values by key. EnvSource reads the process
// environment; MapSource is used in tests.
type Source interface {
	Lookup(key string) (string, bool)
}

// EnvSource reads from os.LookupEnv.
type EnvSource struct{}

// Lookup implements Source.
func (EnvSource) Lookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// MapSource is a fixed set of values.
type MapSource map[string]string

// Lookup implements Source.
func (m MapSource) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// Secret is a resolved secret value and the key it was read from.
type Secret struct {
	Value string
	Key   string
}

// Migrated reports whether the value came from a legacy key.
func (s Secret) Migrated(current string) bool {
	return s.Value != "" && s.Key != current
}

// ResolveSecret reads key from src, falling back to each legacy key in
// order. Values are trimmed and blank values count as missing. The returned
// Secret names the key that supplied the value so callers can warn about
// legacy names still in use.
func ResolveSecret(src Source, key string, legacy ...string) Secret {
	for _, k := range append([]string{key}, legacy...) {
		v, ok := src.Lookup(k)
		if !ok {
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			return Secret{Value: v, Key: k}
		}
	}
	return Secret{}
}
