// Package config layers the object manager's runtime settings over a
// single viper instance: defaults registered at startup, overridable by
// a YAML config file or environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// v is the package-wide viper instance. Initialize must be called once
// before any Get* function is used; RegisterCacheManagerDefaults and
// RegisterStoreDefaults seed it with the object manager's defaults.
var v *viper.Viper

// Initialize creates the package's viper instance, registers every
// component's defaults, and optionally loads configPath if non-empty.
// Environment variables are read with the "SGROBJ_" prefix, dots and
// dashes replaced by underscores (e.g. SGROBJ_CACHE_SIZE_BYTES).
func Initialize(configPath string) error {
	v = viper.New()
	v.SetEnvPrefix("SGROBJ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	RegisterCacheManagerDefaults()
	RegisterStoreDefaults()

	if configPath == "" {
		return nil
	}
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", configPath, err)
	}
	return nil
}

// GetString returns a string config value.
func GetString(key string) string { return v.GetString(key) }

// GetInt returns an int config value.
func GetInt(key string) int { return v.GetInt(key) }

// GetInt64 returns an int64 config value.
func GetInt64(key string) int64 { return v.GetInt64(key) }

// GetFloat64 returns a float64 config value.
func GetFloat64(key string) float64 { return v.GetFloat64(key) }

// GetDuration returns a time.Duration config value.
func GetDuration(key string) time.Duration { return v.GetDuration(key) }
