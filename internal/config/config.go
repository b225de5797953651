// Package config loads FleetHub configuration with viper and exposes it to
// modules through plugin.Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/HerbHall/fleethub/pkg/plugin"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// FLEETHUB_SERVER_PORT overrides server.port.
const EnvPrefix = "FLEETHUB"

// Compile-time interface guard.
var _ plugin.Config = (*ViperConfig)(nil)

// ViperConfig adapts a *viper.Viper to plugin.Config. A nil viper behaves
// as an empty configuration. Sections returned by Sub keep reading through
// the root viper so environment overrides still apply to them.
type ViperConfig struct {
	v      *viper.Viper
	prefix string
}

// New wraps v. Passing nil yields an empty configuration.
func New(v *viper.Viper) *ViperConfig {
	if v == nil {
		v = viper.New()
	}
	return &ViperConfig{v: v}
}

// Load reads configuration from path (if non-empty), applies defaults and
// enables environment overrides.
func Load(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("fleethub")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fleethub")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// SetDefaults registers defaults for the server-wide keys.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.rate_limit.rps", 50.0)
	v.SetDefault("server.rate_limit.burst", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Module-specific keys are defaulted by each module's DefaultConfig;
	// viper drops defaults from a subtree once a file sets any key in it.
	for _, name := range []string{"hub", "session", "command", "telemetry"} {
		v.SetDefault("modules."+name+".enabled", true)
	}
}

func (c *ViperConfig) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + "." + k
}

// GetString returns the value associated with the key as a string.
func (c *ViperConfig) GetString(key string) string { return c.v.GetString(c.key(key)) }

// GetInt returns the value associated with the key as an int.
func (c *ViperConfig) GetInt(key string) int { return c.v.GetInt(c.key(key)) }

// GetBool returns the value associated with the key as a bool.
func (c *ViperConfig) GetBool(key string) bool { return c.v.GetBool(c.key(key)) }

// GetFloat64 returns the value associated with the key as a float64.
func (c *ViperConfig) GetFloat64(key string) float64 { return c.v.GetFloat64(c.key(key)) }

// GetDuration returns the value associated with the key as a duration.
func (c *ViperConfig) GetDuration(key string) time.Duration { return c.v.GetDuration(c.key(key)) }

// GetStringSlice returns the value associated with the key as a string slice.
func (c *ViperConfig) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(c.key(key))
}

// IsSet reports whether the key has a value.
func (c *ViperConfig) IsSet(key string) bool { return c.v.IsSet(c.key(key)) }

// Sub returns the section rooted at key. A missing section yields an empty
// configuration rather than nil.
func (c *ViperConfig) Sub(key string) plugin.Config {
	return &ViperConfig{v: c.v, prefix: c.key(key)}
}

// Unmarshal decodes the whole section into target using mapstructure tags.
// For a section, file and default values are merged with any
// FLEETHUB_<SECTION>_<KEY> environment variables.
func (c *ViperConfig) Unmarshal(target any) error {
	if c.prefix == "" {
		return c.v.Unmarshal(target)
	}
	section := viper.New()
	if sub := c.v.Sub(c.prefix); sub != nil {
		if err := section.MergeConfigMap(sub.AllSettings()); err != nil {
			return fmt.Errorf("merge section %q: %w", c.prefix, err)
		}
	}
	for key, value := range c.envOverrides(section.AllKeys()) {
		section.Set(key, value)
	}
	return section.Unmarshal(target)
}

// envOverrides collects environment variables under the section's prefix.
// A variable maps onto a known nested key when its underscored form
// matches, otherwise onto the flat lower-cased key.
func (c *ViperConfig) envOverrides(known []string) map[string]string {
	replacer := strings.NewReplacer(".", "_")
	byEnv := make(map[string]string, len(known))
	for _, k := range known {
		byEnv[strings.ToUpper(replacer.Replace(k))] = k
	}

	want := EnvPrefix + "_" + strings.ToUpper(replacer.Replace(c.prefix)) + "_"
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, want) {
			continue
		}
		rest := strings.TrimPrefix(name, want)
		if rest == "" {
			continue
		}
		if k, ok := byEnv[rest]; ok {
			out[k] = value
			continue
		}
		out[strings.ToLower(rest)] = value
	}
	return out
}
