package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LSPC_"

// LookupFunc looks up an environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// envMapping maps environment variables to the settings they override.
var envMapping = map[string]func(c *Config, v string) error{
	EnvPrefix + "LOG_LEVEL": func(c *Config, v string) error {
		c.Log.Level = strings.ToLower(v)
		return nil
	},
	EnvPrefix + "LOG_FORMAT": func(c *Config, v string) error {
		c.Log.Format = strings.ToLower(v)
		return nil
	},
	EnvPrefix + "REQUEST_TIMEOUT":  durationSetter(func(c *Config) *Duration { return &c.RequestTimeout }),
	EnvPrefix + "TICK_INTERVAL":    durationSetter(func(c *Config) *Duration { return &c.TickInterval }),
	EnvPrefix + "SHUTDOWN_TIMEOUT": durationSetter(func(c *Config) *Duration { return &c.ShutdownTimeout }),
	EnvPrefix + "MAX_SERVERS": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.MaxServers = n
		return nil
	},
}

func durationSetter(field func(c *Config) *Duration) func(c *Config, v string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = Duration(d)
		return nil
	}
}

// EnvVars returns the names of the supported environment overrides, sorted.
func EnvVars() []string {
	names := make([]string, 0, len(envMapping))
	for name := range envMapping {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyEnv overrides cfg with the environment variables lookup finds.
// Empty values are treated as unset.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	for _, name := range EnvVars() {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := envMapping[name](cfg, strings.TrimSpace(v)); err != nil {
			return &ValidationError{Field: name, Message: fmt.Sprintf("bad value %q", v), Err: err}
		}
	}
	return nil
}
