// Package config loads lspc configuration.
//
// Configuration is read from a TOML or YAML file, chosen by extension, and
// then overridden by LSPC_-prefixed environment variables:
//
//	request_timeout = "10s"
//
//	[log]
//	level = "debug"
//	format = "json"
//
//	[servers.rust]
//	command = ["rust-analyzer"]
//	root_markers = ["Cargo.toml"]
//	tab_size = 4
//
//	[servers.go]
//	command = ["gopls", "serve"]
//	root_markers = ["go.mod", "go.work"]
//	insert_spaces = false
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/dshills/lspc/internal/lsp"
)

// Default values.
const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Errors returned by Validate.
var (
	ErrNoCommand     = errors.New("server has no command")
	ErrNoRootMarkers = errors.New("server has no root markers")
	ErrUnknownFormat = errors.New("unknown config format")
)

// Config is the complete lspc configuration.
type Config struct {
	Log             Log               `toml:"log" yaml:"log"`
	RequestTimeout  Duration          `toml:"request_timeout" yaml:"request_timeout"`
	TickInterval    Duration          `toml:"tick_interval" yaml:"tick_interval"`
	ShutdownTimeout Duration          `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxServers      int               `toml:"max_servers" yaml:"max_servers"`
	Servers         map[string]Server `toml:"servers" yaml:"servers"`
}

// Log configures the logger.
type Log struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" yaml:"level"`
	// Format is console or json.
	Format string `toml:"format" yaml:"format"`
}

// Server describes how to run the language server for one language.
type Server struct {
	// Command is the executable followed by its arguments.
	Command []string `toml:"command" yaml:"command" json:"command"`

	// RootMarkers name files or directories that mark a project root.
	RootMarkers []string `toml:"root_markers" yaml:"root_markers" json:"root_markers"`

	TabSize      uint32 `toml:"tab_size" yaml:"tab_size" json:"tab_size"`
	InsertSpaces *bool  `toml:"insert_spaces" yaml:"insert_spaces" json:"insert_spaces"`

	InitializationOptions map[string]any    `toml:"initialization_options" yaml:"initialization_options" json:"initialization_options"`
	Env                   map[string]string `toml:"env" yaml:"env" json:"env"`
}

// LSP converts s to the engine's server configuration.
func (s Server) LSP() lsp.ServerConfig {
	settings := lsp.DefaultSettings()
	if s.TabSize > 0 {
		settings.TabSize = s.TabSize
	}
	if s.InsertSpaces != nil {
		settings.InsertSpaces = *s.InsertSpaces
	}

	cfg := lsp.ServerConfig{
		RootMarkers: s.RootMarkers,
		Env:         s.Env,
		Settings:    settings,
	}
	if len(s.Command) > 0 {
		cfg.Command = s.Command[0]
		cfg.Args = s.Command[1:]
	}
	if s.InitializationOptions != nil {
		cfg.InitializationOptions = s.InitializationOptions
	}
	return cfg
}

// Validate checks a single server entry.
func (s Server) Validate() error {
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return ErrNoCommand
	}
	if len(s.RootMarkers) == 0 {
		return ErrNoRootMarkers
	}
	return nil
}

// Default returns a configuration with no servers.
func Default() *Config {
	return &Config{
		Log:             Log{Level: DefaultLogLevel, Format: DefaultLogFormat},
		RequestTimeout:  Duration(lsp.DefaultRequestTimeout),
		TickInterval:    Duration(lsp.DefaultTickInterval),
		ShutdownTimeout: Duration(lsp.DefaultShutdownTimeout),
		Servers:         make(map[string]Server),
	}
}

// Load reads the file at path, applies environment overrides and validates
// the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := Parse(path, data, cfg); err != nil {
			return nil, err
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data into cfg. The format is chosen by the extension of
// path: .toml, .yaml or .yml. Unknown keys are errors, which also catches
// a top-level key written below a table header.
func Parse(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			perr := &ParseError{Path: path, Message: err.Error(), Err: err}
			var derr *toml.DecodeError
			var serr *toml.StrictMissingError
			switch {
			case errors.As(err, &derr):
				perr.Line, perr.Column = derr.Position()
			case errors.As(err, &serr) && len(serr.Errors) > 0:
				perr.Line, perr.Column = serr.Errors[0].Position()
				perr.Message = "unknown key " + strings.Join(serr.Errors[0].Key(), ".")
			}
			return perr
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return &ParseError{Path: path, Message: err.Error(), Err: err}
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	return nil
}

func (c *Config) fillDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = Duration(lsp.DefaultRequestTimeout)
	}
	if c.TickInterval <= 0 {
		c.TickInterval = Duration(lsp.DefaultTickInterval)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = Duration(lsp.DefaultShutdownTimeout)
	}
	if c.Servers == nil {
		c.Servers = make(map[string]Server)
	}
}

// Validate checks the whole configuration. Server errors are reported for
// every bad entry, in language order.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, &ValidationError{Field: "log.format", Message: fmt.Sprintf("unknown format %q", c.Log.Format)})
	}
	if c.MaxServers < 0 {
		errs = append(errs, &ValidationError{Field: "max_servers", Message: "must not be negative"})
	}

	for _, lang := range c.Languages() {
		if err := c.Servers[lang].Validate(); err != nil {
			errs = append(errs, &ValidationError{Field: "servers." + lang, Message: err.Error(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// Languages returns the configured language ids, sorted.
func (c *Config) Languages() []string {
	langs := make([]string, 0, len(c.Servers))
	for lang := range c.Servers {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// Server returns the engine configuration for lang.
func (c *Config) Server(lang string) (lsp.ServerConfig, bool) {
	s, ok := c.Servers[lang]
	if !ok {
		return lsp.ServerConfig{}, false
	}
	return s.LSP(), true
}

// Duration is a time.Duration written as a string such as "1.5s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}
