package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lspc/internal/lsp"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const tomlConfig = `
request_timeout = "10s"
max_servers = 4

[log]
level = "debug"
format = "json"

[servers.rust]
command = ["rust-analyzer"]
root_markers = ["Cargo.toml"]
tab_size = 2

[servers.go]
command = ["gopls", "serve"]
root_markers = ["go.mod", "go.work"]
insert_spaces = false

[servers.go.env]
GOFLAGS = "-mod=mod"

[servers.go.initialization_options]
staticcheck = true
`

const yamlConfig = `
request_timeout: 10s
max_servers: 4
log:
  level: debug
  format: json
servers:
  rust:
    command: [rust-analyzer]
    root_markers: [Cargo.toml]
    tab_size: 2
  go:
    command: [gopls, serve]
    root_markers: [go.mod, go.work]
    insert_spaces: false
    env:
      GOFLAGS: -mod=mod
    initialization_options:
      staticcheck: true
`

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		content string
	}{
		{name: "toml", path: "lspc.toml", content: tomlConfig},
		{name: "yaml", path: "lspc.yaml", content: yamlConfig},
		{name: "yml", path: "lspc.yml", content: yamlConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, Parse(tt.path, []byte(tt.content), cfg))

			assert.Equal(t, "debug", cfg.Log.Level)
			assert.Equal(t, "json", cfg.Log.Format)
			assert.Equal(t, 10*time.Second, cfg.RequestTimeout.Std())
			assert.Equal(t, lsp.DefaultTickInterval, cfg.TickInterval.Std())
			assert.Equal(t, 4, cfg.MaxServers)
			assert.Equal(t, []string{"go", "rust"}, cfg.Languages())

			rust := cfg.Servers["rust"]
			assert.Equal(t, []string{"rust-analyzer"}, rust.Command)
			assert.Equal(t, uint32(2), rust.TabSize)
			assert.Nil(t, rust.InsertSpaces)

			gopls := cfg.Servers["go"]
			assert.Equal(t, []string{"gopls", "serve"}, gopls.Command)
			require.NotNil(t, gopls.InsertSpaces)
			assert.False(t, *gopls.InsertSpaces)
			assert.Equal(t, "-mod=mod", gopls.Env["GOFLAGS"])
			assert.Equal(t, true, gopls.InitializationOptions["staticcheck"])
		})
	}
}

func TestParse_Errors(t *testing.T) {
	var perr *ParseError

	err := Parse("bad.toml", []byte("[servers\ncommand = 1"), Default())
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "bad.toml", perr.Path)
	assert.Positive(t, perr.Line)

	err = Parse("bad.yaml", []byte("servers: [unclosed"), Default())
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "bad.yaml", perr.Path)

	err = Parse("bad.toml", []byte(`request_timeout = "soon"`), Default())
	assert.Error(t, err)

	err = Parse("lspc.json", []byte("{}"), Default())
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestParse_KeyBelowTable(t *testing.T) {
	misplaced := `
[log]
level = "debug"

request_timeout = "10s"
`
	var perr *ParseError
	err := Parse("lspc.toml", []byte(misplaced), Default())
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, "unknown key log.request_timeout", perr.Message)
	assert.Positive(t, perr.Line)

	err = Parse("lspc.yaml", []byte("log:\n  level: debug\n  request_timeout: 10s\n"), Default())
	require.True(t, errors.As(err, &perr), "got %v", err)

	cfg := Default()
	require.NoError(t, Parse("lspc.toml", []byte("request_timeout = \"10s\"\n\n[log]\nlevel = \"debug\"\n"), cfg))
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout.Std())

	require.NoError(t, Parse("empty.yaml", nil, Default()))
}

func TestServer_LSP(t *testing.T) {
	cfg := Default()
	require.NoError(t, Parse("lspc.toml", []byte(tomlConfig), cfg))

	rust, ok := cfg.Server("rust")
	require.True(t, ok)
	assert.Equal(t, "rust-analyzer", rust.Command)
	assert.Empty(t, rust.Args)
	assert.Equal(t, []string{"Cargo.toml"}, rust.RootMarkers)
	assert.Equal(t, lsp.Settings{TabSize: 2, InsertSpaces: true}, rust.Settings)
	assert.Nil(t, rust.InitializationOptions)

	gopls, ok := cfg.Server("go")
	require.True(t, ok)
	assert.Equal(t, "gopls", gopls.Command)
	assert.Equal(t, []string{"serve"}, gopls.Args)
	assert.Equal(t, lsp.Settings{TabSize: 4, InsertSpaces: false}, gopls.Settings)
	assert.NotNil(t, gopls.InitializationOptions)

	_, ok = cfg.Server("haskell")
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Servers["rust"] = Server{RootMarkers: []string{"Cargo.toml"}}
	cfg.Servers["go"] = Server{Command: []string{"gopls"}}
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCommand)
	assert.ErrorIs(t, err, ErrNoRootMarkers)
	assert.Contains(t, err.Error(), "servers.rust")
	assert.Contains(t, err.Error(), "log.format")

	cfg = Default()
	cfg.Servers["rust"] = Server{Command: []string{"rust-analyzer"}, RootMarkers: []string{"Cargo.toml"}}
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LSPC_LOG_LEVEL":        "WARN",
		"LSPC_LOG_FORMAT":       "json",
		"LSPC_REQUEST_TIMEOUT":  "250ms",
		"LSPC_SHUTDOWN_TIMEOUT": "",
		"LSPC_MAX_SERVERS":      "3",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, ApplyEnv(cfg, lookup))
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 250*time.Millisecond, cfg.RequestTimeout.Std())
	assert.Equal(t, lsp.DefaultShutdownTimeout, cfg.ShutdownTimeout.Std())
	assert.Equal(t, 3, cfg.MaxServers)

	env["LSPC_TICK_INTERVAL"] = "often"
	var verr *ValidationError
	require.True(t, errors.As(ApplyEnv(Default(), lookup), &verr))
	assert.Equal(t, "LSPC_TICK_INTERVAL", verr.Field)
}

func TestEnvVars(t *testing.T) {
	assert.Equal(t, []string{
		"LSPC_LOG_FORMAT",
		"LSPC_LOG_LEVEL",
		"LSPC_MAX_SERVERS",
		"LSPC_REQUEST_TIMEOUT",
		"LSPC_SHUTDOWN_TIMEOUT",
		"LSPC_TICK_INTERVAL",
	}, EnvVars())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "lspc.toml", tomlConfig)
	t.Setenv("LSPC_LOG_LEVEL", "error")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Len(t, cfg.Servers, 2)
}

func TestLoad_Defaults(t *testing.T) {
	for _, name := range EnvVars() {
		t.Setenv(name, "")
	}

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.Equal(t, DefaultLogFormat, cfg.Log.Format)
	assert.Equal(t, lsp.DefaultRequestTimeout, cfg.RequestTimeout.Std())
	assert.Empty(t, cfg.Servers)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := writeConfig(t, "lspc.yaml", "servers:\n  rust:\n    command: [rust-analyzer]\n")
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrNoRootMarkers)
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Std())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("90")))
}
