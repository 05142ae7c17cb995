// Package config loads the aerobatch application configuration.
//
// Precedence, highest first: runtime overrides, environment variables,
// the config file, defaults. Environment variables use the AEROBATCH_ prefix
// with dots replaced by underscores (AEROBATCH_SERVER_PORT), plus the short
// aliases listed by getEnvSpecs (AEROBATCH_PORT, AEROBATCH_LOG_LEVEL).
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "AEROBATCH"

// ConfigName is the config file base name (aerobatch.yaml).
const ConfigName = "aerobatch"

// Config is the application configuration. It is built once per process and
// passed by value.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	DataDir string        `mapstructure:"data_dir"`
	Server  ServerConfig  `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Session SessionConfig `mapstructure:"session"`
	History HistoryConfig `mapstructure:"history"`
	Events  EventsConfig  `mapstructure:"events"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// ServerConfig configures the status and control API started by run --listen.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SessionConfig locates the session bridge. Per-run engine settings live in
// the batch manifest; LaunchTimeout and Processors apply when the manifest
// leaves them unset.
type SessionConfig struct {
	BridgeURL      string        `mapstructure:"bridge_url"`
	LaunchTimeout  time.Duration `mapstructure:"launch_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Processors     int           `mapstructure:"processors"`
}

// HistoryConfig configures the run history database. Path defaults to
// <data_dir>/history.db; URL selects a remote libsql database instead.
type HistoryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type EventsConfig struct {
	// Buffer is the number of progress events kept for late subscribers.
	Buffer int `mapstructure:"buffer"`
}

// JobsDir returns the job registry root.
func (c Config) JobsDir() string {
	return filepath.Join(c.DataDir, "jobs")
}

// HistoryPath returns the local history database path.
func (c Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.DataDir, "history.db")
}

// Validate checks values viper cannot type-check.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Session.Processors < 0 {
		errs = append(errs, fmt.Errorf("session.processors must not be negative"))
	}
	if c.Events.Buffer < 0 {
		errs = append(errs, fmt.Errorf("events.buffer must not be negative"))
	}
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, fmt.Errorf("data_dir is required"))
	}
	return errors.Join(errs...)
}

// envSpec maps a short environment variable onto a config key.
type envSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load reads configuration from defaults, the user config file, the
// environment and overrides (applied in order).
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile is Load with an explicit config file. An empty path searches the
// user config directories; a missing file there is not an error.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(spec.Path, ".", "_"))); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(ConfigName)
		for _, dir := range getUserConfigPaths() {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	// Overrides outrank the environment, so they go in through Set.
	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.History.Path = expandHome(cfg.History.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "console")

	v.SetDefault("data_dir", defaultDataDir())

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("session.bridge_url", "http://127.0.0.1:8765")
	v.SetDefault("session.launch_timeout", "10m")
	v.SetDefault("session.request_timeout", "0s")
	v.SetDefault("session.processors", 0)

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")
	v.SetDefault("history.url", "")
	v.SetDefault("history.auth_token", "")

	v.SetDefault("events.buffer", 1024)
}

func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_LOG_PROFILE", Path: "logging.profile"},
		{Name: EnvPrefix + "_HOST", Path: "server.host"},
		{Name: EnvPrefix + "_PORT", Path: "server.port"},
		{Name: EnvPrefix + "_BRIDGE_URL", Path: "session.bridge_url"},
		{Name: EnvPrefix + "_HISTORY_TOKEN", Path: "history.auth_token"},
	}
}

// getUserConfigPaths lists the directories searched for aerobatch.yaml.
func getUserConfigPaths() []string {
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, ConfigName))
	}
	if dir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(dir, ConfigName)
		if len(paths) == 0 || paths[0] != p {
			paths = append(paths, p)
		}
	}
	paths = append(paths, ".")
	return paths
}

func defaultDataDir() string {
	if dir := gfconfig.GetAppDataDir(ConfigName); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), ConfigName)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
