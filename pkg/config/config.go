// Package config resolves server settings from defaults, an optional TOML
// file and RDEER_* environment variables. Command-line flags are applied on
// top by cmd/rdeer.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"rdeer/pkg/protocol"
)

// Config holds the resolved server settings.
type Config struct {
	IndexDir      string
	Port          int
	BindHost      string
	Engine        string
	Markers       []string
	WatchInterval time.Duration
	ProbeTimeout  time.Duration
	TmpDir        string
	LogDir        string
	EventsDB      string
	MetricsListen string
	NtfyURL       string
	// LockDir holds the per-root server locks. It is derived from the home
	// directory and not configurable on its own.
	LockDir string
}

// file mirrors Config as it appears in TOML. Pointers tell unset keys apart
// from zero values.
type file struct {
	IndexDir      *string   `toml:"index_dir"`
	Listen        *int      `toml:"listen"`
	BindHost      *string   `toml:"bind_host"`
	Engine        *string   `toml:"engine"`
	Markers       *[]string `toml:"markers"`
	WatchInterval *string   `toml:"watch_interval"`
	ProbeTimeout  *string   `toml:"probe_timeout"`
	TmpDir        *string   `toml:"tmp_dir"`
	LogDir        *string   `toml:"log_dir"`
	EventsDB      *string   `toml:"events_db"`
	MetricsListen *string   `toml:"metrics_listen"`
	NtfyURL       *string   `toml:"ntfy_url"`
}

// Environment variables read by Load.
const (
	EnvHome          = "RDEER_HOME"
	EnvIndexDir      = "RDEER_INDEX_DIR"
	EnvPort          = "RDEER_PORT"
	EnvBindHost      = "RDEER_BIND_HOST"
	EnvEngine        = "RDEER_ENGINE"
	EnvMarkers       = "RDEER_MARKERS"
	EnvWatchInterval = "RDEER_WATCH_INTERVAL"
	EnvProbeTimeout  = "RDEER_PROBE_TIMEOUT"
	EnvTmpDir        = "RDEER_TMP_DIR"
	EnvLogDir        = "RDEER_WORKER_LOG_DIR"
	EnvEventsDB      = "RDEER_EVENTS_DB"
	EnvMetricsListen = "RDEER_METRICS_LISTEN"
	EnvNtfyURL       = "RDEER_NTFY_URL"
)

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:          protocol.DefaultPort,
		BindHost:      "127.0.0.1",
		Engine:        protocol.DefaultEngine,
		Markers:       append([]string(nil), protocol.IndexMarkers...),
		WatchInterval: protocol.DefaultWatchInterval,
		ProbeTimeout:  protocol.DefaultProbeTimeout,
		TmpDir:        protocol.DefaultTmpDir,
	}
}

// Home returns RDEER_HOME, or ~/.rdeer.
func Home(getenv func(string) string) (string, error) {
	if v := getenv(EnvHome); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.RdeerDir), nil
}

// Load resolves defaults, then path (skipped when empty), then the
// environment. getenv is os.Getenv outside tests.
func Load(path string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()

	home, err := Home(getenv)
	if err != nil {
		return Config{}, err
	}
	cfg.EventsDB = filepath.Join(home, "events.db")
	cfg.LockDir = filepath.Join(home, protocol.LockDir)

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	//nolint:gosec // path is the operator's --config flag
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&c.IndexDir, f.IndexDir)
	setString(&c.BindHost, f.BindHost)
	setString(&c.Engine, f.Engine)
	setString(&c.TmpDir, f.TmpDir)
	setString(&c.LogDir, f.LogDir)
	setString(&c.EventsDB, f.EventsDB)
	setString(&c.MetricsListen, f.MetricsListen)
	setString(&c.NtfyURL, f.NtfyURL)
	if f.Listen != nil {
		c.Port = *f.Listen
	}
	if f.Markers != nil {
		c.Markers = *f.Markers
	}
	if f.WatchInterval != nil {
		if c.WatchInterval, err = parseDuration("watch_interval", *f.WatchInterval); err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
	}
	if f.ProbeTimeout != nil {
		if c.ProbeTimeout, err = parseDuration("probe_timeout", *f.ProbeTimeout); err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	envString(getenv, EnvIndexDir, &c.IndexDir)
	envString(getenv, EnvBindHost, &c.BindHost)
	envString(getenv, EnvEngine, &c.Engine)
	envString(getenv, EnvTmpDir, &c.TmpDir)
	envString(getenv, EnvLogDir, &c.LogDir)
	envString(getenv, EnvEventsDB, &c.EventsDB)
	envString(getenv, EnvMetricsListen, &c.MetricsListen)
	envString(getenv, EnvNtfyURL, &c.NtfyURL)

	if v := getenv(EnvPort); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Port = p
	}
	if v := getenv(EnvMarkers); v != "" {
		c.Markers = splitList(v)
	}
	var err error
	if v := getenv(EnvWatchInterval); v != "" {
		if c.WatchInterval, err = parseDuration(EnvWatchInterval, v); err != nil {
			return err
		}
	}
	if v := getenv(EnvProbeTimeout); v != "" {
		if c.ProbeTimeout, err = parseDuration(EnvProbeTimeout, v); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks settings needed to serve and makes IndexDir absolute. The
// engine binary is looked up on PATH only when checkEngine is set.
func (c *Config) Validate(checkEngine bool) error {
	var errs []error
	if c.IndexDir != "" {
		abs, err := filepath.Abs(c.IndexDir)
		if err != nil {
			return fmt.Errorf("index_dir: %w", err)
		}
		c.IndexDir = abs
	}
	if c.IndexDir == "" {
		errs = append(errs, errors.New("index_dir is required"))
	} else if fi, err := os.Stat(c.IndexDir); err != nil {
		errs = append(errs, fmt.Errorf("index_dir: %w", err))
	} else if !fi.IsDir() {
		errs = append(errs, fmt.Errorf("index_dir %s: not a directory", c.IndexDir))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen: port %d out of range", c.Port))
	}
	if len(c.Markers) == 0 {
		errs = append(errs, errors.New("markers: at least one marker file is required"))
	}
	if c.WatchInterval <= 0 {
		errs = append(errs, fmt.Errorf("watch_interval: must be positive, got %s", c.WatchInterval))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("probe_timeout: must be positive, got %s", c.ProbeTimeout))
	}
	if checkEngine {
		if _, err := exec.LookPath(c.Engine); err != nil {
			errs = append(errs, fmt.Errorf("engine: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ListenAddr is the client-facing listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func envString(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
