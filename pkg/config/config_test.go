package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"rdeer/pkg/config"
	"rdeer/pkg/protocol"
)

func env(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rdeer.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.Load("", env(map[string]string{config.EnvHome: home}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != protocol.DefaultPort || cfg.Engine != protocol.DefaultEngine {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.WatchInterval != protocol.DefaultWatchInterval || cfg.ProbeTimeout != protocol.DefaultProbeTimeout {
		t.Errorf("durations = %s / %s", cfg.WatchInterval, cfg.ProbeTimeout)
	}
	if !reflect.DeepEqual(cfg.Markers, protocol.IndexMarkers) {
		t.Errorf("Markers = %v", cfg.Markers)
	}
	if cfg.EventsDB != filepath.Join(home, "events.db") {
		t.Errorf("EventsDB = %s", cfg.EventsDB)
	}
	if cfg.LockDir != filepath.Join(home, "locks") {
		t.Errorf("LockDir = %s", cfg.LockDir)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
index_dir = "/srv/indexes"
listen = 13000
engine = "/opt/reindeer/reindeer_socket"
markers = ["a.txt", "b.bin"]
watch_interval = "2s"
probe_timeout = "500ms"
ntfy_url = "lab-alerts"
`)

	cfg, err := config.Load(path, env(map[string]string{
		config.EnvHome:          t.TempDir(),
		config.EnvPort:          "14000",
		config.EnvWatchInterval: "3s",
		config.EnvMarkers:       "x, y ,",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// File values survive where env is silent.
	if cfg.IndexDir != "/srv/indexes" || cfg.Engine != "/opt/reindeer/reindeer_socket" {
		t.Errorf("file values lost: %+v", cfg)
	}
	if cfg.ProbeTimeout != 500*time.Millisecond || cfg.NtfyURL != "lab-alerts" {
		t.Errorf("file values lost: %+v", cfg)
	}
	// Env wins over the file.
	if cfg.Port != 14000 || cfg.WatchInterval != 3*time.Second {
		t.Errorf("env did not override: port=%d interval=%s", cfg.Port, cfg.WatchInterval)
	}
	if !reflect.DeepEqual(cfg.Markers, []string{"x", "y"}) {
		t.Errorf("Markers = %v", cfg.Markers)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		env  map[string]string
		want string
	}{
		{name: "bad toml", file: "listen = [", want: "parse config"},
		{name: "bad file duration", file: `watch_interval = "soon"`, want: "watch_interval"},
		{name: "bad env port", env: map[string]string{config.EnvPort: "http"}, want: config.EnvPort},
		{name: "bad env duration", env: map[string]string{config.EnvProbeTimeout: "1 second"}, want: config.EnvProbeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.file != "" {
				path = writeConfig(t, tt.file)
			}
			vals := map[string]string{config.EnvHome: t.TempDir()}
			for k, v := range tt.env {
				vals[k] = v
			}
			_, err := config.Load(path, env(vals))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.toml"), env(map[string]string{config.EnvHome: t.TempDir()}))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	notDir := filepath.Join(dir, "file")
	if err := os.WriteFile(notDir, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	ok := config.Default()
	ok.IndexDir = dir
	if err := ok.Validate(false); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"missing index dir", func(c *config.Config) { c.IndexDir = "" }, "index_dir is required"},
		{"index dir is a file", func(c *config.Config) { c.IndexDir = notDir }, "not a directory"},
		{"port out of range", func(c *config.Config) { c.Port = 70000 }, "out of range"},
		{"no markers", func(c *config.Config) { c.Markers = nil }, "markers"},
		{"zero interval", func(c *config.Config) { c.WatchInterval = 0 }, "watch_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ok
			tt.mutate(&c)
			err := c.Validate(false)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidate_MakesIndexDirAbsolute(t *testing.T) {
	root := t.TempDir()
	t.Chdir(filepath.Dir(root))

	c := config.Default()
	c.IndexDir = filepath.Base(root)
	if err := c.Validate(false); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !filepath.IsAbs(c.IndexDir) || filepath.Base(c.IndexDir) != filepath.Base(root) {
		t.Fatalf("IndexDir = %s, want absolute path to %s", c.IndexDir, root)
	}
}

func TestValidate_EngineLookup(t *testing.T) {
	c := config.Default()
	c.IndexDir = t.TempDir()
	c.Engine = "rdeer-engine-that-does-not-exist"
	if err := c.Validate(true); err == nil || !strings.Contains(err.Error(), "engine") {
		t.Fatalf("err = %v", err)
	}
	c.Engine = "sh"
	if err := c.Validate(true); err != nil {
		t.Fatalf("Validate with sh on PATH: %v", err)
	}
}
