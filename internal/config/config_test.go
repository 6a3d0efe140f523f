package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default("/tmp/tandem.db")
	if cfg.Database.Path != "/tmp/tandem.db" {
		t.Fatalf("unexpected db path %q", cfg.Database.Path)
	}
	if len(cfg.Sync.ManualFields) != 1 || cfg.Sync.ManualFields[0] != "status" {
		t.Fatalf("unexpected manual fields %#v", cfg.Sync.ManualFields)
	}
	if cfg.UndoWindow() != 10*time.Second || cfg.Undo.MaxVisible != 3 {
		t.Fatalf("unexpected undo defaults %v/%d", cfg.UndoWindow(), cfg.Undo.MaxVisible)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	defaults := Default("/tmp/tandem.db")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"), defaults)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != defaults.Database.Path {
		t.Fatalf("expected default db path, got %q", cfg.Database.Path)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[database]
path = "/custom/tandem.db"

[identity]
user_id = "u1"

[remote]
url = "https://sync.example.com"
token = "abc"
timeout = "5s"

[sync]
manual_fields = ["status", "notes"]
retry_initial_backoff = "2s"
retry_max_backoff = "30s"

[undo]
window = "30s"
max_visible = 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path, Default("/tmp/default.db"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/custom/tandem.db" || cfg.Identity.UserID != "u1" {
		t.Fatalf("unexpected database/identity %#v %#v", cfg.Database, cfg.Identity)
	}
	if cfg.RemoteTimeout() != 5*time.Second || cfg.Remote.URL != "https://sync.example.com" {
		t.Fatalf("unexpected remote %#v", cfg.Remote)
	}
	initial, maxBackoff := cfg.RetryBackoff()
	if initial != 2*time.Second || maxBackoff != 30*time.Second {
		t.Fatalf("unexpected backoff %v/%v", initial, maxBackoff)
	}
	if len(cfg.Sync.ManualFields) != 2 || cfg.UndoWindow() != 30*time.Second || cfg.Undo.MaxVisible != 5 {
		t.Fatalf("unexpected sync/undo %#v %#v", cfg.Sync, cfg.Undo)
	}
	if cfg.Server.HTTPBind != "127.0.0.1:5437" {
		t.Fatalf("expected untouched server defaults, got %#v", cfg.Server)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad duration":    "[undo]\nwindow = \"soon\"\n",
		"negative":        "[undo]\nwindow = \"-1s\"\n",
		"backoff order":   "[sync]\nretry_initial_backoff = \"1m\"\nretry_max_backoff = \"1s\"\n",
		"remote scheme":   "[remote]\nurl = \"ftp://example.com\"\n",
		"empty field":     "[sync]\nmanual_fields = [\"\"]\n",
		"logging level":   "[logging]\nlevel = \"verbose\"\n",
		"max visible":     "[undo]\nmax_visible = -1\n",
		"malformed toml":  "[undo\n",
		"empty db path":   "[database]\npath = \" \"\n",
		"negative bursts": "[sync]\nreconnect_burst = -2\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
			if _, err := Load(path, Default("/tmp/default.db")); err == nil {
				t.Fatal("expected Load() to fail")
			}
		})
	}
}

func TestEnsureConfigDir(t *testing.T) {
	target := filepath.Join(t.TempDir(), "a", "b", "config.toml")
	if err := EnsureConfigDir(target); err != nil {
		t.Fatalf("EnsureConfigDir() error = %v", err)
	}
	if _, err := os.Stat(filepath.Dir(target)); err != nil {
		t.Fatalf("expected dir to exist, stat error %v", err)
	}
}

func TestUpsertDeviceIDKeepsOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := UpsertDeviceID(path, "dev-1"); err != nil {
		t.Fatalf("UpsertDeviceID() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("[identity]\nuser_id = \"u1\"\ndevice_id = \"dev-1\"\n\n[undo]\nmax_visible = 4\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := UpsertDeviceID(path, "dev-2"); err != nil {
		t.Fatalf("UpsertDeviceID() error = %v", err)
	}
	cfg, err := Load(path, Default("/tmp/default.db"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Identity.DeviceID != "dev-2" || cfg.Identity.UserID != "u1" || cfg.Undo.MaxVisible != 4 {
		t.Fatalf("unexpected config after upsert %#v %#v", cfg.Identity, cfg.Undo)
	}
	if err := UpsertDeviceID(path, " "); err == nil {
		t.Fatal("expected empty device id to fail")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[undo]\nmax_visible = 2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		cfg Config
		err error
	}
	got := make(chan result, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, Default("/tmp/default.db"), func(cfg Config, err error) {
			got <- result{cfg: cfg, err: err}
		})
	}()

	// Rewrite until the watcher has attached and reports the new value.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case r := <-got:
			if r.err == nil && r.cfg.Undo.MaxVisible == 7 {
				cancel()
				if err := <-done; err != nil {
					t.Fatalf("Watch() error = %v", err)
				}
				return
			}
		case <-tick.C:
			if err := os.WriteFile(path, []byte("[undo]\nmax_visible = 7\n"), 0o644); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}

func TestWatchReportsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 8)
	go func() {
		_ = Watch(ctx, path, Default("/tmp/default.db"), func(_ Config, err error) {
			if err != nil {
				errs <- err
			}
		})
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-errs:
			if !strings.Contains(err.Error(), "undo.window") {
				t.Fatalf("unexpected reload error %v", err)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte("[undo]\nwindow = \"nope\"\n"), 0o644); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload error")
		}
	}
}

func TestWatchRequiresCallbackAndDir(t *testing.T) {
	if err := Watch(context.Background(), "config.toml", Default("/tmp/x.db"), nil); err == nil {
		t.Fatal("expected nil callback to fail")
	}
	missing := filepath.Join(t.TempDir(), "nope", "config.toml")
	if err := Watch(context.Background(), missing, Default("/tmp/x.db"), func(Config, error) {}); err == nil {
		t.Fatal("expected missing directory to fail")
	}
}
