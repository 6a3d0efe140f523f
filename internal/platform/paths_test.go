package platform

import (
	"path/filepath"
	"testing"
)

// envMap adapts a map to a getenv function.
func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestResolveForPlatformLayouts(t *testing.T) {
	cases := []struct {
		name       string
		goos       string
		env        map[string]string
		base       BaseDirs
		wantConfig string
		wantDB     string
	}{
		{
			name:       "linux xdg",
			goos:       "linux",
			env:        map[string]string{"XDG_CONFIG_HOME": "/xdg/config", "XDG_DATA_HOME": "/xdg/data"},
			base:       BaseDirs{Config: "/fallback/config", Data: "/fallback/data"},
			wantConfig: filepath.Join("/xdg/config", "tandem", "config.toml"),
			wantDB:     filepath.Join("/xdg/data", "tandem", "tandem.db"),
		},
		{
			name:       "linux without xdg",
			goos:       "linux",
			base:       BaseDirs{Config: "/home/me/.config", Data: "/home/me/.local/share"},
			wantConfig: filepath.Join("/home/me/.config", "tandem", "config.toml"),
			wantDB:     filepath.Join("/home/me/.local/share", "tandem", "tandem.db"),
		},
		{
			name:       "windows appdata",
			goos:       "windows",
			env:        map[string]string{"APPDATA": `C:\Roaming`, "LOCALAPPDATA": `C:\Local`},
			base:       BaseDirs{Config: `C:\fallback\config`, Data: `C:\fallback\data`},
			wantConfig: filepath.Join(`C:\Roaming`, "tandem", "config.toml"),
			wantDB:     filepath.Join(`C:\Local`, "tandem", "tandem.db"),
		},
		{
			name:       "darwin ignores xdg",
			goos:       "darwin",
			env:        map[string]string{"XDG_CONFIG_HOME": "/ignored", "XDG_DATA_HOME": "/ignored"},
			base:       BaseDirs{Config: "/Users/me/Library/Application Support", Data: "/Users/me/Library/Application Support"},
			wantConfig: filepath.Join("/Users/me/Library/Application Support", "tandem", "config.toml"),
			wantDB:     filepath.Join("/Users/me/Library/Application Support", "tandem", "tandem.db"),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := ResolveFor(tc.goos, envMap(tc.env), tc.base, Options{})
			if err != nil {
				t.Fatalf("ResolveFor() error = %v", err)
			}
			if p.ConfigPath != tc.wantConfig || p.DBPath != tc.wantDB {
				t.Fatalf("unexpected paths %#v", p)
			}
			if p.DBOverridden {
				t.Fatal("expected default db path not to be marked overridden")
			}
		})
	}
}

func TestResolveForEmptyBaseDirsFails(t *testing.T) {
	if _, err := ResolveFor("darwin", nil, BaseDirs{Data: "/tmp/data"}, Options{}); err == nil {
		t.Fatal("expected error for empty base dirs")
	}
}

func TestResolveForDevModeSuffix(t *testing.T) {
	p, err := ResolveFor("freebsd", nil, BaseDirs{Config: "/cfg", Data: "/data"}, Options{AppName: " tandem ", DevMode: true})
	if err != nil {
		t.Fatalf("ResolveFor() error = %v", err)
	}
	if p.AppName != "tandem-dev" || filepath.Base(p.DBPath) != "tandem-dev.db" {
		t.Fatalf("expected dev suffix, got %#v", p)
	}
	if p.DataDir != filepath.Join("/data", "tandem-dev") {
		t.Fatalf("unexpected data dir %q", p.DataDir)
	}
}

func TestResolveForOverridePrecedence(t *testing.T) {
	base := BaseDirs{Config: "/cfg", Data: "/data"}
	env := envMap(map[string]string{EnvConfigPath: "/env/config.toml", EnvDBPath: "/env/tandem.db"})

	p, err := ResolveFor("linux", env, base, Options{})
	if err != nil {
		t.Fatalf("ResolveFor() error = %v", err)
	}
	if p.ConfigPath != "/env/config.toml" || p.DBPath != "/env/tandem.db" || !p.DBOverridden {
		t.Fatalf("expected env overrides, got %#v", p)
	}

	p, err = ResolveFor("linux", env, base, Options{ConfigPath: "/flag/config.toml", DBPath: "/flag/tandem.db"})
	if err != nil {
		t.Fatalf("ResolveFor() error = %v", err)
	}
	if p.ConfigPath != "/flag/config.toml" || p.DBPath != "/flag/tandem.db" || !p.DBOverridden {
		t.Fatalf("expected flag overrides, got %#v", p)
	}
	if p.DataDir != filepath.Join("/data", "tandem") {
		t.Fatalf("expected data dir to keep the platform layout, got %q", p.DataDir)
	}
}

func TestResolveSmoke(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv(EnvDBPath, "")
	p, err := Resolve(Options{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p.ConfigPath == "" || p.DBPath == "" || p.DataDir == "" {
		t.Fatalf("expected non-empty paths, got %#v", p)
	}
}
