package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Environment variables that override resolved locations.
const (
	EnvConfigPath = "TANDEM_CONFIG"
	EnvDBPath     = "TANDEM_DB_PATH"
)

const defaultAppName = "tandem"

// Paths are the per-user locations for the config file and the local database.
type Paths struct {
	AppName    string
	ConfigPath string
	DataDir    string
	DBPath     string
	// DBOverridden is set when DBPath came from a flag or EnvDBPath and must
	// win over database.path in the config file.
	DBOverridden bool
}

// Options selects the app directory and explicit overrides.
type Options struct {
	AppName string
	DevMode bool
	// ConfigPath and DBPath are explicit overrides (typically flags). They win
	// over the environment, which wins over platform defaults.
	ConfigPath string
	DBPath     string
}

// BaseDirs are the user-level directories app directories are created under.
type BaseDirs struct {
	Config string
	Data   string
}

// Resolve returns the paths for opts using the process environment.
func Resolve(opts Options) (Paths, error) {
	base, err := userBaseDirs(runtime.GOOS)
	if err != nil {
		return Paths{}, err
	}
	return ResolveFor(runtime.GOOS, os.Getenv, base, opts)
}

// ResolveFor resolves paths for goos with getenv standing in for the environment.
func ResolveFor(goos string, getenv func(string) string, base BaseDirs, opts Options) (Paths, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	appName := strings.TrimSpace(opts.AppName)
	if appName == "" {
		appName = defaultAppName
	}
	if opts.DevMode {
		appName += "-dev"
	}
	out, err := layout(goos, getenv, base, appName)
	if err != nil {
		return Paths{}, err
	}

	switch {
	case strings.TrimSpace(opts.ConfigPath) != "":
		out.ConfigPath = strings.TrimSpace(opts.ConfigPath)
	case strings.TrimSpace(getenv(EnvConfigPath)) != "":
		out.ConfigPath = strings.TrimSpace(getenv(EnvConfigPath))
	}
	switch {
	case strings.TrimSpace(opts.DBPath) != "":
		out.DBPath = strings.TrimSpace(opts.DBPath)
		out.DBOverridden = true
	case strings.TrimSpace(getenv(EnvDBPath)) != "":
		out.DBPath = strings.TrimSpace(getenv(EnvDBPath))
		out.DBOverridden = true
	}
	return out, nil
}

// userBaseDirs reads the OS user directories.
func userBaseDirs(goos string) (BaseDirs, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return BaseDirs{}, fmt.Errorf("user config dir: %w", err)
	}
	base := BaseDirs{Config: configDir, Data: configDir}
	if goos == "linux" {
		home, err := os.UserHomeDir()
		if err != nil {
			return BaseDirs{}, fmt.Errorf("user home dir: %w", err)
		}
		base.Data = filepath.Join(home, ".local", "share")
	}
	return base, nil
}

// layout places the config and data directories for appName. XDG and
// APPDATA/LOCALAPPDATA take precedence on their platforms; macOS and others
// keep the base dirs.
func layout(goos string, getenv func(string) string, base BaseDirs, appName string) (Paths, error) {
	if base.Config == "" || base.Data == "" {
		return Paths{}, fmt.Errorf("empty base dirs")
	}
	configBase, dataBase := base.Config, base.Data
	pick := func(current, key string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return current
	}
	switch goos {
	case "linux":
		configBase = pick(configBase, "XDG_CONFIG_HOME")
		dataBase = pick(dataBase, "XDG_DATA_HOME")
	case "windows":
		configBase = pick(configBase, "APPDATA")
		dataBase = pick(dataBase, "LOCALAPPDATA")
	}

	dataDir := filepath.Join(dataBase, appName)
	return Paths{
		AppName:    appName,
		ConfigPath: filepath.Join(configBase, appName, "config.toml"),
		DataDir:    dataDir,
		DBPath:     filepath.Join(dataDir, appName+".db"),
	}, nil
}
