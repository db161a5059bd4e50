// Package config loads gro.config.toml. Values are layered: embedded
// defaults, then the project file, then environment and command-line
// overrides.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gro/internal/config/tomlkeys"
)

const FileName = "gro.config.toml"

//go:embed gro.defaults.toml
var DefaultsPayload []byte

type Settings struct {
	Filer   FilerSettings
	Watcher WatcherSettings
	Log     LogSettings
}

type FilerSettings struct {
	Root       string
	Exclude    []string
	Extensions []string
	// Aliases maps an import prefix such as "$lib" to a directory.
	Aliases     map[string]string
	HistorySize int64
}

type WatcherSettings struct {
	DebounceMS int64
	MaxWatches int64
}

type LogSettings struct {
	Level string
}

func (settings WatcherSettings) Debounce() time.Duration {
	return time.Duration(settings.DebounceMS) * time.Millisecond
}

// Load reads the config file in projectDir, if any, over the embedded
// defaults. Relative paths in the result are resolved against projectDir.
func Load(projectDir string, overrides map[string]any) (Settings, error) {
	merged := EnvOverrides(os.Getenv)
	for key, value := range overrides {
		merged[key] = value
	}
	settings, err := LoadSettings(filepath.Join(projectDir, FileName), DefaultsPayload, merged)
	if err != nil {
		return Settings{}, err
	}
	return settings.resolve(projectDir), nil
}

func LoadSettings(path string, defaultsPayload []byte, overrides map[string]any) (Settings, error) {
	defaults, err := tomlkeys.Decode(defaultsPayload)
	if err != nil {
		return Settings{}, fmt.Errorf("decode defaults: %w", err)
	}
	file := tomlkeys.Store{}
	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Settings{}, fmt.Errorf("read config: %w", err)
			}
		} else if file, err = tomlkeys.Decode(payload); err != nil {
			return Settings{}, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	values := tomlkeys.Merge(defaults, file, tomlkeys.FromRaw(overrides))

	settings := Settings{}
	settings.Filer.Root, _ = values.GetString("filer.root")
	settings.Filer.Exclude, _ = values.GetStrings("filer.exclude")
	settings.Filer.Extensions, _ = values.GetStrings("filer.extensions")
	aliases, _ := values.GetStrings("filer.aliases")
	settings.Filer.Aliases = parseAliases(aliases)
	settings.Filer.HistorySize = intOr(values, "filer.history-size", 0)
	settings.Watcher.DebounceMS = intOr(values, "watcher.debounce-ms", -1)
	settings.Watcher.MaxWatches = intOr(values, "watcher.max-watches", 0)
	settings.Log.Level, _ = values.GetString("log.level")

	return normalizeSettings(settings, defaults), nil
}

// EnvOverrides maps GRO_* environment variables onto config keys.
func EnvOverrides(getenv func(string) string) map[string]any {
	overrides := map[string]any{}
	if value := strings.TrimSpace(getenv("GRO_ROOT")); value != "" {
		overrides["filer.root"] = value
	}
	if value := strings.TrimSpace(getenv("GRO_LOG_LEVEL")); value != "" {
		overrides["log.level"] = value
	}
	if value := strings.TrimSpace(getenv("GRO_DEBOUNCE_MS")); value != "" {
		overrides["watcher.debounce-ms"] = value
	}
	return overrides
}

// normalizeSettings falls back to the embedded defaults for values that are
// missing, mistyped or out of range.
func normalizeSettings(settings Settings, defaults tomlkeys.Store) Settings {
	if settings.Filer.Root == "" {
		settings.Filer.Root, _ = defaults.GetString("filer.root")
	}
	if len(settings.Filer.Extensions) == 0 {
		settings.Filer.Extensions, _ = defaults.GetStrings("filer.extensions")
	}
	for i, extension := range settings.Filer.Extensions {
		if !strings.HasPrefix(extension, ".") {
			settings.Filer.Extensions[i] = "." + extension
		}
	}
	if settings.Filer.HistorySize <= 0 {
		settings.Filer.HistorySize = intOr(defaults, "filer.history-size", 0)
	}
	if settings.Watcher.DebounceMS < 0 {
		settings.Watcher.DebounceMS = intOr(defaults, "watcher.debounce-ms", 0)
	}
	if settings.Watcher.MaxWatches <= 0 {
		settings.Watcher.MaxWatches = intOr(defaults, "watcher.max-watches", 0)
	}
	if settings.Log.Level == "" {
		settings.Log.Level, _ = defaults.GetString("log.level")
	}
	return settings
}

func (settings Settings) resolve(projectDir string) Settings {
	if !filepath.IsAbs(settings.Filer.Root) {
		settings.Filer.Root = filepath.Join(projectDir, settings.Filer.Root)
	}
	for alias, target := range settings.Filer.Aliases {
		if !filepath.IsAbs(target) {
			settings.Filer.Aliases[alias] = filepath.Join(projectDir, target)
		}
	}
	return settings
}

func parseAliases(entries []string) map[string]string {
	aliases := make(map[string]string, len(entries))
	for _, entry := range entries {
		name, target, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		target = strings.TrimSpace(target)
		if !ok || name == "" || target == "" {
			continue
		}
		aliases[name] = filepath.FromSlash(target)
	}
	return aliases
}

func intOr(values tomlkeys.Store, key string, fallback int64) int64 {
	if value, ok := values.GetInt(key); ok {
		return value
	}
	return fallback
}
