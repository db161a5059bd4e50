package tomlkeys

import "testing"

func TestTableAndDottedKeysAreEquivalent(t *testing.T) {
	cases := []string{
		`[watcher]
debounce-ms = 4096
`,
		`watcher.debounce-ms = 4096
`,
	}
	for _, input := range cases {
		store, err := Decode([]byte(input))
		if err != nil {
			t.Fatalf("decode toml: %v", err)
		}
		value, ok := store.GetInt("watcher.debounce-ms")
		if !ok {
			t.Fatalf("expected watcher.debounce-ms value")
		}
		if value != 4096 {
			t.Fatalf("expected 4096, got %d", value)
		}
	}
}

func TestNormalizationHandlesUnderscoresAndCase(t *testing.T) {
	input := `[Watcher]
DEBOUNCE_MS = 123
`
	store, err := Decode([]byte(input))
	if err != nil {
		t.Fatalf("decode toml: %v", err)
	}
	value, ok := store.GetInt("watcher.debounce-ms")
	if !ok {
		t.Fatalf("expected normalized key to resolve")
	}
	if value != 123 {
		t.Fatalf("expected 123, got %d", value)
	}
}

func TestTypePreservation(t *testing.T) {
	input := `[log]
level = " debug "
[watcher]
max-watches = 7
`
	store, err := Decode([]byte(input))
	if err != nil {
		t.Fatalf("decode toml: %v", err)
	}
	count, ok := store.GetInt("watcher.max-watches")
	if !ok || count != 7 {
		t.Fatalf("expected max-watches 7, got %d", count)
	}
	level, ok := store.GetString("log.level")
	if !ok || level != "debug" {
		t.Fatalf("expected trimmed level debug, got %q", level)
	}
	if _, ok := store.GetString("watcher.max-watches"); ok {
		t.Fatalf("expected max-watches to not be a string")
	}
	if _, ok := store.GetInt("log.level"); ok {
		t.Fatalf("expected a non-numeric string to not be an int")
	}
}

func TestMergeLaterLayersWin(t *testing.T) {
	defaults, err := Decode([]byte("[watcher]\ndebounce-ms = 50\nmax-watches = 8192\n"))
	if err != nil {
		t.Fatalf("decode defaults: %v", err)
	}
	file, err := Decode([]byte("[watcher]\ndebounce_ms = 0\n"))
	if err != nil {
		t.Fatalf("decode file: %v", err)
	}
	overrides := FromRaw(map[string]any{"WATCHER.MAX_WATCHES": "64", "": "ignored"})

	merged := Merge(defaults, file, overrides)
	if value, ok := merged.GetInt("watcher.debounce-ms"); !ok || value != 0 {
		t.Fatalf("expected file debounce 0, got %d (%v)", value, ok)
	}
	if value, ok := merged.GetInt("watcher.max-watches"); !ok || value != 64 {
		t.Fatalf("expected override max-watches 64, got %d (%v)", value, ok)
	}
	if value, ok := defaults.GetInt("watcher.debounce-ms"); !ok || value != 50 {
		t.Fatalf("expected defaults untouched, got %d", value)
	}
	if len(merged.flat) != 2 {
		t.Fatalf("expected empty key dropped, got %v", merged.flat)
	}
}

func TestArraysArePreservedAsValues(t *testing.T) {
	input := `[filer]
exclude = ["node_modules/", "dist/", 3]
`
	store, err := Decode([]byte(input))
	if err != nil {
		t.Fatalf("decode toml: %v", err)
	}
	value, ok := store.flat["filer.exclude"]
	if !ok {
		t.Fatalf("expected filer.exclude key")
	}
	if _, ok := value.([]any); !ok {
		t.Fatalf("expected filer.exclude to be []any, got %T", value)
	}
	items, ok := store.GetStrings("filer.exclude")
	if !ok || len(items) != 2 || items[0] != "node_modules/" || items[1] != "dist/" {
		t.Fatalf("expected string items, got %v", items)
	}
	if _, ok := store.GetStrings("filer.root"); ok {
		t.Fatalf("expected missing key to report false")
	}
}
