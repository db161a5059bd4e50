package watcher

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
)

func TestScanTreeSkipsExcludedDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.ts"), "")
	writeFile(t, filepath.Join(dir, "lib", "b.ts"), "")
	writeFile(t, filepath.Join(dir, "dist", "out.js"), "")

	allowed := func(path string, isDir bool) bool {
		return filepath.Base(path) != "dist"
	}
	found, err := scanTree(context.Background(), dir, allowed)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if want := []string{dir, filepath.Join(dir, "lib")}; !reflect.DeepEqual(found.dirs, want) {
		t.Fatalf("expected dirs %v, got %v", want, found.dirs)
	}
	if want := []string{filepath.Join(dir, "a.ts"), filepath.Join(dir, "lib", "b.ts")}; !reflect.DeepEqual(found.files, want) {
		t.Fatalf("expected files %v, got %v", want, found.files)
	}
}

func TestScanTreeHonorsContext(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.ts"), "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := scanTree(ctx, dir, func(string, bool) bool { return true }); err == nil {
		t.Fatal("expected cancelled scan to fail")
	}
}
