package cepa

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestResolver_ResolvesScriptLibrary(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "util.js"), []byte("1+1"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r := NewResolver(dir)
	ctx := NewRequestContext(httptest.NewRequest(http.MethodGet, "/", nil))
	defer ctx.Release()

	entry, err := r.Resolve(ctx, "util")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entry.Source == nil || string(entry.Source) != "1+1" {
		t.Fatalf("Source = %q, want 1+1", entry.Source)
	}
	if entry.Native != nil {
		t.Fatalf("a script library should have no native handle")
	}
}

func TestResolver_ReimportIsNoOp(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "util.js"), []byte("1"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r := NewResolver(dir)
	ctx := NewRequestContext(httptest.NewRequest(http.MethodGet, "/", nil))
	defer ctx.Release()

	first, err := r.Resolve(ctx, "util")
	if err != nil {
		t.Fatalf("Resolve #1: %v", err)
	}
	second, err := r.Resolve(ctx, "util")
	if err != nil {
		t.Fatalf("Resolve #2: %v", err)
	}
	if first != second {
		t.Fatalf("re-import should return the same already-registered entry")
	}
}

func TestResolver_MissingLibraryErrors(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir)
	ctx := NewRequestContext(httptest.NewRequest(http.MethodGet, "/", nil))
	defer ctx.Release()

	if _, err := r.Resolve(ctx, "nope"); err == nil {
		t.Fatalf("expected an error for a library present in neither form")
	}
}

func TestResolver_NoLibpathErrors(t *testing.T) {
	r := NewResolver("")
	ctx := NewRequestContext(httptest.NewRequest(http.MethodGet, "/", nil))
	defer ctx.Release()

	if _, err := r.Resolve(ctx, "anything"); err == nil {
		t.Fatalf("expected 'no library path' error")
	}
}

func TestResolver_ScriptTakesPriorityOverNative(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "dual.js"), []byte("script"), 0o644); err != nil {
		t.Fatalf("WriteFile js: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dual.so"), []byte("not a real plugin"), 0o644); err != nil {
		t.Fatalf("WriteFile so: %v", err)
	}
	r := NewResolver(dir)
	ctx := NewRequestContext(httptest.NewRequest(http.MethodGet, "/", nil))
	defer ctx.Release()

	entry, err := r.Resolve(ctx, "dual")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if entry.Source == nil || string(entry.Source) != "script" {
		t.Fatalf("script form should win over native form, got %+v", entry)
	}
}
