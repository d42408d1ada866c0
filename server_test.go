package cepa

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testServer(t *testing.T, docroot string) *Server {
	t.Helper()
	log := zap.NewNop()
	kv := NewKVStore()
	t.Cleanup(kv.Close)
	cfg := &Config{Docroot: docroot, Port: 8080}
	return &Server{
		cfg:          cfg,
		executor:     NewExecutor(NewBytecodeCache(), kv, NewResolver(""), log),
		modules:      &ModuleRegistry{log: log},
		facility:     NewFacility(cfg, kv),
		kv:           kv,
		log:          log,
		scriptRoutes: make(map[string]string),
		static:       newStaticHandler(docroot),
	}
}

func TestServer_ExplicitScriptRouteTakesPriority(t *testing.T) {
	docroot := t.TempDir()
	s := testServer(t, docroot)
	s.scriptRoutes["/echo"] = literalPathSentinel + filepath.Join(docroot, "scripts", "echo.jsx")

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/echo", nil))

	// The script file doesn't exist, so the executor fails at the stat
	// step — but that failure proves the script route was chosen over
	// static/module fallbacks, and its body names the resolved path.
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Code = %d, want 500 (script file absent)", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), filepath.Join(docroot, "scripts", "echo.jsx")) {
		t.Fatalf("body = %q, want it to name the resolved script path", rec.Body.String())
	}
}

func TestServer_GlobalExtensionPattern(t *testing.T) {
	docroot := t.TempDir()
	s := testServer(t, docroot)
	s.globalRegex = regexp.MustCompile(`^(.*)\.jsx$`)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/page.jsx", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Code = %d, want 500 (script file absent under docroot)", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), filepath.Join(docroot, "page.jsx")) {
		t.Fatalf("body = %q, want it to name docroot-joined path", rec.Body.String())
	}
}

func TestServer_ModuleRouteBelowScriptRoutes(t *testing.T) {
	docroot := t.TempDir()
	s := testServer(t, docroot)
	var calledWithFacility *Facility
	s.modules.modules = []*LoadedModule{
		{Name: "baz", URL: "/baz", handle: func(f *Facility, w http.ResponseWriter, r *http.Request) {
			calledWithFacility = f
			w.WriteHeader(http.StatusTeapot)
		}},
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/baz", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("Code = %d, want 418 from the module handler", rec.Code)
	}
	if calledWithFacility != s.facility {
		t.Fatalf("module should receive the server's facility handle")
	}
}

func TestServer_StaticFallback(t *testing.T) {
	docroot := t.TempDir()
	if err := os.WriteFile(filepath.Join(docroot, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s := testServer(t, docroot)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hello.txt", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Code = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "hi" {
		t.Fatalf("Body = %q, want hi", rec.Body.String())
	}
}

func TestNewStaticHandler_DirectoryServesIndex(t *testing.T) {
	docroot := t.TempDir()
	if err := os.Mkdir(filepath.Join(docroot, "sub"), 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(docroot, "sub", "index.html"), []byte("index!"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	handler := newStaticHandler(docroot)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sub/", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "index!" {
		t.Fatalf("Code, Body = %d, %q; want 200, index!", rec.Code, rec.Body.String())
	}
}
