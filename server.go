package cepa

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// Server wires together routing, the script executor, the module
// adapter, and the HTTP(S) listeners: HTTP server receives a request,
// matches a route, and dispatches to (static | script executor |
// module adapter).
type Server struct {
	cfg      *Config
	executor *Executor
	modules  *ModuleRegistry
	facility *Facility
	kv       *KVStore
	log      *zap.Logger

	scriptRoutes map[string]string // exact URL -> literal script path ("!"-prefixed)
	globalRegex  *regexp.Regexp    // set when <scripts global="..."/> is present

	static http.Handler

	httpSrv  *http.Server
	httpsSrv *http.Server
}

// NewServer builds a Server from a validated Config, wiring the shared
// Bytecode Cache and KV Store (the only pieces of shared mutable state
// across requests) and the Library Resolver into a single Executor
// instance reused by every request.
func NewServer(cfg *Config, log *zap.Logger) (*Server, error) {
	kv := NewKVStore()
	cache := NewBytecodeCache()

	libpath := ""
	if cfg.Scripts != nil {
		libpath = cfg.Scripts.Libpath
	}
	resolver := NewResolver(libpath)

	executor := NewExecutor(cache, kv, resolver, log)

	var modules *ModuleRegistry
	var err error
	if cfg.Modules != nil {
		modules, err = NewModuleRegistry(cfg.Modules, cfg.Docroot, log)
		if err != nil {
			kv.Close()
			return nil, err
		}
	} else {
		modules = &ModuleRegistry{log: log}
	}

	s := &Server{
		cfg:          cfg,
		executor:     executor,
		modules:      modules,
		facility:     NewFacility(cfg, kv),
		kv:           kv,
		log:          log,
		scriptRoutes: make(map[string]string),
		static:       newStaticHandler(cfg.Docroot),
	}
	s.facility.Server = s

	if cfg.Scripts != nil {
		for _, sb := range cfg.Scripts.Scripts {
			s.scriptRoutes[sb.URL] = literalPathSentinel + filepath.Join(cfg.Scripts.Path, sb.Name)
		}
		if ext, install := cfg.Scripts.GlobalExtension(); install {
			s.globalRegex = regexp.MustCompile(`^(.*)\.` + regexp.QuoteMeta(ext) + `$`)
		}
	}

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s,
	}

	if cfg.SSL != nil {
		s.httpsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.SSL.Port),
			Handler: s,
		}
	}

	return s, nil
}

// ServeHTTP routes in priority order: explicit script bindings, then
// the global extension pattern, then native module bindings, then
// static file serving.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if routeData, ok := s.scriptRoutes[path]; ok {
		s.executor.Execute(w, r, routeData)
		return
	}

	if s.globalRegex != nil && s.globalRegex.MatchString(path) {
		s.executor.Execute(w, r, s.cfg.Docroot)
		return
	}

	if m, ok := s.modules.Lookup(path); ok {
		m.ServeHTTP(s.facility, w, r)
		return
	}

	s.static.ServeHTTP(w, r)
}

// newStaticHandler builds the docroot file server, retrying a
// directory hit against "<dir>/index.html" before falling back to
// http.FileServer's default directory listing.
func newStaticHandler(docroot string) http.Handler {
	fileServer := http.FileServer(http.Dir(docroot))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		full := filepath.Join(docroot, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(full); err == nil && info.IsDir() {
			index := filepath.Join(full, "index.html")
			if _, err := os.Stat(index); err == nil {
				http.ServeFile(w, r, index)
				return
			}
		}
		fileServer.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the HTTP listener and, when SSL is configured,
// the HTTP/2-upgraded HTTPS listener, on background goroutines, and
// returns without waiting for them to bind; errCh receives the first
// listener error, if any.
func (s *Server) ListenAndServe() <-chan error {
	errCh := make(chan error, 2)

	go func() {
		s.log.Info("http listener starting", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http listener: %w", err)
		}
	}()

	if s.httpsSrv != nil {
		s.httpsSrv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		if err := http2.ConfigureServer(s.httpsSrv, &http2.Server{}); err != nil {
			errCh <- fmt.Errorf("configuring http2: %w", err)
		}
		go func() {
			s.log.Info("https listener starting", zap.String("addr", s.httpsSrv.Addr))
			if err := s.httpsSrv.ListenAndServeTLS(s.cfg.SSL.Cert, s.cfg.SSL.Key); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("https listener: %w", err)
			}
		}()
	}

	return errCh
}

// Shutdown stops accepting new connections, waits for in-flight
// requests to drain (http.Server.Shutdown does both), then destroys
// modules in reverse order, then stops the KV store's expiration
// goroutine — so module destructors never race a live request.
func (s *Server) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("http listener shutdown", zap.Error(err))
	}
	if s.httpsSrv != nil {
		if err := s.httpsSrv.Shutdown(ctx); err != nil {
			s.log.Warn("https listener shutdown", zap.Error(err))
		}
	}

	s.modules.Close()
	s.kv.Close()
}
