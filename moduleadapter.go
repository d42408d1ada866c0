package cepa

import (
	"fmt"
	"net/http"
	"plugin"

	"go.uber.org/zap"
)

// moduleInitSymbol, moduleHandleSymbol, and moduleDestroySymbol are the
// three exported symbols a native plugin module may carry:
// init(docroot), handle(facility, req, resp), and an optional destroy().
const (
	moduleInitSymbol    = "Init"
	moduleHandleSymbol  = "Handle"
	moduleDestroySymbol = "Destroy"
)

// Facility is the server-wide handle passed to every native module's
// Handle function: server handle, bound ports, configured
// paths, the scripts list, and the kv_set/kv_get function pointers.
type Facility struct {
	Server      *Server
	Port        int
	SSLPort     int
	Docroot     string
	ScriptsPath string
	ModulesPath string
	Libpath     string
	Scripts     []ScriptBinding

	KVGet func(key string) (string, bool)
	KVSet func(key, value string, ttlSeconds int, nx bool) bool
}

// NewFacility builds the Facility a module sees from the loaded Config
// and the shared KV store.
func NewFacility(cfg *Config, kv *KVStore) *Facility {
	f := &Facility{
		Port:    cfg.Port,
		Docroot: cfg.Docroot,
	}
	if cfg.Scripts != nil {
		f.ScriptsPath = cfg.Scripts.Path
		f.Libpath = cfg.Scripts.Libpath
		f.Scripts = cfg.Scripts.Scripts
	}
	if cfg.Modules != nil {
		f.ModulesPath = cfg.Modules.Path
	}
	if cfg.SSL != nil {
		f.SSLPort = cfg.SSL.Port
	}
	f.KVGet = func(key string) (string, bool) {
		v, ok := kv.Get(key)
		if !ok {
			return "", false
		}
		s, _ := v.(string)
		return s, true
	}
	f.KVSet = func(key, value string, ttlSeconds int, nx bool) bool {
		result := kv.Set(key, value, nil, ttlSeconds, nx)
		return result != SetRejected
	}
	return f
}

// nativeModuleHandleFunc is the signature every module's Handle symbol
// must satisfy.
type nativeModuleHandleFunc func(f *Facility, w http.ResponseWriter, r *http.Request)

// nativeModuleInitFunc is the signature every module's Init symbol must
// satisfy: called exactly once at startup with the docroot.
type nativeModuleInitFunc func(docroot string) error

// LoadedModule is one native plugin module bound to a URL pattern at
// startup: URL pattern, absolute path, handle, and optional destroy hook.
type LoadedModule struct {
	Name    string
	URL     string
	Path    string
	plugin  *plugin.Plugin
	handle  nativeModuleHandleFunc
	destroy func()
}

// LoadModule opens a native plugin module at path, calls its Init with
// docroot exactly once, and resolves its Handle (required) and Destroy
// (optional) symbols. A failing Init is fatal at startup — the caller treats
// a non-nil error as a configuration-class failure.
func LoadModule(binding ModuleBinding, modulesPath, docroot string) (*LoadedModule, error) {
	path := modulesPath + "/" + binding.Name

	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loading module %q: %w", path, err)
	}

	initSym, err := p.Lookup(moduleInitSymbol)
	if err != nil {
		return nil, fmt.Errorf("module %q has no %s symbol: %w", path, moduleInitSymbol, err)
	}
	initFn, ok := initSym.(func(string) error)
	if !ok {
		return nil, fmt.Errorf("module %q: %s has the wrong signature", path, moduleInitSymbol)
	}

	handleSym, err := p.Lookup(moduleHandleSymbol)
	if err != nil {
		return nil, fmt.Errorf("module %q has no %s symbol: %w", path, moduleHandleSymbol, err)
	}
	handleFn, ok := handleSym.(func(*Facility, http.ResponseWriter, *http.Request))
	if !ok {
		return nil, fmt.Errorf("module %q: %s has the wrong signature", path, moduleHandleSymbol)
	}

	if err := initFn(docroot); err != nil {
		return nil, fmt.Errorf("initializing module %q: %w", path, err)
	}

	m := &LoadedModule{Name: binding.Name, URL: binding.URL, Path: path, plugin: p, handle: handleFn}
	if destroySym, err := p.Lookup(moduleDestroySymbol); err == nil {
		if destroyFn, ok := destroySym.(func()); ok {
			m.destroy = destroyFn
		}
	}
	return m, nil
}

// ServeHTTP presents the module as an HTTP handler, passing the
// server-wide facility handle through to its native Handle function.
func (m *LoadedModule) ServeHTTP(f *Facility, w http.ResponseWriter, r *http.Request) {
	m.handle(f, w, r)
}

// ModuleRegistry holds every loaded native module in registration
// order, so shutdown can destroy them in reverse — the last module
// loaded is the first torn down.
type ModuleRegistry struct {
	modules []*LoadedModule
	log     *zap.Logger
}

// NewModuleRegistry loads every <module> binding in cfg, in order,
// aborting (and unwinding what was already loaded) on the first
// failure.
func NewModuleRegistry(cfg *ModulesBlock, docroot string, log *zap.Logger) (*ModuleRegistry, error) {
	r := &ModuleRegistry{log: log}
	if cfg == nil {
		return r, nil
	}
	for _, binding := range cfg.Modules {
		m, err := LoadModule(binding, cfg.Path, docroot)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.modules = append(r.modules, m)
		log.Info("module loaded", zap.String("name", m.Name), zap.String("url", m.URL))
	}
	return r, nil
}

// Lookup finds a loaded module by URL pattern.
func (r *ModuleRegistry) Lookup(url string) (*LoadedModule, bool) {
	for _, m := range r.modules {
		if m.URL == url {
			return m, true
		}
	}
	return nil, false
}

// Close destroys every module in reverse registration order, calling
// Destroy() before the plugin's native handle is considered released —
// Go plugins are never actually unloaded by the runtime, so "release"
// here means "never call into it again".
func (r *ModuleRegistry) Close() {
	for i := len(r.modules) - 1; i >= 0; i-- {
		m := r.modules[i]
		if m.destroy != nil {
			func() {
				defer func() {
					if rec := recover(); rec != nil && r.log != nil {
						r.log.Error("module destroy panicked", zap.String("name", m.Name), zap.Any("panic", rec))
					}
				}()
				m.destroy()
			}()
		}
	}
	r.modules = nil
}
