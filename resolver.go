package cepa

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
)

// scriptExt and nativeExt are the two extensions the Library Resolver
// tries, in that order. Library resolution always uses .js, independent
// of the configurable URL extension script routes are bound under.
const (
	scriptExt = ".js"
	nativeExt = ".so"
)

// nativeInitSymbol is the symbol every native library must export.
const nativeInitSymbol = "Init"

// NativeInitFunc is the entry point a native library exposes, taking
// the module's exports object (by reference, as a map the library
// populates) and the module object itself.
type NativeInitFunc func(moduleExports map[string]any, moduleObject map[string]any) error

// Resolver loads script and native libraries on demand, scoped to one
// request via the Request Context's library table.
type Resolver struct {
	libpath string
}

// NewResolver constructs a resolver rooted at the configured library
// path.
func NewResolver(libpath string) *Resolver {
	return &Resolver{libpath: libpath}
}

// Resolve looks up NAME.js first, then NAME.so; already-registered
// libraries in ctx are a no-op.
func (r *Resolver) Resolve(ctx *RequestContext, name string) (*LibraryEntry, error) {
	if entry, ok := ctx.Library(name); ok {
		return entry, nil
	}
	if r.libpath == "" {
		return nil, fmt.Errorf("no library path")
	}

	scriptPath := filepath.Join(r.libpath, name+scriptExt)
	if data, err := os.ReadFile(scriptPath); err == nil {
		entry := &LibraryEntry{Name: name, Source: data}
		ctx.RegisterLibrary(name, entry)
		return entry, nil
	}

	nativePath := filepath.Join(r.libpath, name+nativeExt)
	if _, err := os.Stat(nativePath); err != nil {
		return nil, fmt.Errorf("module %s not found", name)
	}

	p, err := plugin.Open(nativePath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", name, err)
	}
	sym, err := p.Lookup(nativeInitSymbol)
	if err != nil {
		return nil, fmt.Errorf("module %s has no %s symbol: %w", name, nativeInitSymbol, err)
	}
	initFn, ok := sym.(func(map[string]any, map[string]any) error)
	if !ok {
		return nil, fmt.Errorf("module %s: %s has the wrong signature", name, nativeInitSymbol)
	}

	exports := make(map[string]any)
	module := make(map[string]any)
	if err := protectedInit(initFn, exports, module); err != nil {
		// init failed: the partially-built entry is never registered.
		return nil, fmt.Errorf("initializing %s: %w", name, err)
	}

	entry := &LibraryEntry{Name: name, Native: p, Exports: exports, Module: module}
	ctx.RegisterLibrary(name, entry)
	return entry, nil
}

// protectedInit calls a native library's Init inside a recover
// boundary, mirroring the VM's protected-call discipline used
// everywhere else a script-adjacent callback can panic.
func protectedInit(initFn NativeInitFunc, exports, module map[string]any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in module init: %v", rec)
		}
	}()
	return initFn(exports, module)
}

// LibraryEntry is one loaded library inside a Request Context's
// library table.
type LibraryEntry struct {
	Name    string
	Source  []byte         // non-nil for script libraries
	Native  *plugin.Plugin // non-nil for native libraries
	Exports map[string]any
	Module  map[string]any
}
