package cepa

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"modernc.org/quickjs"
)

// maxScriptPathBytes bounds the resolved script path instead of
// silently truncating it, so an oversized URL is a reported error
// rather than a quietly mangled file lookup.
const maxScriptPathBytes = 4096

// literalPathSentinel marks route data as already being a literal
// script path rather than one to be joined under the docroot.
const literalPathSentinel = "!"

// Executor runs the per-request state machine: resolve the script
// path, allocate a VM, obtain compiled bytecode, install the host API,
// execute, harvest the response, and tear everything down.
type Executor struct {
	cache    *BytecodeCache
	kv       *KVStore
	resolver *Resolver
	log      *zap.Logger
}

// NewExecutor constructs an executor sharing the server-wide Bytecode
// Cache and KV Store, the only two pieces of state mutated across
// requests.
func NewExecutor(cache *BytecodeCache, kv *KVStore, resolver *Resolver, log *zap.Logger) *Executor {
	return &Executor{cache: cache, kv: kv, resolver: resolver, log: log}
}

// resolvePath implements step 1: a route value beginning with the
// literal-path sentinel names the script file directly; otherwise the
// route value is a base directory joined with the request's path.
func (e *Executor) resolvePath(routeData string, r *http.Request) (string, error) {
	var path string
	if strings.HasPrefix(routeData, literalPathSentinel) {
		path = strings.TrimPrefix(routeData, literalPathSentinel)
	} else {
		path = filepath.Join(routeData, r.URL.Path)
	}
	if len(path) > maxScriptPathBytes {
		return "", fmt.Errorf("script path too long")
	}
	return path, nil
}

// Execute runs routeData's script against w/r, performing every step
// of the state machine and funnelling any failure through a single
// 500 response, tearing down whatever per-request state was built so
// far before writing it.
func (e *Executor) Execute(w http.ResponseWriter, r *http.Request, routeData string) {
	path, err := e.resolvePath(routeData, r)
	if err != nil {
		e.fail(w, "", err)
		return
	}

	// Registered first so it runs last: the 500 is written only after
	// the VM and the request context below have been torn down.
	var failErr error
	defer func() {
		if failErr != nil {
			e.fail(w, path, failErr)
		}
	}()

	ctx := NewRequestContext(r)
	defer ctx.Release()

	var vm *quickjs.VM
	defer func() {
		if vm != nil {
			vm.Close()
		}
	}()

	if _, err := os.Stat(path); err != nil {
		failErr = fmt.Errorf("%s : %s", path, err.Error())
		return
	}

	vm, err = quickjs.NewVM()
	if err != nil {
		failErr = fmt.Errorf("out of memory")
		return
	}

	compiled, wasCompiled, err := e.cache.GetOrCompile(path, compileScript)
	if err != nil {
		failErr = err
		return
	}

	if err := InstallHostAPI(vm, ctx, e.kv, e.resolver); err != nil {
		failErr = err
		return
	}

	if err := e.run(vm, compiled); err != nil {
		ctx.Err = err
		failErr = err
		return
	}

	e.writeSuccess(w, ctx, wasCompiled)
}

// fail logs an executor-level failure (path, if resolved, and the
// error that caused the 500) and writes the funnelled 500 response.
func (e *Executor) fail(w http.ResponseWriter, path string, err error) {
	if e.log != nil {
		e.log.Error("script execution failed", zap.String("path", path), zap.Error(err))
	}
	writeFailure(w, 500, err.Error())
}

// run executes the compiled script body under QuickJS's exception
// handling, formatting a thrown structured error as
// fileName : lineNumber : message.
func (e *Executor) run(vm *quickjs.VM, compiled []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("script panic: %v", rec)
		}
	}()
	v, evalErr := vm.EvalValue(string(compiled), quickjs.EvalGlobal)
	if evalErr != nil {
		return formatScriptError(evalErr)
	}
	v.Free()
	return nil
}

// formatScriptError applies the structured-error format when the
// underlying engine error carries file/line information. Any other
// thrown value is string-coerced verbatim, with no path prefix.
func formatScriptError(err error) error {
	type structuredError interface {
		FileName() string
		LineNumber() int
		Message() string
	}
	if se, ok := err.(structuredError); ok {
		return fmt.Errorf("%s : %d : %s", se.FileName(), se.LineNumber(), se.Message())
	}
	return err
}

// writeSuccess implements step 6: copy status, emit headers and
// content-length, write the buffered body, and add the Compiled
// diagnostic header when this request triggered a fresh compile.
func (e *Executor) writeSuccess(w http.ResponseWriter, ctx *RequestContext, wasCompiled bool) {
	for k, v := range ctx.Headers {
		w.Header().Set(k, v)
	}
	if wasCompiled {
		w.Header().Set("Compiled", "true")
	}
	body := ctx.Body.Bytes()
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(ctx.StatusCode)
	_, _ = w.Write(body)
}

// writeFailure implements step 7's funnelled failure path: a flat 500
// with the formatted error string as the body. Per-request resources
// are freed by the defers in Execute regardless of which step failed.
func writeFailure(w http.ResponseWriter, code int, message string) {
	w.WriteHeader(code)
	_, _ = w.Write([]byte(message))
}
