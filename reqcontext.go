package cepa

import (
	"bytes"
	"net/http"
	"sync"
	"sync/atomic"
)

// requestCounter hands out the per-request handles stashed in each
// VM's global object under __requestID, so any code holding only the
// VM can recover the owning context.
var requestCounter atomic.Uint64

// requestContexts is the process-wide registry keyed by handle.
var requestContexts sync.Map // uint64 -> *RequestContext

// RequestContext is the per-request mutable bag:
// response status, headers, body buffer, loaded-library table, error
// slot, and a read-only reference to the incoming request. Owned by
// exactly one worker for its entire lifetime.
type RequestContext struct {
	ID         uint64
	Request    *http.Request
	StatusCode int
	Headers    map[string]string // case as supplied, last-write-wins
	Body       bytes.Buffer
	libs       map[string]*LibraryEntry
	Err        error // cross-callback error propagation slot

	// SQL handle tables: every open database and prepared statement is
	// thread-local to this request's worker.
	dbs        map[int]*SQLDatabase
	stmts      map[int]*SQLStatement
	nextHandle int
}

// NewRequestContext registers a fresh context for req and returns it,
// already published in the process-wide registry under its handle.
func NewRequestContext(req *http.Request) *RequestContext {
	ctx := &RequestContext{
		ID:         requestCounter.Add(1),
		Request:    req,
		StatusCode: http.StatusOK,
		Headers:    make(map[string]string),
		libs:       make(map[string]*LibraryEntry),
		dbs:        make(map[int]*SQLDatabase),
		stmts:      make(map[int]*SQLStatement),
	}
	requestContexts.Store(ctx.ID, ctx)
	return ctx
}

// LookupRequestContext recovers a context from its handle; host-API
// functions use this to find the context without caller cooperation.
func LookupRequestContext(id uint64) (*RequestContext, bool) {
	v, ok := requestContexts.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*RequestContext), true
}

// Release removes the context from the registry. Must be called
// exactly once, on every exit path from the executor (success or
// failure).
func (c *RequestContext) Release() {
	for _, stmt := range c.stmts {
		stmt.finalize()
	}
	for _, db := range c.dbs {
		_ = db.Close()
	}
	requestContexts.Delete(c.ID)
}

// allocHandle hands out the next SQL database/statement handle. A
// single counter is shared by both tables since scripts only ever see
// opaque integers, never which table they index.
func (c *RequestContext) allocHandle() int {
	c.nextHandle++
	return c.nextHandle
}

// Library looks up an already-registered library by name.
func (c *RequestContext) Library(name string) (*LibraryEntry, bool) {
	e, ok := c.libs[name]
	return e, ok
}

// RegisterLibrary adds a library to the per-request table. Libraries
// loaded during the request live no longer than the context.
func (c *RequestContext) RegisterLibrary(name string, entry *LibraryEntry) {
	c.libs[name] = entry
}

// SetHeader applies the removal-sentinel semantics: the
// literal strings "null" and "undefined" remove a header; setting an
// absent header to a removal value is a no-op.
func (c *RequestContext) SetHeader(name, value string) {
	if value == "null" || value == "undefined" {
		delete(c.Headers, name)
		return
	}
	c.Headers[name] = value
}

// Print appends a string-coerced value to the buffered response body.
func (c *RequestContext) Print(s string) {
	c.Body.WriteString(s)
}
