package cepa

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"modernc.org/quickjs"
)

// InstallHostAPI wires the full host-API surface into a freshly
// allocated VM bound to ctx: request inspection (cgi.*), response
// composition (cgi.*), KV access (kv.*), SQL access (via a
// cgi.openDatabase factory), and library import (cepaImport). The
// request handle is published into the VM under __requestID; every
// request-scoped host function (all but the process-wide kv.*
// functions) takes it as its first argument and recovers the
// owning context through LookupRequestContext, so no function needs
// caller cooperation to find its per-request state.
func InstallHostAPI(vm *quickjs.VM, ctx *RequestContext, kv *KVStore, resolver *Resolver) error {
	if err := deleteGlobal(vm, "print"); err != nil {
		return fmt.Errorf("isolating print: %w", err)
	}
	if err := deleteGlobal(vm, "alert"); err != nil {
		return fmt.Errorf("isolating alert: %w", err)
	}
	if err := setGlobal(vm, "__requestID", strconv.FormatUint(ctx.ID, 10)); err != nil {
		return err
	}

	if err := installRequestInspection(vm); err != nil {
		return err
	}
	if err := installResponseComposition(vm); err != nil {
		return err
	}
	if err := installKV(vm, kv); err != nil {
		return err
	}
	if err := installSQL(vm); err != nil {
		return err
	}
	if err := installImport(vm, resolver); err != nil {
		return err
	}
	return evalDiscard(vm, cgiObjectJS)
}

// presentValue wraps a present result as {"value": v} for the JS side;
// absent results cross the bridge as the literal string "null".
func presentValue(v any) string {
	data, _ := json.Marshal(map[string]any{"value": v})
	return string(data)
}

const absentJSON = "null"

// bytesKey tags a blob crossing the JSON bridge in either direction,
// since JSON itself has no binary type. The JS facade turns the
// wrapper into a Uint8Array on the way out and produces it from
// ArrayBuffer/typed-array binds on the way in.
const bytesKey = "__cepaBytes"

// encodeSQLValue wraps blob column values for the JSON bridge; all
// other column types are JSON-native and pass through.
func encodeSQLValue(v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	nums := make([]any, len(b))
	for i, x := range b {
		nums[i] = int(x)
	}
	return map[string]any{bytesKey: nums}
}

// decodeBindValue unwraps the blob wrapper from a script-supplied bind
// value, returning []byte so the statement binds a real blob.
func decodeBindValue(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	raw, ok := m[bytesKey]
	if !ok {
		return v
	}
	nums, ok := raw.([]any)
	if !ok {
		return v
	}
	b := make([]byte, len(nums))
	for i, n := range nums {
		if f, ok := n.(float64); ok {
			b[i] = byte(int(f))
		}
	}
	return b
}

func installRequestInspection(vm *quickjs.VM) error {
	if err := registerGoFunc(vm, "__cgi_is_secure", func(reqIDStr string) (int, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return 0, nil
		}
		return boolToInt(ctx.Request.TLS != nil), nil
	}, false); err != nil {
		return err
	}

	if err := registerGoFunc(vm, "__cgi_get_method", func(reqIDStr string) (string, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return absentJSON, nil
		}
		switch ctx.Request.Method {
		case "GET", "POST", "PUT", "DELETE", "HEAD":
			return presentValue(ctx.Request.Method), nil
		default:
			return absentJSON, nil
		}
	}, false); err != nil {
		return err
	}

	if err := registerGoFunc(vm, "__cgi_get_header", func(reqIDStr, name string) (string, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return absentJSON, nil
		}
		if v := ctx.Request.Header.Get(name); v != "" {
			return presentValue(v), nil
		}
		return absentJSON, nil
	}, false); err != nil {
		return err
	}

	if err := registerGoFunc(vm, "__cgi_get_path", func(reqIDStr string) (string, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return "", nil
		}
		return ctx.Request.URL.Path, nil
	}, false); err != nil {
		return err
	}

	if err := registerGoFunc(vm, "__cgi_get_fullpath", func(reqIDStr string) (string, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return "", nil
		}
		return ctx.Request.URL.RequestURI(), nil
	}, false); err != nil {
		return err
	}

	if err := registerGoFunc(vm, "__cgi_get_query", func(reqIDStr, name string) (string, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return absentJSON, nil
		}
		vals := ctx.Request.URL.Query()
		if v, present := vals[name]; present && len(v) > 0 {
			return presentValue(v[0]), nil
		}
		return absentJSON, nil
	}, false); err != nil {
		return err
	}

	if err := registerGoFunc(vm, "__cgi_get_post", func(reqIDStr, name string) (string, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return absentJSON, nil
		}
		req := ctx.Request
		if err := req.ParseMultipartForm(32 << 20); err != nil {
			_ = req.ParseForm()
		}
		if req.PostForm != nil {
			if v, present := req.PostForm[name]; present && len(v) > 0 {
				return presentValue(v[0]), nil
			}
		}
		return absentJSON, nil
	}, false); err != nil {
		return err
	}

	if err := registerGoFunc(vm, "__cgi_get_post_multi_json", func(reqIDStr, name string) (string, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return "[]", nil
		}
		req := ctx.Request
		if err := req.ParseMultipartForm(32 << 20); err != nil {
			_ = req.ParseForm()
		}
		values := []string{}
		if req.PostForm != nil {
			values = append(values, req.PostForm[name]...)
		}
		data, _ := json.Marshal(values)
		return string(data), nil
	}, false); err != nil {
		return err
	}

	if err := registerGoFunc(vm, "__cgi_get_file", func(reqIDStr, name string) (string, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return absentJSON, nil
		}
		req := ctx.Request
		if req.MultipartForm == nil {
			if err := req.ParseMultipartForm(32 << 20); err != nil {
				return absentJSON, nil
			}
		}
		if req.MultipartForm == nil || req.MultipartForm.File == nil {
			return absentJSON, nil
		}
		headers, present := req.MultipartForm.File[name]
		if !present || len(headers) == 0 {
			return absentJSON, nil
		}
		f, err := headers[0].Open()
		if err != nil {
			return "", err
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return "", err
		}
		return presentValue(string(data)), nil
	}, false); err != nil {
		return err
	}

	if err := registerGoFunc(vm, "__cgi_get_cookie", func(reqIDStr, name string) (string, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return absentJSON, nil
		}
		c, err := ctx.Request.Cookie(name)
		if err != nil {
			return absentJSON, nil
		}
		return presentValue(c.Value), nil
	}, false); err != nil {
		return err
	}

	return nil
}

func installResponseComposition(vm *quickjs.VM) error {
	if err := registerGoFunc(vm, "__cgi_print", func(reqIDStr, s string) (int, error) {
		if ctx, ok := LookupRequestContext(parseRequestID(reqIDStr)); ok {
			ctx.Print(s)
		}
		return 0, nil
	}, false); err != nil {
		return err
	}
	if err := registerGoFunc(vm, "__cgi_set_response_code", func(reqIDStr string, code int) (int, error) {
		if ctx, ok := LookupRequestContext(parseRequestID(reqIDStr)); ok {
			ctx.StatusCode = code
		}
		return 0, nil
	}, false); err != nil {
		return err
	}
	if err := registerGoFunc(vm, "__cgi_set_header", func(reqIDStr, name, value string) (int, error) {
		if ctx, ok := LookupRequestContext(parseRequestID(reqIDStr)); ok {
			ctx.SetHeader(name, value)
		}
		return 0, nil
	}, false); err != nil {
		return err
	}
	return nil
}

func installKV(vm *quickjs.VM, kv *KVStore) error {
	if err := registerGoFunc(vm, "__kv_get", func(key string) (string, error) {
		v, ok := kv.Get(key)
		if !ok {
			return absentJSON, nil
		}
		s, _ := v.(string)
		return presentValue(s), nil
	}, false); err != nil {
		return err
	}
	// deleteFlag distinguishes an explicit delete from setting a value,
	// since a Go string cannot carry JS null.
	if err := registerGoFunc(vm, "__kv_set", func(key, value string, ttlSeconds, nx, deleteFlag int) (int, error) {
		var val any = value
		if deleteFlag != 0 {
			val = nil
		}
		result := kv.Set(key, val, nil, ttlSeconds, nx != 0)
		return boolToInt(result != SetRejected), nil
	}, false); err != nil {
		return err
	}
	return nil
}

func installSQL(vm *quickjs.VM) error {
	if err := registerGoFunc(vm, "__sql_open", func(reqIDStr, path string) (int, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return 0, fmt.Errorf("no request context")
		}
		db, err := OpenSQLDatabase(path)
		if err != nil {
			return 0, err
		}
		h := ctx.allocHandle()
		ctx.dbs[h] = db
		return h, nil
	}, false); err != nil {
		return err
	}

	if err := registerGoFunc(vm, "__sql_query", func(reqIDStr string, dbHandle int, sqlStr string, wantHeaders int, bindingsJSON string) (string, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return "", fmt.Errorf("no request context")
		}
		db, ok := ctx.dbs[dbHandle]
		if !ok {
			return "", fmt.Errorf("invalid database handle")
		}
		var bindings []any
		if bindingsJSON != "" && bindingsJSON != "[]" {
			if err := json.Unmarshal([]byte(bindingsJSON), &bindings); err != nil {
				return "", fmt.Errorf("invalid bindings: %w", err)
			}
			for i, b := range bindings {
				bindings[i] = decodeBindValue(b)
			}
		}
		result, err := db.Query(sqlStr, bindings)
		if err != nil {
			return "", err
		}
		out := map[string]any{"affected": result.Affected}
		if result.Columns != nil {
			rows := make([][]any, 0, len(result.Rows)+1)
			if wantHeaders != 0 {
				header := make([]any, len(result.Columns))
				for i, c := range result.Columns {
					header[i] = c
				}
				rows = append(rows, header)
			}
			for _, r := range result.Rows {
				vals := make([]any, len(r.Values))
				for i, v := range r.Values {
					vals[i] = encodeSQLValue(v)
				}
				rows = append(rows, vals)
			}
			out["rows"] = rows
		}
		data, _ := json.Marshal(out)
		return string(data), nil
	}, false); err != nil {
		return err
	}

	if err := registerGoFunc(vm, "__sql_prepare", func(reqIDStr string, dbHandle int, sqlStr string) (int, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return 0, fmt.Errorf("no request context")
		}
		db, ok := ctx.dbs[dbHandle]
		if !ok {
			return 0, fmt.Errorf("invalid database handle")
		}
		stmt, err := db.Prepare(sqlStr)
		if err != nil {
			return 0, err
		}
		h := ctx.allocHandle()
		ctx.stmts[h] = stmt
		return h, nil
	}, false); err != nil {
		return err
	}

	if err := registerGoFunc(vm, "__sql_bind", func(reqIDStr string, stmtHandle, index int, valueJSON string, asInteger int) (int, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return 0, fmt.Errorf("no request context")
		}
		stmt, ok := ctx.stmts[stmtHandle]
		if !ok {
			return 0, fmt.Errorf("invalid statement handle")
		}
		var value any
		if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
			return 0, fmt.Errorf("invalid bind value: %w", err)
		}
		value = decodeBindValue(value)
		if err := stmt.Bind(index, value, asInteger != 0); err != nil {
			return 0, err
		}
		return 0, nil
	}, false); err != nil {
		return err
	}

	if err := registerGoFunc(vm, "__sql_execute", func(reqIDStr string, stmtHandle int) (string, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return "", fmt.Errorf("no request context")
		}
		stmt, ok := ctx.stmts[stmtHandle]
		if !ok {
			return "", fmt.Errorf("invalid statement handle")
		}
		result, err := stmt.Execute()
		if err != nil {
			return "", err
		}
		data, _ := json.Marshal(map[string]any{"affected": result.Affected})
		return string(data), nil
	}, false); err != nil {
		return err
	}

	if err := registerGoFunc(vm, "__sql_close", func(reqIDStr string, dbHandle int) (int, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return 0, nil
		}
		db, ok := ctx.dbs[dbHandle]
		if !ok {
			return 0, nil
		}
		delete(ctx.dbs, dbHandle)
		return 0, db.Close()
	}, false); err != nil {
		return err
	}

	return nil
}

func installImport(vm *quickjs.VM, resolver *Resolver) error {
	return registerGoFunc(vm, "__cepa_import", func(reqIDStr, name string) (string, error) {
		ctx, ok := LookupRequestContext(parseRequestID(reqIDStr))
		if !ok {
			return "", fmt.Errorf("no request context")
		}
		entry, err := resolver.Resolve(ctx, name)
		if err != nil {
			return "", err
		}
		if entry.Source != nil {
			out := map[string]any{"kind": "script", "source": string(entry.Source)}
			data, _ := json.Marshal(out)
			return string(data), nil
		}
		out := map[string]any{"kind": "native", "exports": entry.Exports}
		data, _ := json.Marshal(out)
		return string(data), nil
	}, false)
}

// cgiObjectJS builds the cgi/kv/db/import JS facades over the raw
// __cgi_*/__kv_*/__sql_*/__cepa_import functions. Absent results cross
// the bridge as JSON null and surface to scripts as undefined; present
// results arrive as {"value": ...}; blob columns and binds cross as
// the __cepaBytes wrapper and surface as Uint8Array. getPostMulti's
// protected-call iteration lives in JS, where try/catch is natural.
const cgiObjectJS = `(function(){
	var RID = __requestID;
	function unwrap(s) {
		var r = JSON.parse(s);
		return r === null ? undefined : r.value;
	}
	function fromBridge(v) {
		if (v !== null && typeof v === "object" && v.__cepaBytes !== undefined) {
			return new Uint8Array(v.__cepaBytes);
		}
		return v;
	}
	function toBridge(v) {
		if (v === undefined) return null;
		if (v instanceof ArrayBuffer) {
			return {__cepaBytes: Array.from(new Uint8Array(v))};
		}
		if (v !== null && typeof v === "object" && typeof v.byteLength === "number" && v.buffer instanceof ArrayBuffer) {
			return {__cepaBytes: Array.from(new Uint8Array(v.buffer, v.byteOffset, v.byteLength))};
		}
		if (v !== null && typeof v === "object" && v.toString !== Object.prototype.toString && typeof v.toString === "function") {
			return v.toString();
		}
		return v;
	}

	globalThis.cgi = {
		isSecure: function() { return !!__cgi_is_secure(RID); },
		getMethod: function() { return unwrap(__cgi_get_method(RID)); },
		getHeader: function(n) { return unwrap(__cgi_get_header(RID, n)); },
		getPath: function() { return __cgi_get_path(RID); },
		getFullPath: function() { return __cgi_get_fullpath(RID); },
		getQuery: function(n) { return unwrap(__cgi_get_query(RID, n)); },
		getPost: function(n) { return unwrap(__cgi_get_post(RID, n)); },
		getFile: function(n) { return unwrap(__cgi_get_file(RID, n)); },
		getCookie: function(n) { return unwrap(__cgi_get_cookie(RID, n)); },
		getPostMulti: function(name, cb) {
			var values = JSON.parse(__cgi_get_post_multi_json(RID, name));
			var firstErr = null;
			for (var i = 0; i < values.length; i++) {
				if (firstErr !== null) continue;
				try { cb(values[i]); } catch (e) { firstErr = e; }
			}
			if (firstErr !== null) throw firstErr;
		},
		print: function() {
			var s = "";
			for (var i = 0; i < arguments.length; i++) s += String(arguments[i]);
			__cgi_print(RID, s);
		},
		setResponseCode: function(n) { __cgi_set_response_code(RID, n); },
		setHeader: function(name, value) { __cgi_set_header(RID, name, String(value)); },
		openDatabase: function(path) {
			var h = __sql_open(RID, path);
			return {
				query: function(sqlStr, wantHeaders, bindings) {
					var args = (bindings || []).map(toBridge);
					var r = JSON.parse(__sql_query(RID, h, sqlStr, wantHeaders ? 1 : 0, JSON.stringify(args)));
					if (r.rows === undefined) return r.affected;
					return r.rows.map(function(row) { return row.map(fromBridge); });
				},
				prepare: function(sqlStr) {
					var sh = __sql_prepare(RID, h, sqlStr);
					return {
						bind: function(index, value, asInteger) {
							__sql_bind(RID, sh, index, JSON.stringify(toBridge(value)), asInteger ? 1 : 0);
						},
						execute: function() { return JSON.parse(__sql_execute(RID, sh)).affected; },
					};
				},
				close: function() { __sql_close(RID, h); },
			};
		},
	};

	globalThis.kv = {
		get: function(key) { return unwrap(__kv_get(key)); },
		set: function(key, value, ttl, nx) {
			var del = value === undefined || value === null;
			return !!__kv_set(key, del ? "" : String(value), ttl || 0, nx ? 1 : 0, del ? 1 : 0);
		},
	};

	globalThis.cepaImport = function(name) {
		var r = JSON.parse(__cepa_import(RID, name));
		if (r.kind === "script") {
			return (0, eval)(r.source);
		}
		return r.exports;
	};
})()`
