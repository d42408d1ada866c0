package cepa

import (
	"fmt"
	"strconv"

	"modernc.org/quickjs"
)

// boolToInt converts a bool to 1/0 for quickjs interop, since
// modernc.org/quickjs's RegisterFunc cannot marshal Go bool returns.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// evalDiscard evaluates JavaScript and discards the result.
func evalDiscard(vm *quickjs.VM, js string) error {
	v, err := vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// setGlobal sets a global property on the VM's global object, with
// values auto-converted from Go types to JS types.
func setGlobal(vm *quickjs.VM, name string, value any) error {
	atom, err := vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

// deleteGlobal removes a global property, used to strip the engine's
// default print/alert so scripts cannot bypass the buffered response.
func deleteGlobal(vm *quickjs.VM, name string) error {
	return evalDiscard(vm, fmt.Sprintf("delete globalThis[%s]", strconv.Quote(name)))
}

// registerGoFunc registers a Go function that returns (T, error) and
// wraps it in JS so that a non-nil error throws instead of returning
// the [value, error] array modernc.org/quickjs's RegisterFunc
// produces natively.
func registerGoFunc(vm *quickjs.VM, name string, f any, wantThis bool) error {
	rawName := "__raw_" + name
	if err := vm.RegisterFunc(rawName, f, wantThis); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var r = raw.apply(this, arguments);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling %s: " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return evalDiscard(vm, wrapJS)
}

// parseRequestID parses the string-encoded request handle host
// functions receive as their first argument.
func parseRequestID(s string) uint64 {
	id, _ := strconv.ParseUint(s, 10, 64)
	return id
}
