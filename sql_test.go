package cepa

import (
	"errors"
	"testing"
)

func TestDispatchBindValue(t *testing.T) {
	tests := []struct {
		name      string
		value     any
		asInteger bool
		want      any
	}{
		{"integer flag forces int64", float64(3), true, int64(3)},
		{"bool true becomes 1", true, false, int64(1)},
		{"bool false becomes 0", false, false, int64(0)},
		{"float64 passes through", 3.5, false, 3.5},
		{"string passes through", "hi", false, "hi"},
		{"nil passes through", nil, false, nil},
		{"bytes pass through", []byte("blob"), false, []byte("blob")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dispatchBindValue(tt.value, tt.asInteger)
			switch want := tt.want.(type) {
			case []byte:
				gb, ok := got.([]byte)
				if !ok || string(gb) != string(want) {
					t.Fatalf("dispatchBindValue(%v) = %v, want %v", tt.value, got, tt.want)
				}
			default:
				if got != tt.want {
					t.Fatalf("dispatchBindValue(%v) = %v (%T), want %v (%T)", tt.value, got, got, tt.want, tt.want)
				}
			}
		})
	}
}

func TestDispatchBindValue_StringerUsesToString(t *testing.T) {
	got := dispatchBindValue(stubStringer{s: "rendered"}, false)
	if got != "rendered" {
		t.Fatalf("dispatchBindValue(Stringer) = %v, want rendered", got)
	}
}

func TestDispatchBindValue_ObjectFallsBackToJSON(t *testing.T) {
	got := dispatchBindValue(map[string]any{"a": float64(1)}, false)
	s, ok := got.(string)
	if !ok {
		t.Fatalf("dispatchBindValue(map) = %v (%T), want a JSON string", got, got)
	}
	if s != `{"a":1}` {
		t.Fatalf("dispatchBindValue(map) = %q, want {\"a\":1}", s)
	}
}

func TestSQLStatement_FinalizeIsIdempotent(t *testing.T) {
	s := &SQLStatement{args: make(map[int]any)}
	s.final = true // simulate an already-finalized statement without a live *sql.Stmt
	s.finalize()   // must not panic or double-close
	if !s.final {
		t.Fatalf("statement should remain finalized")
	}
}

func TestSQLStatement_BindAfterFinalizeErrors(t *testing.T) {
	s := &SQLStatement{args: make(map[int]any)}
	s.final = true
	if err := s.Bind(1, "x", false); err == nil {
		t.Fatalf("Bind on a finalized statement should error")
	}
}

func TestIsBusyErr(t *testing.T) {
	if !isBusyErr(errors.New("database is locked")) {
		t.Fatalf("expected 'database is locked' to be recognized as busy")
	}
	if !isBusyErr(errors.New("SQLITE_BUSY")) {
		t.Fatalf("expected 'SQLITE_BUSY' to be recognized as busy")
	}
	if isBusyErr(errors.New("no such table: foo")) {
		t.Fatalf("unrelated error should not be treated as busy")
	}
}

func TestSurfaceRow_EmptyBlobBecomesNil(t *testing.T) {
	out := surfaceRow([]any{[]byte{}, []byte("x"), "s", int64(1)})
	if out[0] != nil {
		t.Fatalf("empty blob should surface as nil, got %v", out[0])
	}
	if string(out[1].([]byte)) != "x" {
		t.Fatalf("non-empty blob should pass through, got %v", out[1])
	}
	if out[2] != "s" || out[3] != int64(1) {
		t.Fatalf("text/integer should pass through unchanged, got %v %v", out[2], out[3])
	}
}

type stubStringer struct{ s string }

func (s stubStringer) String() string { return s.s }
