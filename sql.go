package cepa

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// SQLDatabase is a single opened database file offering
// query/prepare/close.
type SQLDatabase struct {
	db *sql.DB
}

// OpenSQLDatabase opens (or creates) a SQLite file at path and arms a
// busy timeout so lock contention surfaces as a catchable "sqlite
// timeout" error instead of an immediate SQLITE_BUSY.
func OpenSQLDatabase(path string) (*SQLDatabase, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy_timeout on %q: %w", path, err)
	}
	return &SQLDatabase{db: db}, nil
}

// Close releases the underlying connection.
func (d *SQLDatabase) Close() error {
	return d.db.Close()
}

// SQLRow is one result row: either typed column values (query) or
// absent, with Columns nil signalling "not a query".
type SQLRow struct {
	Values []any
}

// QueryResult is the result of SQLDatabase.Query.
type QueryResult struct {
	Columns  []string
	Rows     []SQLRow
	Affected int64 // valid when Columns is nil
}

// Query prepares sqlStr, steps it, and classifies the result purely by
// the column count the first step reveals, never by inspecting the SQL
// keyword: zero columns means "return the engine's change count", any
// other column count (including an INSERT/UPDATE ... RETURNING
// statement) means "push rows". A single *sql.Conn is held for the
// whole call so the post-step changes() lookup reads the same
// connection's counter the statement just updated.
func (d *SQLDatabase) Query(sqlStr string, bindings []any) (*QueryResult, error) {
	ctx := context.Background()
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, sqlStr, bindings...)
	if err != nil {
		if isBusyErr(err) {
			return nil, fmt.Errorf("sqlite timeout")
		}
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	if len(cols) == 0 {
		_ = rows.Close()
		var affected int64
		if err := conn.QueryRowContext(ctx, "SELECT changes()").Scan(&affected); err != nil {
			return nil, err
		}
		return &QueryResult{Affected: affected}, nil
	}

	result := &QueryResult{Columns: cols}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, SQLRow{Values: surfaceRow(raw)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// surfaceRow widens driver-native column values for script consumption:
// integers and floats pass through as numbers, blobs stay []byte (nil
// when empty), everything else is already a string or nil.
func surfaceRow(raw []any) []any {
	out := make([]any, len(raw))
	for i, v := range raw {
		switch x := v.(type) {
		case []byte:
			if len(x) == 0 {
				out[i] = nil
			} else {
				out[i] = x
			}
		default:
			out[i] = v
		}
	}
	return out
}

func isBusyErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "busy") || strings.Contains(strings.ToLower(err.Error()), "locked")
}

// SQLStatement is a prepared statement with bind-by-index semantics.
type SQLStatement struct {
	stmt  *sql.Stmt
	args  map[int]any
	final bool
}

// Prepare compiles sqlStr into a reusable statement.
func (d *SQLDatabase) Prepare(sqlStr string) (*SQLStatement, error) {
	stmt, err := d.db.Prepare(sqlStr)
	if err != nil {
		return nil, err
	}
	return &SQLStatement{stmt: stmt, args: make(map[int]any)}, nil
}

// Bind dispatches value to a bind parameter by its Go kind.
// asIntegerFlag binds a numeric value (int, int64, float64) as int64,
// truncating a float; a value of any other kind is passed to the
// driver unchanged when the flag is set.
func (s *SQLStatement) Bind(index int, value any, asIntegerFlag bool) error {
	if s.final {
		return fmt.Errorf("statement already finalized")
	}
	s.args[index] = dispatchBindValue(value, asIntegerFlag)
	return nil
}

func dispatchBindValue(value any, asIntegerFlag bool) any {
	if asIntegerFlag {
		switch v := value.(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(v)
		default:
			return v
		}
	}
	switch v := value.(type) {
	case bool:
		if v {
			return int64(1)
		}
		return int64(0)
	case float64:
		return v
	case int64:
		return v
	case string:
		return v
	case []byte:
		return v
	case nil:
		return nil
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(data)
	}
}

// Execute runs the bound statement, applying bindings in index order,
// then finalizes it explicitly — a subsequent destructor call is a
// no-op.
func (s *SQLStatement) Execute() (*QueryResult, error) {
	if s.final {
		return nil, fmt.Errorf("statement already finalized")
	}
	args := make([]any, len(s.args))
	for i := 1; i <= len(s.args); i++ {
		args[i-1] = s.args[i]
	}
	result, err := s.stmt.Exec(args...)
	s.finalize()
	if err != nil {
		return nil, err
	}
	affected, _ := result.RowsAffected()
	return &QueryResult{Affected: affected}, nil
}

// finalize releases the underlying prepared handle if still live.
// Idempotent: a second call (from the destructor, or from Execute
// having already finalized) is a no-op.
func (s *SQLStatement) finalize() {
	if s.final {
		return
	}
	s.final = true
	_ = s.stmt.Close()
}
