package backend

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cast"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// PostgreSQL error codes
const (
	uniqueViolationCode      = "23505"
	serializationFailureCode = "40001"
	deadlockDetectedCode     = "40P01"
)

var (
	ErrUnsupportedURI = errors.New("unsupported backend uri")
	ErrInvalidTable   = errors.New("invalid table name")
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type dialect struct {
	name   string
	driver string
	// cols is the select list, in scan order.
	cols string
	// forUpdate is appended to single-row reads made before a write.
	forUpdate string
	schema    func(table string) []string
	// lock, when set, is executed before the schema statements in the same transaction.
	lock        func(table string) string
	bind        func(q string) string
	duplicate   func(err error) bool
	retryable   func(err error) bool
	maxOpenConn int
}

var sqliteDialect = dialect{
	name:   "sqlite",
	driver: "sqlite",
	cols:   "id, name, params, state, app_name, result, timeout, result_ttl, created_at, updated_at",
	schema: func(table string) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  params TEXT,
  state TEXT NOT NULL,
  app_name TEXT NOT NULL,
  result TEXT,
  timeout INTEGER NOT NULL DEFAULT 60,
  result_ttl INTEGER NOT NULL DEFAULT 900,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_state ON %s(state)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_app_name ON %s(app_name)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s(created_at)`, table, table),
		}
	},
	bind: func(q string) string { return q },
	duplicate: func(err error) bool {
		code, ok := sqliteCode(err)
		return ok && (code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE)
	},
	retryable: func(err error) bool {
		code, ok := sqliteCode(err)
		if !ok {
			return false
		}
		code &= 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	},
	// SQLite single writer
	maxOpenConn: 1,
}

var postgresDialect = dialect{
	name:      "postgres",
	driver:    "pgx",
	cols:      "id, name, params::text, state, app_name, result::text, timeout, result_ttl, created_at, updated_at",
	forUpdate: " FOR UPDATE",
	schema: func(table string) []string {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  params JSONB,
  state TEXT NOT NULL,
  app_name TEXT NOT NULL,
  result JSONB,
  timeout INTEGER NOT NULL DEFAULT 60,
  result_ttl INTEGER NOT NULL DEFAULT 900,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_state ON %s(state)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_app_name ON %s(app_name)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s(created_at)`, table, table),
		}
	},
	lock: func(table string) string {
		return fmt.Sprintf(`SELECT pg_advisory_xact_lock(hashtext('workq:%s'))`, table)
	},
	bind: rebindDollar,
	duplicate: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
	},
	retryable: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && (pgErr.Code == serializationFailureCode || pgErr.Code == deadlockDetectedCode)
	},
}

func sqliteCode(err error) (int, bool) {
	var sqErr *sqlite.Error
	if !errors.As(err, &sqErr) {
		return 0, false
	}
	return sqErr.Code(), true
}

// rebindDollar turns ? placeholders into $1, $2, ...
func rebindDollar(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parseURI maps a backend uri to a dialect and a driver dsn. SQLite uris follow
// the sqlalchemy convention: sqlite:///rel.db and sqlite:////abs/path.db.
func parseURI(uri string, opts map[string]any) (dialect, string, error) {
	scheme, rest, hasScheme := strings.Cut(uri, "://")
	if !hasScheme {
		switch {
		case strings.HasPrefix(uri, "sqlite:"):
			return sqliteDialect, sqliteDSN(strings.TrimPrefix(uri, "sqlite:"), opts), nil
		case strings.HasPrefix(uri, "file:"):
			path, _, _ := strings.Cut(strings.TrimPrefix(uri, "file:"), "?")
			return sqliteDialect, sqliteDSN(path, opts), nil
		case uri == "":
			return dialect{}, "", fmt.Errorf("%w: empty uri", ErrUnsupportedURI)
		default:
			return sqliteDialect, sqliteDSN(uri, opts), nil
		}
	}
	base, _, _ := strings.Cut(scheme, "+")
	switch base {
	case "postgres", "postgresql":
		u, err := url.Parse(uri)
		if err != nil {
			return dialect{}, "", fmt.Errorf("%w: %v", ErrUnsupportedURI, err)
		}
		u.Scheme = "postgres"
		return postgresDialect, u.String(), nil
	case "sqlite":
		path := rest
		if strings.HasPrefix(path, "/") {
			path = path[1:]
		}
		return sqliteDialect, sqliteDSN(path, opts), nil
	default:
		return dialect{}, "", fmt.Errorf("%w: %q", ErrUnsupportedURI, scheme)
	}
}

func sqliteDSN(path string, opts map[string]any) string {
	busy := 5000
	if v, ok := opts["busy_timeout_ms"]; ok {
		busy = cast.ToInt(v)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_txlock=immediate&_time_format=sqlite", path, busy)
	wal := true
	if v, ok := opts["wal"]; ok {
		wal = cast.ToBool(v)
	}
	if wal {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	return dsn
}

// tableName reads the table option. table_state is the older spelling and
// loses to table when both are set.
func tableName(opts map[string]any) (string, error) {
	table := "tasks_state"
	if v, ok := opts["table_state"]; ok {
		table = cast.ToString(v)
	}
	if v, ok := opts["table"]; ok {
		table = cast.ToString(v)
	}
	if !identRe.MatchString(table) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return table, nil
}
