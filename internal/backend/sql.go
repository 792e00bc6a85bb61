package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"workq/internal/domain"
)

const maxTxAttempts = 3

// SQL stores tasks in a single table through database/sql. SQLite and
// PostgreSQL are supported, selected by the uri scheme.
type SQL struct {
	db    *sql.DB
	d     dialect
	table string
	opts  options
}

// OpenSQL opens the database named by cfg.URI and creates the tasks table if needed.
func OpenSQL(ctx context.Context, cfg Config, opts ...Option) (Backend, error) {
	return NewSQL(ctx, cfg, opts...)
}

func NewSQL(ctx context.Context, cfg Config, opts ...Option) (*SQL, error) {
	d, dsn, err := parseURI(cfg.URI, cfg.Options)
	if err != nil {
		return nil, err
	}
	table, err := tableName(cfg.Options)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", d.name, err)
	}
	if d.maxOpenConn > 0 {
		db.SetMaxOpenConns(d.maxOpenConn)
	}
	b := &SQL{db: db, d: d, table: table, opts: buildOptions(opts)}
	if err := b.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug().Str("dialect", d.name).Str("table", table).Msg("tasks backend ready")
	return b, nil
}

// EnsureSchema creates the tasks table and its indexes if they don't exist.
func (b *SQL) EnsureSchema(ctx context.Context) error {
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		if b.d.lock != nil {
			if _, err := tx.ExecContext(ctx, b.d.lock(b.table)); err != nil {
				return err
			}
		}
		for _, stmt := range b.d.schema(b.table) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// DB returns the underlying database connection.
func (b *SQL) DB() *sql.DB { return b.db }

func (b *SQL) Close() error { return b.db.Close() }

func (b *SQL) q(query string) string {
	return b.d.bind(fmt.Sprintf(query, b.table))
}

// withTx runs fn in a transaction, retrying the whole operation on transient conflicts.
func (b *SQL) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = b.runTx(ctx, fn)
		if err == nil || !b.d.retryable(err) {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("transient backend conflict, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*25) * time.Millisecond):
		}
	}
	return err
}

func (b *SQL) runTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *SQL) AddTask(ctx context.Context, t *domain.Task) error {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	err = b.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, b.q(`
INSERT INTO %s (id,name,params,state,app_name,result,timeout,result_ttl,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`),
			t.ID, t.Name, string(params), string(t.State), t.AppName, nullJSON(t.Result),
			t.Timeout, t.ResultTTL, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
		return err
	})
	if err != nil {
		if b.d.duplicate(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		return fmt.Errorf("add task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask and ListTasks read outside a transaction: on SQLite every
// transaction begins IMMEDIATE and would take the write lock.
func (b *SQL) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return b.getTx(ctx, b.db, id, false)
}

func (b *SQL) ListTasks(ctx context.Context) ([]*domain.Task, error) {
	tasks, err := b.selectTx(ctx, b.db, b.q(`SELECT `+b.d.cols+` FROM %s`))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (b *SQL) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		t, err := b.getTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if t.State == status {
			return nil
		}
		if err := t.Transition(status, b.opts.now()); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, b.q(`UPDATE %s SET state=?, updated_at=? WHERE id=?`),
			string(t.State), t.UpdatedAt, id)
		return err
	})
}

func (b *SQL) SetResult(ctx context.Context, id string, result json.RawMessage, status domain.Status) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		t, err := b.getTx(ctx, tx, id, true)
		if err != nil {
			return err
		}
		return b.setResultTx(ctx, tx, t, result, status)
	})
}

func (b *SQL) setResultTx(ctx context.Context, tx *sql.Tx, t *domain.Task, result json.RawMessage, status domain.Status) error {
	if err := resultSettable(t); err != nil {
		return err
	}
	if err := t.Transition(status, b.opts.now()); err != nil {
		return err
	}
	t.Touch(b.opts.now())
	_, err := tx.ExecContext(ctx, b.q(`UPDATE %s SET result=?, state=?, updated_at=? WHERE id=?`),
		nullJSON(result), string(t.State), t.UpdatedAt, t.ID)
	return err
}

func (b *SQL) DeleteTask(ctx context.Context, id string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		return b.deleteTx(ctx, tx, id)
	})
}

func (b *SQL) deleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, b.q(`DELETE FROM %s WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (b *SQL) CleanFailed(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		ids = nil
		var err error
		ids, err = b.deleteExpiredTx(ctx, tx, domain.StatusFailed)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("clean failed tasks: %w", err)
	}
	return ids, nil
}

func (b *SQL) Clean(ctx context.Context) (CleanReport, error) {
	var rep CleanReport
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		rep = CleanReport{}
		deleted, err := b.deleteExpiredTx(ctx, tx, domain.StatusDone)
		if err != nil {
			return err
		}
		rep.Deleted = deleted

		created, err := b.selectTx(ctx, tx, b.q(`SELECT `+b.d.cols+` FROM %s WHERE state=?`), string(domain.StatusCreated))
		if err != nil {
			return err
		}
		now := b.opts.now()
		for _, t := range created {
			if !t.TimedOut(now) {
				continue
			}
			if err := b.setResultTx(ctx, tx, t, StuckResult, domain.StatusFailed); err != nil {
				return err
			}
			rep.Failed = append(rep.Failed, t.ID)
		}
		return nil
	})
	if err != nil {
		return CleanReport{}, fmt.Errorf("clean tasks: %w", err)
	}
	return rep, nil
}

func (b *SQL) deleteExpiredTx(ctx context.Context, tx *sql.Tx, state domain.Status) ([]string, error) {
	tasks, err := b.selectTx(ctx, tx, b.q(`SELECT `+b.d.cols+` FROM %s WHERE state=?`), string(state))
	if err != nil {
		return nil, err
	}
	now := b.opts.now()
	var ids []string
	for _, t := range tasks {
		if !t.Expired(now) {
			continue
		}
		if err := b.deleteTx(ctx, tx, t.ID); err != nil {
			return nil, err
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *SQL) getTx(ctx context.Context, tx querier, id string, lock bool) (*domain.Task, error) {
	query := `SELECT ` + b.d.cols + ` FROM %s WHERE id=?`
	if lock {
		query += b.d.forUpdate
	}
	t, err := scanTask(tx.QueryRowContext(ctx, b.q(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// selectTx reads every matching row before returning so the transaction's
// connection is free for further statements.
func (b *SQL) selectTx(ctx context.Context, tx querier, query string, args ...any) ([]*domain.Task, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var (
		t              domain.Task
		state          string
		params, result sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Name, &params, &state, &t.AppName, &result,
		&t.Timeout, &t.ResultTTL, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.State = domain.Status(state)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	decoded, err := domain.DecodeParams([]byte(params.String))
	if err != nil {
		return nil, fmt.Errorf("decode params of %s: %w", t.ID, err)
	}
	t.Params = decoded
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	return &t, nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
