package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// EnsureSchema creates the message table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS queue_messages (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL,
  qname TEXT NOT NULL,
  body BLOB NOT NULL,
  enqueued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_queue_messages_qname ON queue_messages(qname, seq);
`
	_, err := db.Exec(schema)
	return err
}

// SQLiteChannel is a FIFO stored in a SQLite file. Every process that opens
// the same file and queue name shares the same stream of messages; each
// message is handed to exactly one Get.
type SQLiteChannel struct {
	db        *sql.DB
	qname     string
	pollEvery time.Duration
}

// OpenSQLite opens (or creates) the queue file at path.
func OpenSQLite(path, qname string, pollEvery time.Duration) (*SQLiteChannel, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", qname, err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	if pollEvery <= 0 {
		pollEvery = 250 * time.Millisecond
	}
	return &SQLiteChannel{db: db, qname: qname, pollEvery: pollEvery}, nil
}

func (c *SQLiteChannel) Put(ctx context.Context, msg []byte) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO queue_messages (id, qname, body, enqueued_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		"msg_"+uuid.NewString(), c.qname, msg)
	if err != nil {
		return fmt.Errorf("put message on %s: %w", c.qname, err)
	}
	return nil
}

func (c *SQLiteChannel) Get(ctx context.Context, wait bool) ([]byte, error) {
	if !wait {
		return c.pop(ctx)
	}
	t := time.NewTicker(c.pollEvery)
	defer t.Stop()
	for {
		msg, err := c.pop(ctx)
		if err != ErrEmpty {
			return msg, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// pop removes and returns the oldest message of the queue in one statement.
func (c *SQLiteChannel) pop(ctx context.Context) ([]byte, error) {
	row := c.db.QueryRowContext(ctx, `
DELETE FROM queue_messages
WHERE seq = (SELECT seq FROM queue_messages WHERE qname = ? ORDER BY seq LIMIT 1)
RETURNING body`, c.qname)
	var body []byte
	err := row.Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("get message from %s: %w", c.qname, err)
	}
	return body, nil
}

// Len returns the number of pending messages.
func (c *SQLiteChannel) Len(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE qname = ?`, c.qname).Scan(&n)
	return n, err
}

func (c *SQLiteChannel) Close() error { return c.db.Close() }
