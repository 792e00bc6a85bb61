package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workq/internal/domain"
)

// fakeClock is a settable clock shared by a backend and its test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type openFunc func(t *testing.T, clock *fakeClock) Backend

func backends(t *testing.T) map[string]openFunc {
	out := map[string]openFunc{
		"memory": func(t *testing.T, clock *fakeClock) Backend {
			return NewMemory(WithClock(clock.Now))
		},
		"sqlite": func(t *testing.T, clock *fakeClock) Backend {
			path := filepath.Join(t.TempDir(), "tasks.sqlite")
			b, err := Open(context.Background(), Config{URI: "sqlite:///" + path}, WithClock(clock.Now))
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
	if uri := os.Getenv("WORKQ_TEST_POSTGRES_URI"); uri != "" {
		out["postgres"] = func(t *testing.T, clock *fakeClock) Backend {
			table := fmt.Sprintf("tasks_test_%d", time.Now().UnixNano())
			b, err := Open(context.Background(), Config{URI: uri, Options: map[string]any{"table": table}}, WithClock(clock.Now))
			require.NoError(t, err)
			t.Cleanup(func() {
				_, _ = b.(*SQL).DB().Exec("DROP TABLE IF EXISTS " + table)
				_ = b.Close()
			})
			return b
		}
	}
	return out
}

func newTaskAt(t *testing.T, clock *fakeClock, name string) *domain.Task {
	tk, err := domain.NewTask(name, "example", map[string]any{"do": "web", "wait": 1.0})
	require.NoError(t, err)
	tk.CreatedAt = clock.Now()
	tk.UpdatedAt = clock.Now()
	return tk
}

func TestBackendContract(t *testing.T) {
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Run("add and get", func(t *testing.T) { testAddGet(t, open) })
			t.Run("duplicate", func(t *testing.T) { testDuplicate(t, open) })
			t.Run("list", func(t *testing.T) { testList(t, open) })
			t.Run("update status", func(t *testing.T) { testUpdateStatus(t, open) })
			t.Run("set result", func(t *testing.T) { testSetResult(t, open) })
			t.Run("reclaimed result kept", func(t *testing.T) { testReclaimedResultKept(t, open) })
			t.Run("wide integer params", func(t *testing.T) { testWideIntegerParams(t, open) })
			t.Run("delete", func(t *testing.T) { testDelete(t, open) })
			t.Run("clean failed", func(t *testing.T) { testCleanFailed(t, open) })
			t.Run("clean", func(t *testing.T) { testClean(t, open) })
		})
	}
}

func testAddGet(t *testing.T, open openFunc) {
	ctx := context.Background()
	clock := newFakeClock()
	b := open(t, clock)

	tk := newTaskAt(t, clock, "dummy")
	tk.Timeout = 5
	tk.ResultTTL = 60
	require.NoError(t, b.AddTask(ctx, tk))

	got, err := b.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, "dummy", got.Name)
	assert.Equal(t, "example", got.AppName)
	assert.Equal(t, domain.StatusCreated, got.State)
	raw, err := json.Marshal(got.Params)
	require.NoError(t, err)
	assert.JSONEq(t, `{"do":"web","wait":1}`, string(raw))
	assert.Equal(t, 5, got.Timeout)
	assert.Equal(t, 60, got.ResultTTL)
	assert.True(t, tk.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.Result)

	_, err = b.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDuplicate(t *testing.T, open openFunc) {
	ctx := context.Background()
	clock := newFakeClock()
	b := open(t, clock)

	tk := newTaskAt(t, clock, "dummy")
	require.NoError(t, b.AddTask(ctx, tk))
	assert.ErrorIs(t, b.AddTask(ctx, tk), ErrDuplicateTask)
}

func testList(t *testing.T, open openFunc) {
	ctx := context.Background()
	clock := newFakeClock()
	b := open(t, clock)

	var want []string
	for i := 0; i < 3; i++ {
		tk := newTaskAt(t, clock, "dummy")
		require.NoError(t, b.AddTask(ctx, tk))
		want = append(want, tk.ID)
	}
	tasks, err := b.ListTasks(ctx)
	require.NoError(t, err)

	var got []string
	for _, tk := range tasks {
		got = append(got, tk.ID)
	}
	sort.Strings(want)
	sort.Strings(got)
	assert.Equal(t, want, got)
}

func testUpdateStatus(t *testing.T, open openFunc) {
	ctx := context.Background()
	clock := newFakeClock()
	b := open(t, clock)

	tk := newTaskAt(t, clock, "dummy")
	require.NoError(t, b.AddTask(ctx, tk))

	clock.Advance(time.Second)
	require.NoError(t, b.UpdateStatus(ctx, tk.ID, domain.StatusRunning))
	first, err := b.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, first.State)
	assert.True(t, first.UpdatedAt.After(first.CreatedAt))

	// repeating the same status is a no-op
	clock.Advance(time.Second)
	require.NoError(t, b.UpdateStatus(ctx, tk.ID, domain.StatusRunning))
	second, err := b.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))

	assert.ErrorIs(t, b.UpdateStatus(ctx, tk.ID, domain.StatusCreated), domain.ErrInvalidTransition)
	assert.ErrorIs(t, b.UpdateStatus(ctx, "missing", domain.StatusRunning), ErrNotFound)
}

func testSetResult(t *testing.T, open openFunc) {
	ctx := context.Background()
	clock := newFakeClock()
	b := open(t, clock)

	tk := newTaskAt(t, clock, "dummy")
	require.NoError(t, b.AddTask(ctx, tk))
	require.NoError(t, b.UpdateStatus(ctx, tk.ID, domain.StatusRunning))

	clock.Advance(2 * time.Second)
	require.NoError(t, b.SetResult(ctx, tk.ID, json.RawMessage(`{"did":"web"}`), domain.StatusDone))

	got, err := b.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.State)
	assert.JSONEq(t, `{"did":"web"}`, string(got.Result))
	assert.GreaterOrEqual(t, got.UpdatedAt.Sub(got.CreatedAt), 2*time.Second)

	err = b.SetResult(ctx, tk.ID, json.RawMessage(`{}`), domain.StatusFailed)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// the stored result is written once
	clock.Advance(time.Second)
	err = b.SetResult(ctx, tk.ID, json.RawMessage(`{"did":"again"}`), domain.StatusDone)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	again, err := b.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"did":"web"}`, string(again.Result))
	assert.True(t, got.UpdatedAt.Equal(again.UpdatedAt))
}

func testReclaimedResultKept(t *testing.T, open openFunc) {
	ctx := context.Background()
	clock := newFakeClock()
	b := open(t, clock)

	tk := newTaskAt(t, clock, "stuck")
	tk.Timeout = 1
	require.NoError(t, b.AddTask(ctx, tk))
	clock.Advance(2 * time.Second)
	rep, err := b.Clean(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{tk.ID}, rep.Failed)
	before, err := b.GetTask(ctx, tk.ID)
	require.NoError(t, err)

	clock.Advance(time.Second)
	err = b.SetResult(ctx, tk.ID, json.RawMessage(`{"error":"unknown task"}`), domain.StatusFailed)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	after, err := b.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, after.State)
	assert.JSONEq(t, string(StuckResult), string(after.Result))
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
}

func testWideIntegerParams(t *testing.T, open openFunc) {
	ctx := context.Background()
	clock := newFakeClock()
	b := open(t, clock)

	tk, err := domain.NewTask("dummy", "example", map[string]any{"id": int64(9007199254740993)})
	require.NoError(t, err)
	require.NoError(t, b.AddTask(ctx, tk))

	got, err := b.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	raw, err := json.Marshal(got.Params)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9007199254740993}`, string(raw))
	assert.Contains(t, string(raw), "9007199254740993")
}

func testDelete(t *testing.T, open openFunc) {
	ctx := context.Background()
	clock := newFakeClock()
	b := open(t, clock)

	tk := newTaskAt(t, clock, "dummy")
	require.NoError(t, b.AddTask(ctx, tk))
	require.NoError(t, b.DeleteTask(ctx, tk.ID))

	_, err := b.GetTask(ctx, tk.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, b.DeleteTask(ctx, tk.ID), ErrNotFound)
}

func fail(t *testing.T, ctx context.Context, b Backend, id string) {
	require.NoError(t, b.UpdateStatus(ctx, id, domain.StatusRunning))
	require.NoError(t, b.SetResult(ctx, id, json.RawMessage(`{"error":"boom"}`), domain.StatusFailed))
}

func testCleanFailed(t *testing.T, open openFunc) {
	ctx := context.Background()
	clock := newFakeClock()
	b := open(t, clock)

	old := newTaskAt(t, clock, "old")
	old.ResultTTL = 10
	require.NoError(t, b.AddTask(ctx, old))
	fail(t, ctx, b, old.ID)

	clock.Advance(8 * time.Second)
	young := newTaskAt(t, clock, "young")
	young.ResultTTL = 10
	require.NoError(t, b.AddTask(ctx, young))
	fail(t, ctx, b, young.ID)

	clock.Advance(5 * time.Second)
	ids, err := b.CleanFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, ids)

	_, err = b.GetTask(ctx, young.ID)
	assert.NoError(t, err)
	_, err = b.GetTask(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testClean(t *testing.T, open openFunc) {
	ctx := context.Background()
	clock := newFakeClock()
	b := open(t, clock)

	done := newTaskAt(t, clock, "done")
	done.ResultTTL = 60
	require.NoError(t, b.AddTask(ctx, done))
	require.NoError(t, b.UpdateStatus(ctx, done.ID, domain.StatusRunning))
	require.NoError(t, b.SetResult(ctx, done.ID, json.RawMessage(`null`), domain.StatusDone))

	stuck := newTaskAt(t, clock, "stuck")
	stuck.Timeout = 1
	require.NoError(t, b.AddTask(ctx, stuck))

	fresh := newTaskAt(t, clock, "fresh")
	fresh.Timeout = 3600
	require.NoError(t, b.AddTask(ctx, fresh))

	clock.Advance(2 * time.Second)
	rep, err := b.Clean(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Deleted)
	assert.Equal(t, []string{stuck.ID}, rep.Failed)

	got, err := b.GetTask(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.State)
	assert.Contains(t, string(got.Result), "timeout")

	got, err = b.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, got.State)

	clock.Advance(61 * time.Second)
	rep, err = b.Clean(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{done.ID}, rep.Deleted)
	assert.Empty(t, rep.Failed)

	// nothing left to do the second time around
	rep, err = b.Clean(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Empty())
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	_, err := Open(ctx, Config{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = Open(ctx, Config{URI: "x", BackendClass: "nope"})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	b, err := Open(ctx, Config{BackendClass: ClassMemory})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	_, err = Open(ctx, Config{URI: "redis://localhost"})
	assert.ErrorIs(t, err, ErrUnsupportedURI)

	_, err = Open(ctx, Config{URI: filepath.Join(t.TempDir(), "x.db"), Options: map[string]any{"table": "bad name"}})
	assert.ErrorIs(t, err, ErrInvalidTable)

	assert.Contains(t, Classes(), ClassSQL)
}

func TestTableName(t *testing.T) {
	cases := []struct {
		name string
		opts map[string]any
		want string
	}{
		{"default", nil, "tasks_state"},
		{"table", map[string]any{"table": "jobs"}, "jobs"},
		{"table_state", map[string]any{"table_state": "legacy"}, "legacy"},
		{"both", map[string]any{"table": "jobs", "table_state": "legacy"}, "jobs"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tableName(tc.opts)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := tableName(map[string]any{"table_state": "drop table"})
	assert.ErrorIs(t, err, ErrInvalidTable)

	path := filepath.Join(t.TempDir(), "tasks.sqlite")
	b, err := NewSQL(context.Background(), Config{URI: "sqlite:///" + path, Options: map[string]any{"table_state": "legacy"}})
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, "legacy", b.table)
}

func TestSQLiteReadsDoNotTakeWriteLock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.sqlite")
	cfg := Config{URI: "sqlite:///" + path, Options: map[string]any{"busy_timeout_ms": 50}}

	writer, err := NewSQL(ctx, cfg)
	require.NoError(t, err)
	defer writer.Close()
	reader, err := NewSQL(ctx, cfg)
	require.NoError(t, err)
	defer reader.Close()

	tk, err := domain.NewTask("dummy", "example", nil)
	require.NoError(t, err)
	require.NoError(t, writer.AddTask(ctx, tk))

	tx, err := writer.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, "UPDATE tasks_state SET state='running' WHERE id=?", tk.ID)
	require.NoError(t, err)

	got, err := reader.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, got.State)
	tasks, err := reader.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	// a writer on the other handle still waits for the lock
	assert.Error(t, reader.UpdateStatus(ctx, tk.ID, domain.StatusRunning))
}

func TestSchemaCreationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.sqlite")

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := Open(ctx, Config{URI: "sqlite:///" + path})
			if err == nil {
				err = b.Close()
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestParseURI(t *testing.T) {
	cases := []struct {
		uri, dialect, dsnPrefix string
	}{
		{"sqlite:///tasks.sqlite", "sqlite", "file:tasks.sqlite?"},
		{"sqlite+aiosqlite:///tasks.sqlite", "sqlite", "file:tasks.sqlite?"},
		{"sqlite:////var/lib/tasks.sqlite", "sqlite", "file:/var/lib/tasks.sqlite?"},
		{"sqlite:tasks.sqlite", "sqlite", "file:tasks.sqlite?"},
		{"file:tasks.sqlite?mode=rwc", "sqlite", "file:tasks.sqlite?"},
		{"tasks.sqlite", "sqlite", "file:tasks.sqlite?"},
		{"postgresql://u:p@localhost:5432/db", "postgres", "postgres://u:p@localhost:5432/db"},
	}
	for _, c := range cases {
		d, dsn, err := parseURI(c.uri, nil)
		require.NoError(t, err, c.uri)
		assert.Equal(t, c.dialect, d.name, c.uri)
		assert.Contains(t, dsn, c.dsnPrefix, c.uri)
	}

	_, dsn, err := parseURI("tasks.sqlite", map[string]any{"wal": "false"})
	require.NoError(t, err)
	assert.NotContains(t, dsn, "journal_mode")
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "UPDATE t SET a=$1, b=$2 WHERE id=$3", rebindDollar("UPDATE t SET a=?, b=? WHERE id=?"))
}
