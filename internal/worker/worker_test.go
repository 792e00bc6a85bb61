package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workq/internal/backend"
	"workq/internal/domain"
	"workq/internal/handlers"
	"workq/internal/queue"
	"workq/internal/runner"
	"workq/internal/scheduler"
)

func newExecutor(b backend.Backend) *runner.Executor {
	reg := runner.NewRegistry()
	handlers.Register(reg, "example")
	return runner.NewExecutor(reg, b)
}

func sqliteBackend(t *testing.T) backend.Backend {
	path := filepath.Join(t.TempDir(), "tasks.sqlite")
	b, err := backend.Open(context.Background(), backend.Config{URI: "sqlite:///" + path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestParseFlavor(t *testing.T) {
	f, err := ParseFlavor("IO")
	require.NoError(t, err)
	assert.Equal(t, FlavorIO, f)

	f, err = ParseFlavor("cpu")
	require.NoError(t, err)
	assert.Equal(t, FlavorCPU, f)

	f, err = ParseFlavor("")
	require.NoError(t, err)
	assert.Equal(t, FlavorIO, f)

	_, err = ParseFlavor("gpu")
	assert.ErrorIs(t, err, ErrUnknownFlavor)
}

func TestRunStandaloneDummy(t *testing.T) {
	ctx := context.Background()
	b := sqliteBackend(t)
	tk, err := domain.NewTask("dummy", "example", map[string]any{"do": "web", "wait": 1})
	require.NoError(t, err)

	got, err := RunStandalone(ctx, b, newExecutor(b), tk)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.State)
	assert.JSONEq(t, `{"did":"web"}`, string(got.Result))
	assert.GreaterOrEqual(t, got.UpdatedAt.Sub(got.CreatedAt), time.Second)
}

func TestRunStandaloneExistingTask(t *testing.T) {
	ctx := context.Background()
	b := backend.NewMemory()
	tk, err := domain.NewTask("dummy", "example", map[string]any{"do": "x"})
	require.NoError(t, err)
	require.NoError(t, b.AddTask(ctx, tk))

	got, err := RunStandalone(ctx, b, newExecutor(b), tk)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.State)
}

func TestRunStandaloneWithoutBackend(t *testing.T) {
	tk, err := domain.NewTask("missing", "example", nil)
	require.NoError(t, err)

	got, err := RunStandalone(context.Background(), nil, newExecutor(nil), tk)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.State)
}

func runFlavor(t *testing.T, f Flavor) {
	ctx := context.Background()
	b := backend.NewMemory()
	exec := newExecutor(b)
	q := queue.New("tasks", "example", queue.NewMemoryChannel(0), queue.WithBackend(b))

	var ids []string
	for _, do := range []string{"a", "b", "c"} {
		tk, err := q.Submit(ctx, "dummy", map[string]any{"do": do}, queue.SubmitOptions{})
		require.NoError(t, err)
		ids = append(ids, tk.ID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		errc <- Run(runCtx, f, q, exec, scheduler.Options{IdleDelay: 5 * time.Millisecond})
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			got, err := b.GetTask(ctx, id)
			if err != nil || got.State != domain.StatusDone {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestRunSequential(t *testing.T) { runFlavor(t, FlavorCPU) }

func TestRunConcurrent(t *testing.T) { runFlavor(t, FlavorIO) }

func TestRunUnknownFlavor(t *testing.T) {
	err := Run(context.Background(), Flavor("gpu"), nil, nil, scheduler.Options{})
	assert.ErrorIs(t, err, ErrUnknownFlavor)
}
