package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"workq/internal/domain"
)

// Memory keeps task records in process memory. Records do not survive the
// process and are not visible to other worker processes.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	opts  options
}

func NewMemory(opts ...Option) *Memory {
	return &Memory{tasks: make(map[string]*domain.Task), opts: buildOptions(opts)}
}

func OpenMemory(_ context.Context, _ Config, opts ...Option) (Backend, error) {
	return NewMemory(opts...), nil
}

func (m *Memory) AddTask(_ context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	m.tasks[t.ID] = clone(t)
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return clone(t), nil
}

func (m *Memory) ListTasks(_ context.Context) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, clone(t))
	}
	return out, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, status domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.Transition(status, m.opts.now())
}

func (m *Memory) SetResult(_ context.Context, id string, result json.RawMessage, status domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := resultSettable(t); err != nil {
		return err
	}
	if err := t.Transition(status, m.opts.now()); err != nil {
		return err
	}
	t.Result = append(json.RawMessage(nil), result...)
	t.Touch(m.opts.now())
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.tasks, id)
	return nil
}

func (m *Memory) CleanFailed(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.now()
	var ids []string
	for id, t := range m.tasks {
		if t.State == domain.StatusFailed && t.Expired(now) {
			delete(m.tasks, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *Memory) Clean(_ context.Context) (CleanReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.now()
	var rep CleanReport
	for id, t := range m.tasks {
		if t.State == domain.StatusDone && t.Expired(now) {
			delete(m.tasks, id)
			rep.Deleted = append(rep.Deleted, id)
		}
	}
	for id, t := range m.tasks {
		if t.State == domain.StatusCreated && t.TimedOut(now) {
			_ = t.Transition(domain.StatusFailed, now)
			t.Result = append(json.RawMessage(nil), StuckResult...)
			rep.Failed = append(rep.Failed, id)
		}
	}
	return rep, nil
}

func (m *Memory) Close() error { return nil }
