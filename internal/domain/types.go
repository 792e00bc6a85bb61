package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTimeout   = 60  // seconds
	DefaultResultTTL = 900 // seconds
)

var (
	ErrMissingName       = errors.New("task name is required")
	ErrMissingApp        = errors.New("task app name is required")
	ErrInvalidTransition = errors.New("invalid state transition")
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusDone      Status = "done"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusWaiting, StatusRunning, StatusCancelled, StatusFailed, StatusDone:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// WAITING and CANCELLED have no edges: they are reserved.
var transitions = map[Status][]Status{
	StatusCreated: {StatusRunning, StatusFailed},
	StatusRunning: {StatusDone, StatusFailed},
}

// CanTransition reports whether a task may move from one state to another.
// Staying in the same state is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Task struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Params    map[string]any  `json:"params"`
	State     Status          `json:"state"`
	AppName   string          `json:"app_name"`
	Timeout   int             `json:"timeout"`    // seconds
	ResultTTL int             `json:"result_ttl"` // seconds
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func NewTask(name, appName string, params map[string]any) (*Task, error) {
	if name == "" {
		return nil, ErrMissingName
	}
	if appName == "" {
		return nil, ErrMissingApp
	}
	if params == nil {
		params = map[string]any{}
	}
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.NewString(),
		Name:      name,
		Params:    params,
		State:     StatusCreated,
		AppName:   appName,
		Timeout:   DefaultTimeout,
		ResultTTL: DefaultResultTTL,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Transition moves the task to the given state and refreshes UpdatedAt.
func (t *Task) Transition(to Status, now time.Time) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, to)
	}
	if t.State == to {
		return nil
	}
	t.State = to
	t.Touch(now)
	return nil
}

// Touch refreshes UpdatedAt, never moving it backwards.
func (t *Task) Touch(now time.Time) {
	now = now.UTC()
	if now.Before(t.UpdatedAt) {
		return
	}
	t.UpdatedAt = now
}

// Age is the time elapsed since creation.
func (t *Task) Age(now time.Time) time.Duration { return now.Sub(t.CreatedAt) }

// SinceUpdate is the time elapsed since the last mutation.
func (t *Task) SinceUpdate(now time.Time) time.Duration { return now.Sub(t.UpdatedAt) }

func (t *Task) TimedOut(now time.Time) bool {
	return t.Age(now) > time.Duration(t.Timeout)*time.Second
}

func (t *Task) Expired(now time.Time) bool {
	return t.SinceUpdate(now) > time.Duration(t.ResultTTL)*time.Second
}

// Encode returns the queue wire form of a task.
func Encode(t *Task) ([]byte, error) {
	return json.Marshal(t)
}

// Decode parses a queue message. Numbers in params stay json.Number so
// integers wider than a float64 mantissa reach the handler intact.
func Decode(msg []byte) (*Task, error) {
	var t Task
	if err := unmarshalNumbers(msg, &t); err != nil {
		return nil, fmt.Errorf("decode task message: %w", err)
	}
	if t.ID == "" || t.Name == "" {
		return nil, fmt.Errorf("decode task message: missing id or name")
	}
	if t.Params == nil {
		t.Params = map[string]any{}
	}
	if t.State == "" {
		t.State = StatusCreated
	}
	return &t, nil
}

// DecodeParams parses stored params, keeping numbers as json.Number.
func DecodeParams(raw []byte) (map[string]any, error) {
	params := map[string]any{}
	if len(raw) == 0 {
		return params, nil
	}
	if err := unmarshalNumbers(raw, &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

func unmarshalNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
