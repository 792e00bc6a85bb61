package metrics

import (
	"time"

	"workq/internal/domain"
)

// Recorder receives task lifecycle observations.
type Recorder interface {
	TaskSubmitted(name string)
	TaskStarted(name string)
	TaskFinished(name string, state domain.Status, d time.Duration)
	InFlight(n int)
	TasksCleaned(deleted, failed int)
}

type Nop struct{}

func (Nop) TaskSubmitted(string)                              {}
func (Nop) TaskStarted(string)                                {}
func (Nop) TaskFinished(string, domain.Status, time.Duration) {}
func (Nop) InFlight(int)                                      {}
func (Nop) TasksCleaned(int, int)                             {}

// OrNop returns r, or a Nop recorder when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}
