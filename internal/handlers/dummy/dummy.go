package dummy

import (
	"context"
	"time"
)

type Params struct {
	Do   string `json:"do"`
	Wait int    `json:"wait"` // seconds
}

type Result struct {
	Did string `json:"did"`
}

// Run waits for p.Wait seconds and echoes p.Do back.
func Run(ctx context.Context, p Params) (Result, error) {
	if p.Wait > 0 {
		t := time.NewTimer(time.Duration(p.Wait) * time.Second)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-t.C:
		}
	}
	return Result{Did: p.Do}, nil
}
