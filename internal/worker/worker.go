// Package worker drives the two-phase image generation workflow: a job is
// submitted upstream, then its status endpoint is polled until a terminal
// state or the attempt ceiling.
package worker

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fluxnote/llm-gateway/internal/errclass"
)

// State is the lifecycle of an image job as reported by the upstream.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "success"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether polling should stop at this state.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// PollResult is one status-endpoint observation.
type PollResult struct {
	State  State
	URL    string // media URL, set on success
	Reason string // failure detail, set on failed/cancelled
}

// StatusFunc queries the upstream status endpoint for one job once.
type StatusFunc func(ctx context.Context, jobID string) (PollResult, error)

// Poller polls a job at a fixed interval up to a bounded attempt count.
// Defaults give a 60 second ceiling (2s x 30).
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
}

func NewPoller() Poller {
	return Poller{Interval: 2 * time.Second, MaxAttempts: 30}
}

// Wait polls until the job reaches a terminal state. Exhausting the attempt
// budget returns errclass.ErrImagePollTimeout; cancellation aborts between
// polls. Transient status-endpoint failures consume an attempt but do not
// abort, so one flaky poll never kills a job that is still running.
func (p Poller) Wait(ctx context.Context, jobID string, status StatusFunc) (PollResult, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 30
	}

	for i := 0; i < attempts; i++ {
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return PollResult{}, ctx.Err()
		}

		res, err := status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return PollResult{}, ctx.Err()
			}
			log.WithField("job_id", jobID).Warnf("image status poll %d failed: %v", i+1, err)
			continue
		}
		if res.State.Terminal() {
			return res, nil
		}
	}
	return PollResult{}, errclass.ErrImagePollTimeout
}
