package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fluxnote/llm-gateway/internal/errclass"
)

func fastPoller(attempts int) Poller {
	return Poller{Interval: time.Millisecond, MaxAttempts: attempts}
}

func TestWait_SuccessAfterRunning(t *testing.T) {
	polls := 0
	res, err := fastPoller(10).Wait(context.Background(), "job-1", func(ctx context.Context, jobID string) (PollResult, error) {
		polls++
		if polls < 3 {
			return PollResult{State: StateRunning}, nil
		}
		return PollResult{State: StateSucceeded, URL: "https://cdn.example/img.png"}, nil
	})
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.URL != "https://cdn.example/img.png" {
		t.Errorf("URL = %q", res.URL)
	}
	if polls != 3 {
		t.Errorf("polls = %d, want 3", polls)
	}
}

func TestWait_FailedIsTerminal(t *testing.T) {
	res, err := fastPoller(10).Wait(context.Background(), "job-1", func(ctx context.Context, jobID string) (PollResult, error) {
		return PollResult{State: StateFailed, Reason: "nsfw filter"}, nil
	})
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.State != StateFailed || res.Reason != "nsfw filter" {
		t.Errorf("result = %+v", res)
	}
}

func TestWait_ExhaustionReturnsTimeout(t *testing.T) {
	polls := 0
	_, err := fastPoller(5).Wait(context.Background(), "job-1", func(ctx context.Context, jobID string) (PollResult, error) {
		polls++
		return PollResult{State: StatePending}, nil
	})
	if !errors.Is(err, errclass.ErrImagePollTimeout) {
		t.Fatalf("Wait returned %v, want ErrImagePollTimeout", err)
	}
	if polls != 5 {
		t.Errorf("polls = %d, want 5", polls)
	}
}

func TestWait_TransientPollErrorConsumed(t *testing.T) {
	polls := 0
	res, err := fastPoller(10).Wait(context.Background(), "job-1", func(ctx context.Context, jobID string) (PollResult, error) {
		polls++
		if polls == 1 {
			return PollResult{}, errors.New("connection reset")
		}
		return PollResult{State: StateSucceeded, URL: "u"}, nil
	})
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if res.State != StateSucceeded {
		t.Errorf("state = %s", res.State)
	}
}

func TestWait_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	poller := Poller{Interval: time.Minute, MaxAttempts: 30}

	done := make(chan error, 1)
	go func() {
		_, err := poller.Wait(ctx, "job-1", func(ctx context.Context, jobID string) (PollResult, error) {
			return PollResult{State: StatePending}, nil
		})
		done <- err
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Wait returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not abort on cancellation")
	}
}
