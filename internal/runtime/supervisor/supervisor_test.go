package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanicAndRecordsError(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go0("boom", func(ctx context.Context) { panic("kaboom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "boom: panic: kaboom") {
		t.Fatalf("Wait() err = %v, want panic error", err)
	}
	if got := s.Running(); len(got) != 0 {
		t.Fatalf("Running() = %v, want none", got)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("bad")
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(ctx context.Context) error { return sentinel })
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, sentinel) {
		t.Fatalf("Wait() err = %v, want %v", err, sentinel)
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(context.Background())
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() err = %v, want nil", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartSurvivesPanic(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	s := New(context.Background(), WithCancelOnError(true))
	s.GoRestart("worker", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("first run")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() err = %v, want nil", err)
	}
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
	if s.Context().Err() != nil {
		t.Fatalf("context canceled by a restarted panic")
	}
}

func TestWaitTimeoutKeepsRunningNames(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	s := New(context.Background())
	for i := range 2 {
		s.Go0(fmt.Sprintf("stuck.%d", i), func(context.Context) { <-release })
	}
	s.Go0("quick", func(context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() err = %v, want %v", err, context.DeadlineExceeded)
	}
	if got := fmt.Sprint(s.Running()); got != "[stuck.0 stuck.1]" {
		t.Fatalf("Running() = %s, want [stuck.0 stuck.1]", got)
	}

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := s.Wait(ctx2); err != nil {
		t.Fatalf("second Wait() err = %v", err)
	}
}
