package session

import (
	"context"
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Attempts: 4, Backoff: 100 * time.Millisecond}

	want := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, w := range want {
		if got := p.delay(i); got != w {
			t.Errorf("delay(%d) = %v, want %v", i, got, w)
		}
	}

	if got := (RetryPolicy{Attempts: 3}).delay(2); got != 0 {
		t.Errorf("delay without backoff = %v, want 0", got)
	}
}

func TestRetryPolicy_Run_StopsOnSuccess(t *testing.T) {
	p := RetryPolicy{Attempts: 5}

	calls := 0
	p.Run(context.Background(), func(context.Context) bool {
		calls++
		return calls == 2
	})

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryPolicy_Run_StopsOnCancel(t *testing.T) {
	p := RetryPolicy{Attempts: 5, Backoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan struct{})
	go func() {
		p.Run(ctx, func(context.Context) bool {
			calls++
			return false
		})
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicy_Run_ZeroAttempts(t *testing.T) {
	called := false
	RetryPolicy{}.Run(context.Background(), func(context.Context) bool {
		called = true
		return true
	})
	if called {
		t.Error("zero attempts should not call fn")
	}
}
