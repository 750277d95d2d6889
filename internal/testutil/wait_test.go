package testutil

import (
	"testing"
	"time"
)

func TestWaitFor_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	result := WaitFor(t, func() bool {
		calls++
		return true
	}, WithTimeout(time.Second))

	if !result {
		t.Error("expected WaitFor to return true for immediate success")
	}
	if calls != 1 {
		t.Errorf("condition checked %d times, want 1", calls)
	}
}

func TestWaitFor_EventualSuccess(t *testing.T) {
	t.Parallel()
	counter := 0
	result := WaitFor(t, func() bool {
		counter++
		return counter >= 3
	}, WithTimeout(time.Second), WithInterval(time.Millisecond))

	if !result {
		t.Error("expected WaitFor to return true for eventual success")
	}
	if counter < 3 {
		t.Errorf("expected counter >= 3, got %d", counter)
	}
}

func TestWaitFor_Timeout(t *testing.T) {
	t.Parallel()
	result := WaitFor(t, func() bool {
		return false
	}, WithTimeout(30*time.Millisecond), WithInterval(5*time.Millisecond))

	if result {
		t.Error("expected WaitFor to return false on timeout")
	}
}

func TestWaitFor_FinalCheckAtDeadline(t *testing.T) {
	t.Parallel()

	// The state arrives after the last tick but before the deadline check.
	deadline := time.Now().Add(40 * time.Millisecond)
	result := WaitFor(t, func() bool {
		return !time.Now().Before(deadline)
	}, WithTimeout(50*time.Millisecond), WithInterval(30*time.Millisecond))

	if !result {
		t.Error("expected the deadline re-check to observe the state")
	}
}

func TestMustWaitFor_Success(t *testing.T) {
	t.Parallel()
	MustWaitFor(t, func() bool {
		return true
	}, WithTimeout(time.Second))
}

func TestMustReceive_ClosedChannel(t *testing.T) {
	t.Parallel()
	ch := make(chan struct{})
	close(ch)
	MustReceive(t, ch, time.Second)
}

func TestMustReceive_BackgroundSignal(t *testing.T) {
	t.Parallel()
	ch := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		close(ch)
	}()
	MustReceive(t, ch, time.Second)
}

func TestMustNotReceive_SilentChannel(t *testing.T) {
	t.Parallel()
	ch := make(chan struct{})
	MustNotReceive(t, ch, 20*time.Millisecond)
}
