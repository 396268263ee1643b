package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerGetCreatesOnce(t *testing.T) {
	m := NewManager()

	a := m.Get("openai")
	b := m.Get("openai")
	if a != b {
		t.Fatal("Get returned different breakers for the same name")
	}
	if a.Name() != "openai" {
		t.Errorf("name = %q, want openai", a.Name())
	}
}

func TestManagerCreateIdempotent(t *testing.T) {
	m := NewManager()

	a := m.Create("ollama", Config{FailureThreshold: 2, RecoveryTimeout: time.Second})
	b := m.Create("ollama", Config{FailureThreshold: 99, RecoveryTimeout: time.Hour})
	if a != b {
		t.Fatal("Create returned a second breaker for the same name")
	}

	// The first config wins: two failures must open it.
	fail(a)
	fail(a)
	if got := a.Status().State; got != StateOpen {
		t.Errorf("state = %v, want open", got)
	}
}

func TestManagerStatusAggregates(t *testing.T) {
	m := NewManager()
	m.Get("a")
	m.Get("b")
	m.ForceOpen("b")

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("status has %d entries, want 2", len(status))
	}
	if status["a"].State != StateClosed {
		t.Errorf("a state = %v, want closed", status["a"].State)
	}
	if status["b"].State != StateOpen {
		t.Errorf("b state = %v, want open", status["b"].State)
	}
}

func TestManagerForceUnknownBreaker(t *testing.T) {
	m := NewManager()

	if m.ForceOpen("nope") {
		t.Error("ForceOpen on unknown breaker returned true")
	}
	if m.ForceClose("nope") {
		t.Error("ForceClose on unknown breaker returned true")
	}
}

func TestManagerDefaultsApplied(t *testing.T) {
	m := NewManager(WithDefaults(Config{FailureThreshold: 1, RecoveryTimeout: time.Second}))

	b := m.Get("fragile")
	fail(b)
	if got := b.Status().State; got != StateOpen {
		t.Errorf("state = %v, want open after one failure", got)
	}
}

// TestManagerMonitor verifies the periodic monitor moves an open
// breaker to half-open without any call traffic.
func TestManagerMonitor(t *testing.T) {
	m := NewManager(WithDefaults(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
	}))

	b := m.Get("flaky")
	fail(b)
	if got := b.Status().State; got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartMonitor(ctx, 5*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		if b.Status().State == StateHalfOpen {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("breaker never reached half-open; state = %v", b.Status().State)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestManagerExecuteThroughRegisteredBreaker(t *testing.T) {
	m := NewManager(WithDefaults(Config{FailureThreshold: 3, RecoveryTimeout: time.Second}))

	errNope := errors.New("nope")
	b := m.Get("svc")
	if _, err := b.Execute(func() (any, error) { return nil, errNope }); !errors.Is(err, errNope) {
		t.Fatalf("got %v, want errNope", err)
	}
	if got := m.Status()["svc"].FailureCount; got != 1 {
		t.Errorf("failure count = %d, want 1", got)
	}
}
