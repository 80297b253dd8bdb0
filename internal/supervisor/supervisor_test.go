package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aurcoord/aurcoord/internal/fabric"
)

type stubComponent struct {
	bus    *fabric.Bus
	runErr error
	done   chan struct{}
}

// Run blocks like a real component: until the context is canceled or,
// when wired to a bus, until the broadcast shutdown closes.
func (s *stubComponent) Run(ctx context.Context) error {
	if s.done != nil {
		close(s.done)
	}
	if s.bus != nil {
		select {
		case <-ctx.Done():
		case <-s.bus.Shutdown:
		}
	} else {
		<-ctx.Done()
	}
	return s.runErr
}

// quitComponent exits immediately with no error, standing in for a
// component that stops cleanly but unexpectedly.
type quitComponent struct{}

func (quitComponent) Run(ctx context.Context) error { return nil }

type stubHTTP struct{}

func (stubHTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRunStopsAllOnContextCancel(t *testing.T) {
	bus := fabric.New()
	sched := &stubComponent{}
	orch := &stubComponent{}
	repo := &stubComponent{}
	sup := New(bus, sched, orch, repo, stubHTTP{}, "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Supervisor.Run did not return after context cancel")
	}

	select {
	case <-bus.Shutdown:
	default:
		t.Fatal("bus.Shutdown was not closed")
	}
}

func TestRunPropagatesComponentError(t *testing.T) {
	bus := fabric.New()
	boom := errors.New("scheduler exploded")
	sched := &stubComponent{runErr: boom}
	orch := &stubComponent{}
	repo := &stubComponent{}
	sup := New(bus, sched, orch, repo, stubHTTP{}, "127.0.0.1:0")

	// stubComponent.Run blocks on ctx.Done before returning runErr, so
	// cancel the context to let the scheduler's configured error surface
	// through the errgroup join, then assert Run reports it.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Supervisor.Run to return the scheduler's error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Supervisor.Run did not return")
	}
}

// TestCleanComponentExitCascades covers the rule that no component may
// survive a peer's death, even a death with a nil error: a scheduler
// that returns cleanly must still bring the whole supervisor down.
func TestCleanComponentExitCascades(t *testing.T) {
	bus := fabric.New()
	orch := &stubComponent{bus: bus}
	repo := &stubComponent{bus: bus}
	sup := New(bus, quitComponent{}, orch, repo, stubHTTP{}, "127.0.0.1:0")

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil for a clean cascade", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Supervisor.Run did not return after a component exited cleanly")
	}

	select {
	case <-bus.Shutdown:
	default:
		t.Fatal("bus.Shutdown was not closed")
	}
}

func TestRunFailsOnListenError(t *testing.T) {
	bus := fabric.New()
	busy := httptest.NewServer(stubHTTP{})
	defer busy.Close()

	sup := New(bus, &stubComponent{}, &stubComponent{}, &stubComponent{}, stubHTTP{}, busy.Listener.Addr().String())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Run(ctx); err == nil {
		t.Fatal("expected Run to fail when the address is already in use")
	}
}
