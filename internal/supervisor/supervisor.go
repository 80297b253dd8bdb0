// Package supervisor boots the coordinator's components in dependency
// order and tears them all down together the moment any one of them
// exits — cleanly or not. No component may outlive a peer's death.
package supervisor

import (
	"context"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/aurcoord/aurcoord/internal/fabric"
)

// Component is anything the supervisor can boot and join on.
type Component interface {
	Run(ctx context.Context) error
}

// HTTPServer is satisfied by httpapi.Server; kept as an interface here
// so the supervisor package does not import httpapi directly and can
// instead be handed any http.Handler-shaped component.
type HTTPServer interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Supervisor owns the fabric bus and the ordered list of long-running
// components built on top of it.
type Supervisor struct {
	bus          *fabric.Bus
	scheduler    Component
	orchestrator Component
	repo         Component
	httpServer   HTTPServer
	addr         string
}

// New constructs a Supervisor. Boot order is fixed: the fabric bus
// already exists by construction time, so only the four long-running
// components need ordering, and that order is scheduler, orchestrator,
// repository manager, HTTP surface — each later component may depend on
// an earlier one already being able to receive on its fabric channels.
func New(bus *fabric.Bus, scheduler, orchestrator, repo Component, httpServer HTTPServer, addr string) *Supervisor {
	return &Supervisor{
		bus:          bus,
		scheduler:    scheduler,
		orchestrator: orchestrator,
		repo:         repo,
		httpServer:   httpServer,
		addr:         addr,
	}
}

// Run starts every component and blocks until ctx is canceled or one of
// them returns (successfully or not). Whichever happens first triggers
// a broadcast shutdown: the bus's Shutdown channel is closed exactly
// once, which every component's select loop observes, and the HTTP
// listener is closed to unblock ListenAndServe.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Each component's exit — error or not — raises the broadcast
	// shutdown. errgroup only cancels ctx on a non-nil return, so a
	// component that stops cleanly would otherwise leave its peers
	// running forever.
	g.Go(func() error { defer s.closeShutdown(); return s.scheduler.Run(ctx) })
	g.Go(func() error { defer s.closeShutdown(); return s.orchestrator.Run(ctx) })
	g.Go(func() error { defer s.closeShutdown(); return s.repo.Run(ctx) })

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.closeShutdown()
		return err
	}
	srv := &http.Server{Handler: s.httpServer}

	g.Go(func() error {
		defer s.closeShutdown()
		err := srv.Serve(ln)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.bus.Shutdown:
		}
		s.closeShutdown()
		return srv.Close()
	})

	err = g.Wait()
	s.closeShutdown()
	return err
}

func (s *Supervisor) closeShutdown() {
	select {
	case <-s.bus.Shutdown:
	default:
		close(s.bus.Shutdown)
	}
}
