// Package server exposes a bridge to remote hosts over Connect with a CBOR
// codec. Returned guest objects are held by TTL-swept server handles.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/embedvm/ffi"
	"github.com/chazu/embedvm/manifest"
)

var log = commonlog.GetLogger("embedvm.server")

// DefaultSweepInterval is how often expired handles are swept.
const DefaultSweepInterval = time.Minute

// Server is the remote bridge service wrapping one bridge.
type Server struct {
	worker  *ffi.Worker
	handles *HandleStore
	mux     *http.ServeMux

	stopSweeper func()
}

// Option configures a Server.
type Option func(*config)

type config struct {
	ttl   time.Duration
	sweep time.Duration
	queue int
}

// WithHandleTTL sets how long an unused server handle lives. Zero disables
// expiry.
func WithHandleTTL(d time.Duration) Option {
	return func(c *config) { c.ttl = d }
}

// WithSweepInterval sets the expiry sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweep = d }
}

// WithWorkerQueue sets the initial capacity of the worker queue.
func WithWorkerQueue(n int) Option {
	return func(c *config) { c.queue = n }
}

// FromManifest translates the [server] and [bridge] sections into options.
func FromManifest(m *manifest.Manifest) ([]Option, error) {
	ttl, err := m.TTL()
	if err != nil {
		return nil, err
	}
	return []Option{WithHandleTTL(ttl), WithWorkerQueue(m.Bridge.WorkerQueue)}, nil
}

// New creates a Server that takes ownership of b. From here on the bridge
// must only be used through the server's worker.
func New(b *ffi.Bridge, opts ...Option) *Server {
	cfg := &config{sweep: DefaultSweepInterval}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &Server{
		worker:  ffi.NewWorker(b, cfg.queue),
		handles: NewHandleStore(),
		mux:     http.NewServeMux(),
	}

	svc := NewBridgeService(s.worker, s.handles)
	codec := connect.WithCodec(Codec())
	s.mux.Handle(CallProcedure, connect.NewUnaryHandler(CallProcedure, svc.Call, codec))
	s.mux.Handle(NewProcedure, connect.NewUnaryHandler(NewProcedure, svc.New, codec))
	s.mux.Handle(InvokeProcedure, connect.NewUnaryHandler(InvokeProcedure, svc.Invoke, codec))
	s.mux.Handle(ReleaseProcedure, connect.NewUnaryHandler(ReleaseProcedure, svc.Release, codec))
	s.mux.Handle(TypesProcedure, connect.NewUnaryHandler(TypesProcedure, svc.Types, codec))

	if cfg.ttl > 0 {
		interval := cfg.sweep
		if interval <= 0 || interval > cfg.ttl {
			interval = cfg.ttl / 2
		}
		s.stopSweeper = s.handles.StartSweeper(interval, cfg.ttl, s.release)
	}

	log.Info("bridge server created", "bridge", b.ID, "ttl", cfg.ttl)
	return s
}

// Handler returns the HTTP handler serving every bridge procedure.
func (s *Server) Handler() http.Handler { return s.mux }

// Worker returns the worker that owns the bridge.
func (s *Server) Worker() *ffi.Worker { return s.worker }

// Handles returns the server handle store.
func (s *Server) Handles() *HandleStore { return s.handles }

// ListenAndServe serves on addr until ctx is cancelled, then shuts the
// listener down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	return g.Wait()
}

// Stop halts the sweeper, frees every outstanding handle and stops the
// worker.
func (s *Server) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	if left := s.handles.Drain(); len(left) > 0 {
		if _, err := s.worker.Do(func(b *ffi.Bridge) (any, error) {
			freeAll(b, left)
			return nil, nil
		}); err != nil {
			log.Warning("free on stop failed", "error", err)
		}
	}
	s.worker.Stop()
}

// release frees expired handles on the worker without blocking the
// sweeper.
func (s *Server) release(hs []ffi.Handle) {
	if err := s.worker.Go(func(b *ffi.Bridge) (any, error) {
		freeAll(b, hs)
		return nil, nil
	}, nil); err != nil {
		log.Warning("release expired handles", "error", err)
	}
}
