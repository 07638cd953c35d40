// Package supervisor runs the long-lived parts of the gateway under a
// suture tree so a crashing worker is restarted instead of taking the
// process down with it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"

	"github.com/lalithlochan/marquee/internal/metrics"
)

type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// Tree has two layers: edge (HTTP, queue consumer) and workers (periodic
// jobs). A worker stuck in backoff does not stop webhooks being accepted.
type Tree struct {
	root    *suture.Supervisor
	edge    *suture.Supervisor
	workers *suture.Supervisor
}

func New(logger *zap.Logger, cfg Config) *Tree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = eventHook(logger.Named("supervisor"))

	t := &Tree{
		root:    suture.New("marquee", rootSpec),
		edge:    suture.New("edge", spec),
		workers: suture.New("workers", spec),
	}
	t.root.Add(t.edge)
	t.root.Add(t.workers)
	return t
}

func (t *Tree) AddEdge(svc suture.Service) suture.ServiceToken {
	return t.edge.Add(svc)
}

func (t *Tree) AddWorker(svc suture.Service) suture.ServiceToken {
	return t.workers.Add(svc)
}

// Serve blocks until ctx is cancelled and every service has stopped or
// the shutdown timeout has passed.
func (t *Tree) Serve(ctx context.Context) error {
	err := t.root.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

func eventHook(logger *zap.Logger) suture.EventHook {
	return func(e suture.Event) {
		fields := make([]zap.Field, 0, len(e.Map()))
		for k, v := range e.Map() {
			fields = append(fields, zap.Any(k, v))
		}
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeStopTimeout:
			logger.Error(e.String(), fields...)
		case suture.EventTypeServiceTerminate, suture.EventTypeBackoff:
			logger.Warn(e.String(), fields...)
		default:
			logger.Info(e.String(), fields...)
		}
	}
}

// Periodic runs a job on a fixed interval. A failed run is logged and
// counted; it does not restart the service.
type Periodic struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	// Immediate runs the job once at start instead of waiting a full interval.
	Immediate bool
	Logger    *zap.Logger
}

func (p *Periodic) Serve(ctx context.Context) error {
	if p.Interval <= 0 {
		return fmt.Errorf("%s: interval must be positive: %w", p.Name, suture.ErrDoNotRestart)
	}

	if p.Immediate {
		p.tick(ctx)
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Periodic) tick(ctx context.Context) {
	start := time.Now()
	err := p.Run(ctx)
	metrics.ObserveWorkerCycle(p.Name, err, time.Since(start))
	if err != nil && ctx.Err() == nil && p.Logger != nil {
		p.Logger.Warn("worker cycle failed", zap.String("worker", p.Name), zap.Error(err))
	}
}

func (p *Periodic) String() string { return p.Name }

// Func adapts a blocking function such as inbox.Consumer.Serve.
type Func struct {
	Name string
	Fn   func(ctx context.Context) error
}

func (f Func) Serve(ctx context.Context) error { return f.Fn(ctx) }

func (f Func) String() string { return f.Name }

type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTP serves until ctx is cancelled, then shuts the server down gracefully.
type HTTP struct {
	Server          HTTPServer
	ShutdownTimeout time.Duration
}

func (h *HTTP) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		timeout := h.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := h.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTP) String() string { return "http-server" }
