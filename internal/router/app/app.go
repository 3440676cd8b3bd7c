// Package app assembles the router: run loop, backend registry, orchestrator,
// and the administrative HTTP surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/sebas/callrouter/internal/router/api"
	"github.com/sebas/callrouter/internal/router/backend"
	"github.com/sebas/callrouter/internal/router/config"
	"github.com/sebas/callrouter/internal/router/core"
	"github.com/sebas/callrouter/internal/router/events"
	"github.com/sebas/callrouter/internal/router/metrics"
	"github.com/sebas/callrouter/internal/router/outgoing"
	"github.com/sebas/callrouter/internal/router/runloop"
)

// Router owns the assembled components and their shutdown order.
type Router struct {
	config    *config.Config
	loop      *runloop.Loop
	registry  *prometheus.Registry
	manager   *core.Manager
	apiServer *api.Server
}

// NewRouter wires the router from configuration. The loopback connector
// stands in for real backend transports; swap the Connector to integrate
// an external service process.
func NewRouter(cfg *config.Config) (*Router, error) {
	descriptors, err := config.LoadBackends(cfg.BackendsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load backends: %w", err)
	}
	slog.Info("Backends loaded", "path", cfg.BackendsPath, "count", len(descriptors))

	loop := runloop.New()

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	dealloc := backend.NewDeallocator(m)
	reg := backend.NewRegistry(backend.RegistryConfig{
		Loop:          loop,
		Provider:      backend.NewStaticProvider(descriptors),
		Connector:     &backend.LoopbackConnector{AnswerDelay: 2 * time.Second},
		Deallocator:   dealloc,
		Metrics:       m,
		LookupTimeout: cfg.LookupTimeout,
	})

	manager := core.NewManager(core.Config{
		Loop:            loop,
		Registry:        reg,
		Metrics:         m,
		Classifier:      outgoing.NewClassifier(cfg.EmergencyNumbers),
		TestFirst:       cfg.TestFirst,
		IncomingTimeout: cfg.IncomingTimeout,
	})
	manager.AddListener(core.NewEventListener(cfg.NodeID, events.NewLogPublisher()))

	apiServer := api.NewServer(cfg.HTTPAddr, manager, promRegistry)

	return &Router{
		config:    cfg,
		loop:      loop,
		registry:  promRegistry,
		manager:   manager,
		apiServer: apiServer,
	}, nil
}

// Manager returns the orchestrator, for embedding callers.
func (r *Router) Manager() *core.Manager { return r.manager }

// Start runs the router until ctx is cancelled, then shuts down.
func (r *Router) Start(ctx context.Context) error {
	if err := r.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("[App] Shutting down")
		if err := r.apiServer.Stop(); err != nil {
			slog.Warn("[App] API server stop", "error", err)
		}
		// Stop the loop last so in-flight control work drains.
		r.loop.Stop()
		return nil
	})

	g.Go(func() error {
		select {
		case <-r.loop.Done():
			// Loop stopped on its own: unrecoverable.
			return fmt.Errorf("run loop stopped")
		case <-ctx.Done():
			return nil
		}
	})

	return g.Wait()
}
