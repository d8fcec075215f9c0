// Package api contains the HTTP server for the site API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/stevedylandev/stevedylan.dev/pkg/api/v1"
	"github.com/stevedylandev/stevedylan.dev/pkg/auth/identity"
	"github.com/stevedylandev/stevedylan.dev/pkg/auth/oauth"
	"github.com/stevedylandev/stevedylan.dev/pkg/config"
	"github.com/stevedylandev/stevedylan.dev/pkg/logger"
	"github.com/stevedylandev/stevedylan.dev/pkg/networking"
	"github.com/stevedylandev/stevedylan.dev/pkg/pds"
	"github.com/stevedylandev/stevedylan.dev/pkg/session"
	"github.com/stevedylandev/stevedylan.dev/pkg/telemetry"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Serve starts the server on the configured address and blocks until the
// context is cancelled. The caller sets up signal handling.
func Serve(
	ctx context.Context,
	cfg *config.Config,
	store session.Store,
	metrics *telemetry.Metrics,
) error {
	clientBuilder := networking.NewHttpClientBuilder().WithTimeout(networking.HttpTimeout)
	if cfg.AllowPrivateIPs {
		clientBuilder = clientBuilder.WithPrivateIPs(true)
	}
	httpClient, err := clientBuilder.Build()
	if err != nil {
		return fmt.Errorf("failed to build HTTP client: %w", err)
	}

	deps := &v1.Deps{
		Config:     cfg,
		Store:      store,
		Client:     httpClient,
		Negotiator: oauth.NewNegotiator(httpClient),
		Resolver:   identity.NewResolver(httpClient),
		PDS:        pds.NewClient(httpClient),
		Metrics:    metrics,
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Timeout(middlewareTimeout),
		corsMiddleware(cfg.AllowedOrigins),
	)

	routers := map[string]http.Handler{
		"/health":     v1.HealthcheckRouter(store),
		"/metrics":    metrics.Handler(),
		"/auth":       v1.AuthRouter(deps),
		"/guest-auth": v1.GuestAuthRouter(deps),
		"/now":        v1.NowRouter(deps),
	}
	for prefix, router := range routers {
		r.Mount(prefix, router)
	}

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}

	logger.Infof("starting HTTP server on %s", cfg.ListenAddr)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Panicf("server stopped with error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Infof("HTTP server stopped")
	return nil
}
