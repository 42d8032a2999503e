package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/restodesk/internal/auth"
	"github.com/wolfeidau/restodesk/internal/authz"
	"github.com/wolfeidau/restodesk/internal/hub"
	"github.com/wolfeidau/restodesk/internal/logger"
	"github.com/wolfeidau/restodesk/internal/telemetry"
)

type ServeCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"RESTODESK_LISTEN"`
	Cert   string `help:"path to TLS cert file" default:"" env:"RESTODESK_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"RESTODESK_TLS_KEY"`

	// Authentication
	JWTPublicKey     string `help:"PEM public key used to verify session tokens" env:"RESTODESK_JWT_PUBLIC_KEY"`
	JWTPublicKeyFile string `help:"path to the PEM public key used to verify session tokens" env:"RESTODESK_JWT_PUBLIC_KEY_FILE"`
	RolesFile        string `help:"YAML role table served on /api/roles (default: built-in roles)" env:"RESTODESK_ROLES_FILE"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API and websocket requests" default:"http://localhost:3000" env:"RESTODESK_CORS_ORIGINS"`

	// Telemetry
	Tracing bool `help:"enable tracing" default:"false" env:"RESTODESK_TRACING"`
	Metrics bool `help:"enable OTLP metrics export" default:"false" env:"RESTODESK_METRICS"`

	ShutdownTimeout time.Duration `help:"grace period for in-flight requests on shutdown" default:"10s"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing || c.Metrics {
		log.Info().Bool("tracing", c.Tracing).Bool("metrics", c.Metrics).Msg("Telemetry is enabled")
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "restodesk-server",
			Version:     globals.Version,
			Traces:      c.Tracing,
			Metrics:     c.Metrics,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	publicKey, err := c.publicKey()
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(publicKey)
	if err != nil {
		return fmt.Errorf("failed to create token verifier: %w", err)
	}

	table := authz.DefaultRoleTable()
	if c.RolesFile != "" {
		table, err = authz.LoadRoleTable(c.RolesFile)
		if err != nil {
			return err
		}
	}
	log.Info().Strs("roles", table.Roles()).Msg("Role table loaded")

	h := hub.New(log)
	handler := newHandler(log, verifier, hub.NewServer(h, table, originPatterns(c.CORSOrigins)...), c.CORSOrigins)

	srv := configureHTTPServer(c.Listen, handler)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		tls := c.Cert != "" && c.Key != ""
		log.Info().Str("addr", c.Listen).Bool("tls", tls).Msg("Starting HTTP server")
		if tls {
			errCh <- srv.ListenAndServeTLS(c.Cert, c.Key)
			return
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")

	h.DisconnectAll("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func (c *ServeCmd) publicKey() (string, error) {
	if c.JWTPublicKey != "" {
		return c.JWTPublicKey, nil
	}

	if c.JWTPublicKeyFile != "" {
		data, err := os.ReadFile(c.JWTPublicKeyFile)
		if err != nil {
			return "", fmt.Errorf("failed to read JWT public key: %w", err)
		}
		return string(data), nil
	}

	return "", errors.New("JWT public key is required (--jwt-public-key or --jwt-public-key-file)")
}

// newHandler assembles the middleware chain: request logging, token
// verification and CORS for the API routes.
func newHandler(log zerolog.Logger, verifier *auth.Verifier, server *hub.Server, corsOrigins []string) http.Handler {
	routes := verifier.Middleware()(server.Handler())
	withCORS := withCORS(corsOrigins, routes)

	return logger.Requests(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAPIRoute(r.URL.Path) {
			withCORS.ServeHTTP(w, r)
			return
		}
		routes.ServeHTTP(w, r)
	}))
}

// isAPIRoute returns true if the path is called from browsers on other origins
func isAPIRoute(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

// withCORS adds CORS support to the API handler.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return middleware.Handler(h)
}

// originPatterns converts CORS origins into websocket origin patterns, which match on host.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		host := origin
		if _, after, ok := strings.Cut(origin, "://"); ok {
			host = after
		}
		if host != "" {
			patterns = append(patterns, host)
		}
	}
	return patterns
}
