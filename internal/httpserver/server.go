package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/al-bashkir/tgbridge/internal/bridge"
	"github.com/al-bashkir/tgbridge/internal/config"
	"github.com/al-bashkir/tgbridge/internal/identity"
	"github.com/al-bashkir/tgbridge/internal/metrics"
)

// Server is the REST surface of the session bridge.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	mux        *http.ServeMux
	svc        *bridge.Service
	auth       identity.Authenticator
	metrics    *metrics.Metrics
	limiter    *IPRateLimiter
	validate   *validator.Validate
	version    string
}

// NewServer creates a new HTTP server. m may be nil.
func NewServer(cfg *config.Config, svc *bridge.Service, auth identity.Authenticator, m *metrics.Metrics, version string) (*Server, error) {
	if svc == nil {
		return nil, errors.New("bridge service is required")
	}
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}

	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		svc:      svc,
		auth:     auth,
		metrics:  m,
		limiter:  newIPRateLimiter(rate.Limit(cfg.Listen.RateLimit), cfg.Listen.RateBurst),
		validate: newValidator(),
		version:  version,
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		s.mux.Handle("GET "+cfg.Metrics.Path, m.Handler())
	}

	s.mux.Handle("POST /v1/telegram/handshake", s.authenticated(s.handleHandshake))
	s.mux.Handle("POST /v1/telegram/code", s.authenticated(s.handleCode))
	s.mux.Handle("POST /v1/telegram/password", s.authenticated(s.handlePassword))
	s.mux.Handle("DELETE /v1/telegram/session", s.authenticated(s.handleDisconnect))
	s.mux.Handle("GET /v1/telegram/status", s.authenticated(s.handleStatus))
	s.mux.Handle("GET /v1/telegram/conversations", s.authenticated(s.handleConversations))
	s.mux.Handle("GET /v1/telegram/conversations/{id}", s.authenticated(s.handleConversation))
	s.mux.Handle("GET /v1/telegram/conversations/{id}/participants", s.authenticated(s.handleParticipants))

	// The observer sits directly on the mux so it sees the matched pattern.
	handler := s.observeMiddleware(s.mux)
	handler = loggingMiddleware(handler)
	handler = recoveryMiddleware(handler)
	handler = s.rateLimitMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = securityHeadersMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Listen.HTTP,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Sessions.OperationTimeoutDuration() + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return s, nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server",
		"addr", s.cfg.Listen.HTTP,
		"tls", s.cfg.TLS.Enabled,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
