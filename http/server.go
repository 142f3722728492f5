// Package http exposes the relay, now-playing, catalog and inspection endpoints.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aposazhennikov/radio-atlas-relay/catalog"
	"github.com/aposazhennikov/radio-atlas-relay/inspect"
	"github.com/aposazhennikov/radio-atlas-relay/nowplaying"
	"github.com/aposazhennikov/radio-atlas-relay/relay"
	"github.com/aposazhennikov/radio-atlas-relay/sentry_helper"
)

const (
	DefaultExtractorURL = "http://127.0.0.1:4001"
	DefaultRateLimit    = 600

	maxProxiedBody = 8 << 20
	proxyTimeout   = 20 * time.Second
)

// Relayer streams an upstream target to the client.
type Relayer interface {
	Serve(w http.ResponseWriter, r *http.Request, target *url.URL) (int64, error)
}

// NowPlaying resolves the current track of a stream.
type NowPlaying interface {
	Resolve(ctx context.Context, streamURL string) (nowplaying.Result, error)
}

// Catalog returns the station directory.
type Catalog interface {
	Stations(ctx context.Context, mode catalog.Mode) ([]catalog.Station, error)
}

// Inspector samples a stream.
type Inspector interface {
	Inspect(ctx context.Context, streamURL string) (*inspect.Report, error)
}

// Config wires a Server. Nil collaborators disable their routes with 503.
type Config struct {
	Relay        Relayer
	Policy       *relay.Policy
	Resolver     NowPlaying
	Catalog      Catalog
	Inspector    Inspector
	ExtractorURL string
	HTTPClient   *http.Client
	// RateLimit is requests per minute per client IP on the upstream-facing routes; <= 0 disables it.
	RateLimit int
	// Ready reports readiness for /readyz. Nil means always ready.
	Ready  func() error
	Logger *slog.Logger
	Sentry *sentry_helper.SentryHelper
}

// Server is the HTTP front of the relay.
type Server struct {
	router       *mux.Router
	relay        Relayer
	policy       *relay.Policy
	resolver     NowPlaying
	catalog      Catalog
	inspector    Inspector
	extractorURL string
	client       *http.Client
	rateLimit    int
	ready        func() error
	logger       *slog.Logger
	sentry       *sentry_helper.SentryHelper
}

// NewServer creates a Server and registers its routes.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = relay.NewPolicy(relay.DefaultDenyHosts)
	}
	if cfg.ExtractorURL == "" {
		cfg.ExtractorURL = DefaultExtractorURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: proxyTimeout}
	}
	s := &Server{
		router:       mux.NewRouter(),
		relay:        cfg.Relay,
		policy:       cfg.Policy,
		resolver:     cfg.Resolver,
		catalog:      cfg.Catalog,
		inspector:    cfg.Inspector,
		extractorURL: cfg.ExtractorURL,
		client:       cfg.HTTPClient,
		rateLimit:    cfg.RateLimit,
		ready:        cfg.Ready,
		logger:       cfg.Logger,
		sentry:       cfg.Sentry,
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler with CORS and panic recovery applied.
func (s *Server) Handler() http.Handler {
	return s.recoverPanics(withCORS(s.router))
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.readyzHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/catalog", s.catalogHandler).Methods(http.MethodGet)

	api := s.router.NewRoute().Subrouter()
	if s.rateLimit > 0 {
		api.Use(rateLimit(s.rateLimit, time.Minute))
	}
	api.HandleFunc("/stream", s.streamHandler).Methods(http.MethodGet)
	api.HandleFunc("/metadata", s.metadataHandler).Methods(http.MethodGet)
	api.HandleFunc("/extract", s.extractHandler).Methods(http.MethodGet)
	api.HandleFunc("/fetch", s.fetchHandler).Methods(http.MethodGet)
	api.HandleFunc("/inspect", s.inspectHandler).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// withCORS sets the CORS headers on every response and answers preflight requests directly.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Range")
		h.Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err := fmt.Errorf("panic in %s: %v", r.URL.Path, rec)
			s.logger.Error("Handler panic",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
				slog.String("stack", string(debug.Stack())))
			s.sentry.CaptureError(err, "http", r.URL.Path)
			writeError(w, http.StatusInternalServerError, "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.ready != nil {
		if err := s.ready(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("Not ready - " + err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
