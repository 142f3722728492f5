package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/aposazhennikov/radio-atlas-relay/catalog"
	httpServer "github.com/aposazhennikov/radio-atlas-relay/http"
	"github.com/aposazhennikov/radio-atlas-relay/icy"
	"github.com/aposazhennikov/radio-atlas-relay/inspect"
	"github.com/aposazhennikov/radio-atlas-relay/logger"
	"github.com/aposazhennikov/radio-atlas-relay/nowplaying"
	"github.com/aposazhennikov/radio-atlas-relay/probe"
	"github.com/aposazhennikov/radio-atlas-relay/relay"
	"github.com/aposazhennikov/radio-atlas-relay/sentry_helper"
)

const (
	defaultPort        = 3001
	defaultEnv         = "development"
	defaultLogLevel    = "warning"
	defaultICYCharset  = "windows-1251"
	shutdownTimeout    = 10 * time.Second
	sentryFlushTimeout = 2 * time.Second
	release            = "radio-atlas-relay@1.0.0"
)

// Config is the process configuration. Environment variables override flags.
type Config struct {
	Port         int
	PublicURL    string
	ExtractorURL string
	LogLevel     string
	SentryDSN    string
	Env          string
	RateLimit    int
	CatalogTTL   time.Duration
	TopRadioMap  string
	PushURL      string
	ICYCharset   string
	DenyHosts    []string
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %s\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	logCfg := logger.DefaultConfig()
	logCfg.Level = logger.ParseLevel(cfg.LogLevel)
	log := logger.NewLogger(logCfg)
	slog.SetDefault(log)

	sentryEnabled := false
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
			Release:     release,
		}); err != nil {
			log.Error("Failed to initialize Sentry", slog.String("error", err.Error()))
		} else {
			sentryEnabled = true
		}
	}
	sentryHelper := sentry_helper.NewSentryHelper(sentryEnabled, log)
	defer sentryHelper.SafeFlush(sentryFlushTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upstreamClient := &http.Client{}

	slugs := probe.NewSlugMap(probe.DefaultSlugs, logger.WithComponent(log, "slugmap"))
	if cfg.TopRadioMap != "" {
		if err := slugs.LoadFile(cfg.TopRadioMap); err != nil {
			return fmt.Errorf("failed to load slug map: %w", err)
		}
		if err := slugs.Watch(ctx, cfg.TopRadioMap, func(err error) {
			sentryHelper.CaptureError(err, "slugmap", "reload")
		}); err != nil {
			return fmt.Errorf("failed to watch slug map: %w", err)
		}
	}

	icyClient, err := icy.NewClient(icy.ClientConfig{
		HTTPClient:      upstreamClient,
		FallbackCharset: cfg.ICYCharset,
	}, logger.WithComponent(log, "icy"))
	if err != nil {
		return err
	}

	probeClient := probe.NewClient(upstreamClient)
	push := nowplaying.NewPushChannel(nowplaying.PushConfig{URL: cfg.PushURL}, logger.WithComponent(log, "push"), sentryHelper)
	defer push.Close()

	resolver := nowplaying.NewResolver(push, []probe.Prober{
		probe.NewIcecast(probeClient),
		probe.NewShoutcast(probeClient),
		probe.NewAzuraCast(probeClient),
		icyClient,
	}, probe.NewTopRadio(probeClient, slugs, ""), logger.WithComponent(log, "resolver"))

	relayManager := relay.NewManager(relay.Config{
		HTTPClient: upstreamClient,
		PublicURL:  cfg.PublicURL,
	}, logger.WithComponent(log, "relay"))

	catalogService := catalog.NewService(catalog.Config{
		HTTPClient: upstreamClient,
		TTL:        cfg.CatalogTTL,
	}, logger.WithComponent(log, "catalog"), sentryHelper)

	var shuttingDown atomic.Bool
	server := httpServer.NewServer(httpServer.Config{
		Relay:        relayManager,
		Policy:       relay.NewPolicy(cfg.DenyHosts),
		Resolver:     resolver,
		Catalog:      catalogService,
		Inspector:    inspect.New(icyClient, 0, 0, logger.WithComponent(log, "inspect")),
		ExtractorURL: cfg.ExtractorURL,
		RateLimit:    cfg.RateLimit,
		Ready: func() error {
			if shuttingDown.Load() {
				return errors.New("shutting down")
			}
			return nil
		},
		Logger: logger.WithComponent(log, "http"),
		Sentry: sentryHelper,
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.LogConfigEvent(log, slog.LevelInfo, "Server starting",
			slog.Int("port", cfg.Port),
			slog.String("env", cfg.Env),
			slog.Bool("sentry", sentryEnabled))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			sentryHelper.CaptureError(err, "http", "listen")
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Warn("Shutdown signal received")
	shuttingDown.Store(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		sentryHelper.CaptureError(err, "http", "shutdown")
		return fmt.Errorf("failed to shut down: %w", err)
	}
	log.Warn("Server stopped")
	return nil
}

// loadConfig parses flags from args and then applies environment overrides.
func loadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	var denyHosts string

	fs := flag.NewFlagSet("radio-atlas-relay", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", defaultPort, "HTTP port")
	fs.StringVar(&cfg.PublicURL, "public-url", "", "externally visible relay origin; derived from requests when empty")
	fs.StringVar(&cfg.ExtractorURL, "extractor-url", httpServer.DefaultExtractorURL, "media extractor base URL")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level: debug, info, warning, error")
	fs.StringVar(&cfg.SentryDSN, "sentry-dsn", "", "Sentry DSN; empty disables error reporting")
	fs.StringVar(&cfg.Env, "env", defaultEnv, "deployment environment")
	fs.IntVar(&cfg.RateLimit, "rate-limit", httpServer.DefaultRateLimit, "requests per minute per client IP; 0 disables")
	fs.DurationVar(&cfg.CatalogTTL, "catalog-ttl", catalog.DefaultTTL, "catalog cache lifetime")
	fs.StringVar(&cfg.TopRadioMap, "topradio-map", "", "JSON file mapping stream hosts to top-radio slugs")
	fs.StringVar(&cfg.PushURL, "push-url", nowplaying.DefaultPushURL, "push metadata event feed")
	fs.StringVar(&cfg.ICYCharset, "icy-charset", defaultICYCharset, "charset for non UTF-8 ICY titles")
	fs.StringVar(&denyHosts, "deny-hosts", strings.Join(relay.DefaultDenyHosts, ","), "comma separated hosts that are never proxied")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RATE_LIMIT: %w", err)
		}
		cfg.RateLimit = limit
	}
	if v := os.Getenv("CATALOG_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse CATALOG_TTL: %w", err)
		}
		cfg.CatalogTTL = ttl
	}
	cfg.PublicURL = getEnvOrDefault("PUBLIC_URL", cfg.PublicURL)
	cfg.ExtractorURL = getEnvOrDefault("EXTRACTOR_URL", cfg.ExtractorURL)
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.SentryDSN = getEnvOrDefault("SENTRY_DSN", cfg.SentryDSN)
	cfg.Env = getEnvOrDefault("ENV", cfg.Env)
	cfg.TopRadioMap = getEnvOrDefault("TOPRADIO_MAP_FILE", cfg.TopRadioMap)
	cfg.PushURL = getEnvOrDefault("PUSH_META_URL", cfg.PushURL)
	cfg.ICYCharset = getEnvOrDefault("ICY_FALLBACK_CHARSET", cfg.ICYCharset)
	denyHosts = getEnvOrDefault("DENY_HOSTS", denyHosts)

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", cfg.Port)
	}
	for _, host := range strings.Split(denyHosts, ",") {
		if host = strings.TrimSpace(host); host != "" {
			cfg.DenyHosts = append(cfg.DenyHosts, host)
		}
	}
	return cfg, nil
}

// getEnvOrDefault returns the value of key when it is set and non-empty.
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}
