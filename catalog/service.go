package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aposazhennikov/radio-atlas-relay/logger"
	"github.com/aposazhennikov/radio-atlas-relay/probe"
	"github.com/aposazhennikov/radio-atlas-relay/sentry_helper"
)

// DefaultMirrors are the radio-browser search endpoints raced for every load.
var DefaultMirrors = []string{
	"https://de1.api.radio-browser.info/json/stations/search",
	"https://nl1.api.radio-browser.info/json/stations/search",
	"https://fr1.api.radio-browser.info/json/stations/search",
	"https://all.api.radio-browser.info/json/stations/search",
}

const (
	DefaultTTL       = 30 * time.Minute
	DefaultPageLimit = 10000
	DefaultMaxPages  = 5

	defaultRequestTimeout = 8 * time.Second
	maxPageSize           = 256 << 20
)

var (
	// ErrEmptyResponse is returned by a mirror that answered with no stations.
	ErrEmptyResponse = errors.New("empty response")
	// ErrAllMirrorsFailed wraps the individual mirror errors.
	ErrAllMirrorsFailed = errors.New("all catalog mirrors failed")
)

// Mode selects how much of the directory to load.
type Mode string

const (
	ModeFast Mode = "fast"
	ModeFull Mode = "full"
)

// ParseMode maps the query value to a Mode. Anything but "fast" loads the full directory.
func ParseMode(raw string) Mode {
	if raw == string(ModeFast) {
		return ModeFast
	}
	return ModeFull
}

// Config configures a Service. Zero values select the defaults.
type Config struct {
	Mirrors        []string
	HTTPClient     *http.Client
	TTL            time.Duration
	PageLimit      int
	MaxPages       int
	RequestTimeout time.Duration
}

// Service serves the normalized station directory from a per-mode cache, refilling it by
// racing all mirrors.
type Service struct {
	cfg    Config
	cache  *Cache[[]Station]
	group  singleflight.Group
	logger *slog.Logger
	sentry *sentry_helper.SentryHelper
}

// NewService creates a catalog Service.
func NewService(cfg Config, l *slog.Logger, sentry *sentry_helper.SentryHelper) *Service {
	if l == nil {
		l = slog.Default()
	}
	if len(cfg.Mirrors) == 0 {
		cfg.Mirrors = DefaultMirrors
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultPageLimit
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Service{
		cfg:    cfg,
		cache:  NewCache[[]Station](nil),
		logger: l,
		sentry: sentry,
	}
}

// Stations returns the directory for mode.
func (s *Service) Stations(ctx context.Context, mode Mode) ([]Station, error) {
	if stations, ok := s.cache.Get(string(mode)); ok {
		catalogRequests.WithLabelValues(string(mode), "hit").Inc()
		return stations, nil
	}

	ch := s.group.DoChan(string(mode), func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
			s.cfg.RequestTimeout*time.Duration(s.pages(mode)+1))
		defer cancel()
		stations, err := s.load(loadCtx, mode)
		if err != nil {
			return nil, err
		}
		s.cache.Set(string(mode), stations, s.cfg.TTL)
		stats := s.cache.Stats()
		s.logger.Debug("Catalog cached",
			slog.String("mode", string(mode)),
			slog.Int64("cache_hits", stats.Hits),
			slog.Int64("cache_misses", stats.Misses),
			slog.Int64("cache_evictions", stats.Evictions),
			slog.Int("cache_size", stats.CurrentSize))
		return stations, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to load catalog: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			catalogRequests.WithLabelValues(string(mode), "error").Inc()
			return nil, res.Err
		}
		catalogRequests.WithLabelValues(string(mode), "miss").Inc()
		return res.Val.([]Station), nil
	}
}

func (s *Service) pages(mode Mode) int {
	if mode == ModeFast {
		return 1
	}
	return s.cfg.MaxPages
}

type mirrorResult struct {
	mirror   string
	stations []Station
	err      error
}

// load races every mirror; the first non-empty answer wins and the others are cancelled.
func (s *Service) load(ctx context.Context, mode Mode) ([]Station, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan mirrorResult, len(s.cfg.Mirrors))
	for _, mirror := range s.cfg.Mirrors {
		go func(mirror string) {
			stations, err := s.fetchMirror(ctx, mirror, s.pages(mode))
			if err == nil && len(stations) == 0 {
				err = ErrEmptyResponse
			}
			results <- mirrorResult{mirror: mirror, stations: stations, err: err}
		}(mirror)
	}

	var errs []error
	for range s.cfg.Mirrors {
		res := <-results
		if res.err == nil {
			stations := Normalize(res.stations)
			s.logger.Info("Catalog loaded",
				slog.String("mirror", res.mirror),
				slog.String("mode", string(mode)),
				slog.Int("stations", len(stations)))
			return stations, nil
		}
		logger.LogUpstreamEvent(s.logger, slog.LevelWarn, "Catalog mirror failed", res.mirror,
			slog.String("error", res.err.Error()))
		errs = append(errs, fmt.Errorf("%s: %w", res.mirror, res.err))
	}

	err := fmt.Errorf("%w: %w", ErrAllMirrorsFailed, errors.Join(errs...))
	s.sentry.CaptureError(err, "catalog", "load")
	return nil, err
}

func (s *Service) fetchMirror(ctx context.Context, endpoint string, maxPages int) ([]Station, error) {
	var collected []Station
	for page := 0; page < maxPages; page++ {
		batch, err := s.fetchPage(ctx, endpoint, page)
		if err != nil {
			return nil, err
		}
		collected = append(collected, batch...)
		if len(batch) < s.cfg.PageLimit {
			break
		}
	}
	return collected, nil
}

func (s *Service) fetchPage(ctx context.Context, endpoint string, page int) ([]Station, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mirror url: %w", err)
	}
	q := u.Query()
	q.Set("order", "clickcount")
	q.Set("reverse", "true")
	q.Set("limit", strconv.Itoa(s.cfg.PageLimit))
	q.Set("offset", strconv.Itoa(page*s.cfg.PageLimit))
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", probe.UserAgent)
	req.Header.Set("X-User-Agent", probe.UserAgent)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page %d: %w", page, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("radio browser status %d", resp.StatusCode)
	}

	var batch []Station
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPageSize)).Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode page %d: %w", page, err)
	}
	return batch, nil
}
