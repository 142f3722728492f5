package nowplaying

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/aposazhennikov/radio-atlas-relay/probe"
	"github.com/aposazhennikov/radio-atlas-relay/sentry_helper"
)

const (
	// DefaultPushURL is the server-sent event feed of the always-on push provider.
	DefaultPushURL = "https://nightride.fm/meta"
	// DefaultPushHost selects the stream URLs served by the push provider.
	DefaultPushHost = "nightride.fm"

	pushMinBackoff = time.Second
	pushMaxBackoff = 30 * time.Second
	// pushOutageThreshold is the number of consecutive failed connections reported as an outage.
	pushOutageThreshold = 5
	maxEventSize   = 1 << 20
)

var stationIDPattern = regexp.MustCompile(`(?i)/([^/]+)\.(mp3|m3u8|flac)$`)

// PushConfig configures a PushChannel.
type PushConfig struct {
	URL        string
	Host       string
	HTTPClient *http.Client
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// OutageThreshold is the failure streak length that is captured once as an upstream failure.
	OutageThreshold int
}

type pushItem struct {
	Station string `json:"station"`
	Artist  string `json:"artist"`
	Title   string `json:"title"`
}

type pushListener struct {
	station string
	fn      func(track string)
}

// PushChannel owns the single long-lived event connection of the push provider and fans
// station → track events out to subscribers. It is started lazily by EnsureStarted and must
// be released with Close.
type PushChannel struct {
	cfg    PushConfig
	logger *slog.Logger
	sentry *sentry_helper.SentryHelper

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	healthy   atomic.Bool
	tracks    *xsync.MapOf[string, string]
	listeners *xsync.MapOf[string, pushListener]
}

// NewPushChannel creates an idle PushChannel.
func NewPushChannel(cfg PushConfig, logger *slog.Logger, sentry *sentry_helper.SentryHelper) *PushChannel {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = DefaultPushURL
	}
	if cfg.Host == "" {
		cfg.Host = DefaultPushHost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = pushMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = pushMaxBackoff
	}
	if cfg.OutageThreshold <= 0 {
		cfg.OutageThreshold = pushOutageThreshold
	}
	return &PushChannel{
		cfg:       cfg,
		logger:    logger,
		sentry:    sentry,
		tracks:    xsync.NewMapOf[string, string](),
		listeners: xsync.NewMapOf[string, pushListener](),
	}
}

// Handles reports whether streamURL belongs to the push provider.
func (p *PushChannel) Handles(streamURL string) bool {
	return strings.Contains(strings.ToLower(streamURL), strings.ToLower(p.cfg.Host))
}

// StationID extracts the provider's station id from the stream file name,
// e.g. "https://stream.nightride.fm/chillsynth.mp3" → "chillsynth".
func StationID(streamURL string) (string, bool) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return "", false
	}
	m := stationIDPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// EnsureStarted opens the event connection once. It is a no-op after Close.
func (p *PushChannel) EnsureStarted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.run(ctx)
}

// Close stops the connection and waits for its goroutine to exit.
func (p *PushChannel) Close() {
	p.mu.Lock()
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.healthy.Store(false)
}

// Healthy reports whether the event connection is currently established.
func (p *PushChannel) Healthy() bool {
	return p.healthy.Load()
}

// Latest returns the last track seen for station.
func (p *PushChannel) Latest(station string) (string, bool) {
	return p.tracks.Load(station)
}

// Subscribe registers fn for track changes of the station behind streamURL and starts the
// channel if needed. A cached track is delivered synchronously. ok is false when the push
// provider does not serve streamURL.
func (p *PushChannel) Subscribe(streamURL string, fn func(track string)) (cancel func(), ok bool) {
	if !p.Handles(streamURL) {
		return nil, false
	}
	station, ok := StationID(streamURL)
	if !ok {
		return nil, false
	}
	p.EnsureStarted()

	id := uuid.NewString()
	p.listeners.Store(id, pushListener{station: station, fn: fn})
	pushListeners.Inc()

	if track, cached := p.tracks.Load(station); cached {
		fn(track)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.listeners.Delete(id)
			pushListeners.Dec()
		})
	}, true
}

func (p *PushChannel) run(ctx context.Context) {
	defer p.wg.Done()

	delay := p.cfg.MinBackoff
	failures := 0
	for {
		received, err := p.consume(ctx)
		p.healthy.Store(false)
		if ctx.Err() != nil {
			return
		}
		if received {
			delay = p.cfg.MinBackoff
			failures = 0
		}
		if err == nil {
			err = errors.New("event stream ended")
		}
		failures++
		p.logger.Warn("Push channel disconnected",
			slog.String("url", p.cfg.URL),
			slog.String("error", err.Error()),
			slog.Int("failures", failures),
			slog.Duration("retry_in", delay))
		p.sentry.AddBreadcrumb("push", "disconnected", map[string]interface{}{"error": err.Error()})
		if failures == p.cfg.OutageThreshold {
			pushOutages.Inc()
			p.logger.Error("Push channel unavailable",
				slog.String("url", p.cfg.URL),
				slog.Int("failures", failures))
			p.sentry.CaptureUpstreamFailure(
				fmt.Errorf("push channel down after %d attempts: %w", failures, err), "push", p.cfg.URL)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > p.cfg.MaxBackoff {
			delay = p.cfg.MaxBackoff
		}
	}
}

// consume reads one connection until it fails. received reports whether any event arrived.
func (p *PushChannel) consume(ctx context.Context) (received bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", probe.UserAgent)

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	p.healthy.Store(true)
	p.logger.Info("Push channel connected", slog.String("url", p.cfg.URL))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)
	var data []string
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		switch {
		case line == "":
			if len(data) > 0 {
				received = true
				p.dispatch(strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, ":"):
			// Comment.
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return received, fmt.Errorf("failed to read event stream: %w", err)
	}
	return received, nil
}

func (p *PushChannel) dispatch(data string) {
	data = strings.TrimSpace(data)
	if data == "" || data == "keepalive" {
		return
	}
	var items []pushItem
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		p.logger.Debug("Ignoring malformed push event", slog.String("error", err.Error()))
		return
	}
	for _, item := range items {
		if item.Station == "" {
			continue
		}
		track := probe.BuildTrack(item.Artist, item.Title)
		if track == "" {
			continue
		}
		p.tracks.Store(item.Station, track)
		pushEvents.Inc()
		p.listeners.Range(func(_ string, l pushListener) bool {
			if l.station == item.Station {
				l.fn(track)
			}
			return true
		})
	}
}
