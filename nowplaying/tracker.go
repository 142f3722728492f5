package nowplaying

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aposazhennikov/radio-atlas-relay/clock"
)

// Status is the display status of the now-playing line.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusLoading     Status = "loading"
	StatusReady       Status = "ready"
	StatusUnavailable Status = "unavailable"
)

const (
	DefaultPollInterval   = 60 * time.Second
	DefaultInitialTimeout = 8 * time.Second
	DefaultGrace          = 20 * time.Second
)

// State is the now-playing state of the active station.
type State struct {
	StationID     string    `json:"station_id"`
	Track         string    `json:"track,omitempty"`
	Status        Status    `json:"status"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Lookup resolves a title for a stream. *Resolver implements it.
type Lookup interface {
	Resolve(ctx context.Context, streamURL string) (Result, error)
}

// Subscriber delivers pushed tracks. *PushChannel implements it.
type Subscriber interface {
	Subscribe(streamURL string, fn func(track string)) (cancel func(), ok bool)
	Healthy() bool
}

// TrackerConfig configures a Tracker. Zero durations select the defaults.
type TrackerConfig struct {
	Clock          clock.Clock
	PollInterval   time.Duration
	InitialTimeout time.Duration
	Grace          time.Duration
	OnChange       func(State)
	Logger         *slog.Logger
}

// Tracker owns the now-playing state of one player: it polls while a station plays, listens
// to the push channel when the station is served by it, and only reports unavailable after a
// silence longer than the grace window. Starting a new station tears the old one down first.
type Tracker struct {
	cfg    TrackerConfig
	lookup Lookup
	push   Subscriber

	mu          sync.Mutex
	gen         uint64
	state       State
	streamURL   string
	lastTrackAt time.Time
	gotTrack    bool
	subscribed  bool
	pollTimer   clock.Timer
	initTimer   clock.Timer
	unsubscribe func()
	cancel      context.CancelFunc
}

// NewTracker creates an idle Tracker. push may be nil.
func NewTracker(cfg TrackerConfig, lookup Lookup, push Subscriber) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.InitialTimeout <= 0 {
		cfg.InitialTimeout = DefaultInitialTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		cfg:    cfg,
		lookup: lookup,
		push:   push,
		state:  State{Status: StatusIdle},
	}
}

// State returns a snapshot of the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start begins tracking stationID playing from streamURL.
func (t *Tracker) Start(stationID, streamURL string) {
	t.mu.Lock()
	release := t.stopLocked()
	t.gen++
	gen := t.gen

	ctx, cancel := context.WithCancel(context.Background())
	now := t.cfg.Clock.Now()
	t.cancel = cancel
	t.streamURL = streamURL
	t.lastTrackAt = now
	t.state = State{StationID: stationID, Status: StatusLoading, LastUpdatedAt: now}
	t.initTimer = t.cfg.Clock.AfterFunc(t.cfg.InitialTimeout, func() { t.initialTimeout(gen) })
	t.pollTimer = t.cfg.Clock.AfterFunc(0, func() { t.poll(ctx, gen) })
	snapshot := t.state
	t.mu.Unlock()

	release()
	t.notify(snapshot)

	if t.push == nil {
		return
	}
	unsubscribe, ok := t.push.Subscribe(streamURL, func(track string) { t.apply(gen, track) })
	if !ok {
		return
	}
	t.mu.Lock()
	if t.gen == gen {
		t.unsubscribe = unsubscribe
		t.subscribed = true
		unsubscribe = nil
	}
	t.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Stop cancels polling and subscriptions and resets the state to idle.
func (t *Tracker) Stop() {
	t.mu.Lock()
	release := t.stopLocked()
	t.gen++
	t.state = State{Status: StatusIdle}
	snapshot := t.state
	t.mu.Unlock()

	release()
	t.notify(snapshot)
}

// stopLocked stops timers and returns the work that must run after t.mu is released.
func (t *Tracker) stopLocked() func() {
	if t.pollTimer != nil {
		t.pollTimer.Stop()
		t.pollTimer = nil
	}
	if t.initTimer != nil {
		t.initTimer.Stop()
		t.initTimer = nil
	}
	cancel, unsubscribe := t.cancel, t.unsubscribe
	t.cancel, t.unsubscribe = nil, nil
	t.subscribed = false
	t.gotTrack = false
	return func() {
		if cancel != nil {
			cancel()
		}
		if unsubscribe != nil {
			unsubscribe()
		}
	}
}

func (t *Tracker) poll(ctx context.Context, gen uint64) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	skip := t.subscribed && t.push.Healthy()
	streamURL := t.streamURL
	t.mu.Unlock()

	if !skip {
		result, err := t.lookup.Resolve(ctx, streamURL)
		switch {
		case err == nil:
			t.apply(gen, result.Title)
		case ctx.Err() == nil:
			t.cfg.Logger.Debug("Now-playing lookup failed",
				slog.String("url", streamURL),
				slog.String("error", err.Error()))
			t.apply(gen, "")
		}
	}

	t.mu.Lock()
	if t.gen == gen {
		t.pollTimer = t.cfg.Clock.AfterFunc(t.cfg.PollInterval, func() { t.poll(ctx, gen) })
	}
	t.mu.Unlock()
}

// apply records a lookup or push outcome. An empty track only turns the state unavailable
// once the last track is older than the grace window.
func (t *Tracker) apply(gen uint64, track string) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	now := t.cfg.Clock.Now()
	changed := false
	if track != "" {
		t.lastTrackAt = now
		t.gotTrack = true
		if t.initTimer != nil {
			t.initTimer.Stop()
			t.initTimer = nil
		}
		t.state.LastUpdatedAt = now
		if t.state.Track != track || t.state.Status != StatusReady {
			t.state.Track = track
			t.state.Status = StatusReady
			changed = true
		}
	} else if now.Sub(t.lastTrackAt) > t.cfg.Grace && t.state.Status != StatusUnavailable {
		t.state.Track = ""
		t.state.Status = StatusUnavailable
		t.state.LastUpdatedAt = now
		changed = true
	}
	snapshot := t.state
	t.mu.Unlock()

	if changed {
		t.notify(snapshot)
	}
}

func (t *Tracker) initialTimeout(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || t.gotTrack || t.state.Status != StatusLoading {
		t.mu.Unlock()
		return
	}
	t.initTimer = nil
	t.state.Status = StatusUnavailable
	t.state.LastUpdatedAt = t.cfg.Clock.Now()
	snapshot := t.state
	t.mu.Unlock()

	t.notify(snapshot)
}

func (t *Tracker) notify(s State) {
	if t.cfg.OnChange != nil {
		t.cfg.OnChange(s)
	}
}
