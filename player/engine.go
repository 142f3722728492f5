// Package player drives a media element through live-radio playback: candidate selection,
// source attachment, stall detection, failover and reconnect with capped backoff.
package player

import (
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aposazhennikov/radio-atlas-relay/clock"
	"github.com/aposazhennikov/radio-atlas-relay/playlist"
)

const (
	DefaultStallGrace  = 5 * time.Second
	DefaultBackoffStep = 2 * time.Second
	DefaultMaxBackoff  = 15 * time.Second
)

// State is the playback state.
type State int

const (
	Idle State = iota
	Buffering
	Playing
	Paused
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Buffering:
		return "buffering"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Signal is an event reported by the media element.
type Signal int

const (
	SignalPlaying Signal = iota
	SignalPaused
	SignalWaiting
	SignalStalled
	SignalErrored
	SignalEnded
)

func (s Signal) String() string {
	switch s {
	case SignalPlaying:
		return "playing"
	case SignalPaused:
		return "paused"
	case SignalWaiting:
		return "waiting"
	case SignalStalled:
		return "stalled"
	case SignalErrored:
		return "errored"
	case SignalEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Mode selects how a source is attached.
type Mode int

const (
	ModeDirect Mode = iota
	ModeHLS
)

// Source is one attachable stream.
type Source struct {
	URL  string
	Mode Mode
}

// Media is the decode/render element. Implementations report progress through
// Engine.Dispatch and must not call it synchronously from inside these methods.
type Media interface {
	Attach(src Source) error
	Play() error
	Pause()
	Detach()
	SupportsNativeHLS() bool
}

// Station is the part of a catalog station the engine needs.
type Station struct {
	ID        string
	StreamURL string
}

// Config configures an Engine. Zero values select the defaults.
type Config struct {
	Clock         clock.Clock
	RelayBase     string
	StallGrace    time.Duration
	BackoffStep   time.Duration
	MaxBackoff    time.Duration
	OnStateChange func(State)
	Logger        *slog.Logger
}

// Engine is the playback state machine. It owns at most one station, one candidate list and
// one pending reconnect timer at a time.
type Engine struct {
	cfg   Config
	media Media

	mu         sync.Mutex
	state      State
	station    *Station
	candidates []string
	index      int
	attempts   int
	reconnect  clock.Timer
	stall      clock.Timer

	// timer tokens; a callback whose token no longer matches was superseded
	timerSeq    uint64
	reconnectID uint64
	stallID     uint64
}

// NewEngine creates an idle Engine bound to media.
func NewEngine(cfg Config, media Media) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.StallGrace <= 0 {
		cfg.StallGrace = DefaultStallGrace
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = DefaultBackoffStep
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{cfg: cfg, media: media, state: Idle}
}

// Backoff returns the delay before reconnect attempt n (1-based): 2s, 4s, 6s, ... capped at 15s.
func Backoff(n int) time.Duration {
	return backoff(n, DefaultBackoffStep, DefaultMaxBackoff)
}

func backoff(n int, step, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := step * time.Duration(n)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// BuildCandidates returns the ordered URLs to try for streamURL. Plain http streams are
// tried over https first, then through the relay (or as-is when no relay is configured).
func BuildCandidates(streamURL, relayBase string) []string {
	u, err := url.Parse(streamURL)
	if err != nil || !strings.EqualFold(u.Scheme, "http") {
		return []string{streamURL}
	}
	upgraded := *u
	upgraded.Scheme = "https"
	fallback := streamURL
	if relayBase != "" {
		fallback = playlist.Wrap(relayBase, streamURL)
	}
	return []string{upgraded.String(), fallback}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Attempts returns the reconnect attempt counter.
func (e *Engine) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

// Candidates returns a copy of the current candidate list.
func (e *Engine) Candidates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.candidates...)
}

// Current returns the active station, if any.
func (e *Engine) Current() (Station, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.station == nil {
		return Station{}, false
	}
	return *e.station, true
}

// Play switches to station: pending timers of the previous station are cancelled before
// the fresh candidate list is built and its first entry attached.
func (e *Engine) Play(station Station) {
	e.mu.Lock()
	before := e.state
	e.resetLocked()
	s := station
	e.station = &s
	e.candidates = BuildCandidates(station.StreamURL, e.cfg.RelayBase)
	e.index = 0
	e.state = Buffering
	e.startCandidateLocked()
	after := e.state
	e.mu.Unlock()

	e.notify(before, after)
}

// Stop is terminal for the current station.
func (e *Engine) Stop() {
	e.mu.Lock()
	before := e.state
	hadStation := e.station != nil
	e.resetLocked()
	e.station = nil
	e.candidates = nil
	e.state = Idle
	e.mu.Unlock()

	if hadStation {
		e.media.Pause()
		e.media.Detach()
	}
	e.notify(before, Idle)
}

// Pause pauses the media element; the paused signal updates the state.
func (e *Engine) Pause() {
	e.mu.Lock()
	active := e.station != nil
	e.mu.Unlock()
	if active {
		e.media.Pause()
	}
}

// Resume restarts playback of the attached source.
func (e *Engine) Resume() {
	e.mu.Lock()
	before := e.state
	if e.station != nil {
		if err := e.media.Play(); err != nil {
			e.cfg.Logger.Warn("Resume failed", slog.String("error", err.Error()))
			e.state = Error
		}
	}
	after := e.state
	e.mu.Unlock()

	e.notify(before, after)
}

// Dispatch feeds a media signal into the state machine. Signals without an active station
// are ignored.
func (e *Engine) Dispatch(sig Signal) {
	e.mu.Lock()
	before := e.state
	if e.station == nil {
		e.mu.Unlock()
		return
	}

	switch sig {
	case SignalPlaying:
		e.state = Playing
		e.stopStallLocked()
		e.stopReconnectLocked()
		e.attempts = 0
	case SignalPaused:
		e.stopStallLocked()
		if e.state != Error {
			e.state = Paused
		}
	case SignalWaiting, SignalStalled:
		e.state = Buffering
		if e.stall == nil {
			e.timerSeq++
			id := e.timerSeq
			e.stallID = id
			e.stall = e.cfg.Clock.AfterFunc(e.cfg.StallGrace, func() { e.onStallTimeout(id) })
		}
	case SignalEnded:
		e.stopStallLocked()
		e.state = Buffering
		e.scheduleReconnectLocked()
	case SignalErrored:
		e.stopStallLocked()
		e.failoverLocked()
	}
	after := e.state
	e.mu.Unlock()

	e.notify(before, after)
}

func (e *Engine) onStallTimeout(id uint64) {
	e.mu.Lock()
	if e.stall == nil || id != e.stallID {
		e.mu.Unlock()
		return
	}
	e.stall = nil
	if e.state == Buffering {
		e.cfg.Logger.Info("Playback stalled, scheduling reconnect",
			slog.String("station", e.station.ID))
		e.scheduleReconnectLocked()
	}
	e.mu.Unlock()
}

func (e *Engine) onReconnect(id uint64) {
	e.mu.Lock()
	if e.reconnect == nil || id != e.reconnectID {
		e.mu.Unlock()
		return
	}
	before := e.state
	e.reconnect = nil
	e.index = 0
	e.state = Buffering
	e.startCandidateLocked()
	after := e.state
	e.mu.Unlock()

	e.notify(before, after)
}

// startCandidateLocked attaches candidates[index] and starts playback, failing over on error.
func (e *Engine) startCandidateLocked() {
	for {
		candidate := e.candidates[e.index]
		err := e.media.Attach(Source{URL: candidate, Mode: e.modeFor(candidate)})
		if err == nil {
			err = e.media.Play()
		}
		if err == nil {
			return
		}
		e.cfg.Logger.Warn("Candidate failed to start",
			slog.String("url", candidate),
			slog.String("error", err.Error()))
		if e.index+1 >= len(e.candidates) {
			e.state = Error
			e.scheduleReconnectLocked()
			return
		}
		e.index++
	}
}

// failoverLocked moves to the next candidate, or enters Error once all are exhausted.
func (e *Engine) failoverLocked() {
	if e.index+1 < len(e.candidates) {
		e.index++
		e.state = Buffering
		e.startCandidateLocked()
		return
	}
	e.state = Error
	e.scheduleReconnectLocked()
}

func (e *Engine) scheduleReconnectLocked() {
	if e.reconnect != nil {
		return
	}
	e.attempts++
	delay := backoff(e.attempts, e.cfg.BackoffStep, e.cfg.MaxBackoff)
	e.timerSeq++
	id := e.timerSeq
	e.reconnectID = id
	e.reconnect = e.cfg.Clock.AfterFunc(delay, func() { e.onReconnect(id) })
}

func (e *Engine) stopReconnectLocked() {
	if e.reconnect != nil {
		e.reconnect.Stop()
		e.reconnect = nil
	}
}

func (e *Engine) stopStallLocked() {
	if e.stall != nil {
		e.stall.Stop()
		e.stall = nil
	}
}

func (e *Engine) resetLocked() {
	e.stopStallLocked()
	e.stopReconnectLocked()
	e.attempts = 0
}

func (e *Engine) modeFor(candidate string) Mode {
	if strings.Contains(strings.ToLower(candidate), ".m3u8") && !e.media.SupportsNativeHLS() {
		return ModeHLS
	}
	return ModeDirect
}

func (e *Engine) notify(before, after State) {
	if before != after && e.cfg.OnStateChange != nil {
		e.cfg.OnStateChange(after)
	}
}
