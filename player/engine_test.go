package player_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aposazhennikov/radio-atlas-relay/clock"
	"github.com/aposazhennikov/radio-atlas-relay/player"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeMedia struct {
	mu        sync.Mutex
	nativeHLS bool
	failPlay  map[string]bool
	attached  []player.Source
	current   string
	detached  int
	paused    int
	plays     int
}

func (m *fakeMedia) Attach(src player.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = append(m.attached, src)
	m.current = src.URL
	return nil
}

func (m *fakeMedia) Play() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plays++
	if m.failPlay[m.current] {
		return errors.New("NotAllowedError")
	}
	return nil
}

func (m *fakeMedia) Pause()                  { m.mu.Lock(); m.paused++; m.mu.Unlock() }
func (m *fakeMedia) Detach()                 { m.mu.Lock(); m.detached++; m.current = ""; m.mu.Unlock() }
func (m *fakeMedia) SupportsNativeHLS() bool { return m.nativeHLS }

func (m *fakeMedia) urls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.attached))
	for _, src := range m.attached {
		out = append(out, src.URL)
	}
	return out
}

const relayBase = "https://relay.example"

func newEngine(media player.Media) (*player.Engine, *clock.Fake, *[]player.State) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var states []player.State
	e := player.NewEngine(player.Config{
		Clock:         fake,
		RelayBase:     relayBase,
		OnStateChange: func(s player.State) { states = append(states, s) },
	}, media)
	return e, fake, &states
}

func TestBackoffSequence(t *testing.T) {
	want := []time.Duration{2, 4, 6, 8, 10, 12, 14, 15, 15}
	for i, w := range want {
		assert.Equal(t, w*time.Second, player.Backoff(i+1), "attempt %d", i+1)
	}
}

func TestBuildCandidates(t *testing.T) {
	assert.Equal(t, []string{
		"https://x.example/stream",
		"https://relay.example/stream?url=http%3A%2F%2Fx.example%2Fstream",
	}, player.BuildCandidates("http://x.example/stream", relayBase))
	assert.Equal(t, []string{"https://x.example/stream", "http://x.example/stream"},
		player.BuildCandidates("http://x.example/stream", ""))
	assert.Equal(t, []string{"https://x.example/live.m3u8"},
		player.BuildCandidates("https://x.example/live.m3u8", relayBase))
}

func TestPlayAttachesFirstCandidate(t *testing.T) {
	media := &fakeMedia{}
	e, _, states := newEngine(media)

	e.Play(player.Station{ID: "a", StreamURL: "http://a.example/live"})
	assert.Equal(t, player.Buffering, e.State())
	assert.Equal(t, []string{"https://a.example/live"}, media.urls())

	e.Dispatch(player.SignalPlaying)
	assert.Equal(t, player.Playing, e.State())
	assert.Equal(t, []player.State{player.Buffering, player.Playing}, *states)
}

func TestHLSAttachMode(t *testing.T) {
	media := &fakeMedia{}
	e, _, _ := newEngine(media)
	e.Play(player.Station{ID: "h", StreamURL: "https://a.example/live/index.m3u8"})
	require.Len(t, media.attached, 1)
	assert.Equal(t, player.ModeHLS, media.attached[0].Mode)

	native := &fakeMedia{nativeHLS: true}
	e2, _, _ := newEngine(native)
	e2.Play(player.Station{ID: "h", StreamURL: "https://a.example/live/index.m3u8"})
	assert.Equal(t, player.ModeDirect, native.attached[0].Mode)
}

func TestErrorFailsOverThenBacksOff(t *testing.T) {
	media := &fakeMedia{}
	e, fake, _ := newEngine(media)
	e.Play(player.Station{ID: "a", StreamURL: "http://a.example/live"})

	e.Dispatch(player.SignalErrored)
	assert.Equal(t, player.Buffering, e.State())
	assert.Equal(t, []string{
		"https://a.example/live",
		"https://relay.example/stream?url=http%3A%2F%2Fa.example%2Flive",
	}, media.urls())
	assert.Zero(t, fake.Pending(), "failover happens without a timer")

	e.Dispatch(player.SignalErrored)
	assert.Equal(t, player.Error, e.State())
	assert.Equal(t, 1, e.Attempts())
	assert.Equal(t, 1, fake.Pending())

	fake.Advance(2*time.Second - time.Millisecond)
	assert.Len(t, media.urls(), 2)
	fake.Advance(time.Millisecond)
	assert.Equal(t, player.Buffering, e.State())
	assert.Equal(t, "https://a.example/live", media.urls()[2], "reconnect restarts from the first candidate")
}

func TestBackoffGrowsAndResetsOnPlaying(t *testing.T) {
	media := &fakeMedia{}
	e, fake, _ := newEngine(media)
	e.Play(player.Station{ID: "a", StreamURL: "https://a.example/live"})

	for attempt := 1; attempt <= 9; attempt++ {
		e.Dispatch(player.SignalErrored)
		require.Equal(t, player.Error, e.State())
		require.Equal(t, attempt, e.Attempts())

		delay := player.Backoff(attempt)
		fake.Advance(delay - time.Millisecond)
		require.Equal(t, player.Error, e.State(), "attempt %d fired early", attempt)
		fake.Advance(time.Millisecond)
		require.Equal(t, player.Buffering, e.State())
	}

	e.Dispatch(player.SignalPlaying)
	assert.Zero(t, e.Attempts())

	e.Dispatch(player.SignalErrored)
	assert.Equal(t, 1, e.Attempts())
	fake.Advance(2 * time.Second)
	assert.Equal(t, player.Buffering, e.State())
}

func TestOnlyOneReconnectTimer(t *testing.T) {
	e, fake, _ := newEngine(&fakeMedia{})
	e.Play(player.Station{ID: "a", StreamURL: "https://a.example/live"})

	e.Dispatch(player.SignalErrored)
	e.Dispatch(player.SignalErrored)
	e.Dispatch(player.SignalEnded)
	assert.Equal(t, 1, fake.Pending())
	assert.Equal(t, 1, e.Attempts())
}

func TestShortBufferingIsNotAFailure(t *testing.T) {
	e, fake, _ := newEngine(&fakeMedia{})
	e.Play(player.Station{ID: "a", StreamURL: "https://a.example/live"})
	e.Dispatch(player.SignalPlaying)

	e.Dispatch(player.SignalWaiting)
	assert.Equal(t, player.Buffering, e.State())
	fake.Advance(4 * time.Second)
	e.Dispatch(player.SignalPlaying)
	fake.Advance(time.Minute)

	assert.Equal(t, player.Playing, e.State())
	assert.Zero(t, e.Attempts())
	assert.Zero(t, fake.Pending())
}

func TestPersistentStallSchedulesReconnect(t *testing.T) {
	media := &fakeMedia{}
	e, fake, _ := newEngine(media)
	e.Play(player.Station{ID: "a", StreamURL: "https://a.example/live"})
	e.Dispatch(player.SignalPlaying)

	e.Dispatch(player.SignalStalled)
	e.Dispatch(player.SignalWaiting)
	fake.Advance(5 * time.Second)
	assert.Equal(t, 1, e.Attempts())

	fake.Advance(2 * time.Second)
	assert.Len(t, media.urls(), 2)
}

func TestStationSwitchCancelsStaleReconnect(t *testing.T) {
	media := &fakeMedia{}
	e, fake, _ := newEngine(media)
	e.Play(player.Station{ID: "a", StreamURL: "https://a.example/live"})
	e.Dispatch(player.SignalErrored)
	require.Equal(t, 1, fake.Pending())

	e.Play(player.Station{ID: "b", StreamURL: "https://b.example/live"})
	assert.Zero(t, fake.Pending())
	assert.Zero(t, e.Attempts())

	fake.Advance(time.Minute)
	urls := media.urls()
	assert.Equal(t, "https://b.example/live", urls[len(urls)-1])
	assert.NotContains(t, urls[1:], "https://a.example/live")
}

func TestStopIsTerminal(t *testing.T) {
	media := &fakeMedia{}
	e, fake, states := newEngine(media)
	e.Play(player.Station{ID: "a", StreamURL: "https://a.example/live"})
	e.Dispatch(player.SignalErrored)

	e.Stop()
	assert.Equal(t, player.Idle, e.State())
	assert.Zero(t, fake.Pending())
	assert.Equal(t, 1, media.detached)
	assert.Equal(t, player.Idle, (*states)[len(*states)-1])

	e.Dispatch(player.SignalPlaying)
	assert.Equal(t, player.Idle, e.State())
	_, ok := e.Current()
	assert.False(t, ok)
}

func TestPauseAndErrorPrecedence(t *testing.T) {
	e, _, _ := newEngine(&fakeMedia{})
	e.Play(player.Station{ID: "a", StreamURL: "https://a.example/live"})
	e.Dispatch(player.SignalPlaying)
	e.Dispatch(player.SignalPaused)
	assert.Equal(t, player.Paused, e.State())

	e.Dispatch(player.SignalErrored)
	e.Dispatch(player.SignalPaused)
	assert.Equal(t, player.Error, e.State())
}

func TestPlayRejectedFailsOverImmediately(t *testing.T) {
	media := &fakeMedia{failPlay: map[string]bool{"https://a.example/live": true}}
	e, _, _ := newEngine(media)
	e.Play(player.Station{ID: "a", StreamURL: "http://a.example/live"})

	assert.Equal(t, player.Buffering, e.State())
	assert.Len(t, media.urls(), 2)
	assert.Equal(t, []string{
		"https://a.example/live",
		"https://relay.example/stream?url=http%3A%2F%2Fa.example%2Flive",
	}, e.Candidates())
}

// lateClock hands out timers that cannot be cancelled, as when a callback has
// already fired and is waiting on the engine lock.
type lateClock struct {
	callbacks []func()
}

type lateTimer struct{}

func (lateTimer) Stop() bool { return false }

func (c *lateClock) Now() time.Time { return time.Time{} }

func (c *lateClock) AfterFunc(_ time.Duration, f func()) clock.Timer {
	c.callbacks = append(c.callbacks, f)
	return lateTimer{}
}

func newLateEngine(media player.Media) (*player.Engine, *lateClock) {
	c := &lateClock{}
	return player.NewEngine(player.Config{Clock: c, RelayBase: relayBase}, media), c
}

func TestLateReconnectAfterPlayingIsIgnored(t *testing.T) {
	media := &fakeMedia{}
	e, c := newLateEngine(media)
	e.Play(player.Station{ID: "a", StreamURL: "http://a.example/live"})
	e.Dispatch(player.SignalErrored)
	e.Dispatch(player.SignalErrored)
	require.Equal(t, player.Error, e.State())
	require.Len(t, c.callbacks, 1)

	e.Dispatch(player.SignalPlaying)
	attached := len(media.urls())
	c.callbacks[0]()

	assert.Equal(t, player.Playing, e.State())
	assert.Len(t, media.urls(), attached)
	assert.Zero(t, e.Attempts())
}

func TestLateStallTimeoutAfterRecoveryIsIgnored(t *testing.T) {
	media := &fakeMedia{}
	e, c := newLateEngine(media)
	e.Play(player.Station{ID: "a", StreamURL: "https://a.example/live"})
	e.Dispatch(player.SignalPlaying)

	e.Dispatch(player.SignalWaiting)
	require.Len(t, c.callbacks, 1)
	e.Dispatch(player.SignalPlaying)

	// a new buffering episode gets its own timer
	e.Dispatch(player.SignalWaiting)
	require.Len(t, c.callbacks, 2)

	c.callbacks[0]()
	assert.Len(t, c.callbacks, 2, "stale stall timeout must not schedule a reconnect")
	assert.Zero(t, e.Attempts())

	c.callbacks[1]()
	assert.Equal(t, 1, e.Attempts())
	assert.Len(t, c.callbacks, 3)
}

func TestLateReconnectAfterStationSwitchIsIgnored(t *testing.T) {
	media := &fakeMedia{}
	e, c := newLateEngine(media)
	e.Play(player.Station{ID: "a", StreamURL: "https://a.example/live"})
	e.Dispatch(player.SignalErrored)
	require.Len(t, c.callbacks, 1)

	e.Play(player.Station{ID: "b", StreamURL: "https://b.example/live"})
	c.callbacks[0]()

	assert.Equal(t, []string{"https://a.example/live", "https://b.example/live"}, media.urls())
	assert.Equal(t, player.Buffering, e.State())
}

func TestResume(t *testing.T) {
	media := &fakeMedia{}
	e, _, _ := newEngine(media)

	e.Resume()
	assert.Zero(t, media.plays, "resume without a station is a no-op")

	e.Play(player.Station{ID: "a", StreamURL: "https://a.example/live"})
	e.Dispatch(player.SignalPlaying)
	e.Pause()
	e.Dispatch(player.SignalPaused)
	require.Equal(t, player.Paused, e.State())
	assert.Equal(t, 1, media.paused)

	e.Resume()
	assert.Equal(t, 2, media.plays)
	e.Dispatch(player.SignalPlaying)
	assert.Equal(t, player.Playing, e.State())

	media.failPlay = map[string]bool{"https://a.example/live": true}
	e.Resume()
	assert.Equal(t, player.Error, e.State())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "buffering", player.Buffering.String())
	assert.Equal(t, "stalled", player.SignalStalled.String())
}
