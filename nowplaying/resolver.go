// Package nowplaying answers "what is this station playing now" by walking a fixed chain of
// status probes, with a shared push channel short-circuiting the chain for one provider.
package nowplaying

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aposazhennikov/radio-atlas-relay/probe"
)

const (
	defaultPushWait = 3 * time.Second
	resolveTimeout  = 45 * time.Second

	sourceNone = "none"
	sourcePush = "push"
)

// ErrInvalidStreamURL is returned for stream URLs that are not absolute http(s) URLs.
var ErrInvalidStreamURL = errors.New("invalid stream url")

// Result is the outcome of one resolution. Title is empty when nothing answered. Logs holds
// one "<source>: <outcome>" line per attempt.
type Result struct {
	Title  string   `json:"title"`
	Source string   `json:"source"`
	Logs   []string `json:"logs"`
}

// Found reports whether a title was resolved.
func (r Result) Found() bool {
	return r.Title != ""
}

// Scraper is a probe that only applies to stations it can map.
type Scraper interface {
	probe.Prober
	Match(target *url.URL) (string, bool)
}

// Resolver runs the probe chain. Probes run strictly one after another.
type Resolver struct {
	push     *PushChannel
	chain    []probe.Prober
	scraper  Scraper
	pushWait time.Duration
	group    singleflight.Group
	logger   *slog.Logger
}

// NewResolver creates a Resolver. chain is tried in order; scraper, when non-nil, runs last
// and only for stations it matches. push may be nil.
func NewResolver(push *PushChannel, chain []probe.Prober, scraper Scraper, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		push:     push,
		chain:    chain,
		scraper:  scraper,
		pushWait: defaultPushWait,
		logger:   logger,
	}
}

// SetPushWait bounds how long Resolve waits for a first push event on a cold channel.
func (r *Resolver) SetPushWait(d time.Duration) {
	r.pushWait = d
}

// Resolve walks the chain for streamURL. Concurrent calls for the same URL share one walk.
func (r *Resolver) Resolve(ctx context.Context, streamURL string) (Result, error) {
	target, err := url.Parse(streamURL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return Result{}, ErrInvalidStreamURL
	}

	ch := r.group.DoChan(streamURL, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return r.resolve(runCtx, target), nil
	})
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("failed to resolve now playing: %w", ctx.Err())
	case res := <-ch:
		result := res.Val.(Result)
		// Shared results must not alias the same log slice.
		result.Logs = append([]string(nil), result.Logs...)
		return result, nil
	}
}

func (r *Resolver) resolve(ctx context.Context, target *url.URL) Result {
	var logs []string
	done := func(title, source string) Result {
		lookupsTotal.WithLabelValues(source).Inc()
		return Result{Title: title, Source: source, Logs: logs}
	}

	if r.push != nil && r.push.Handles(target.String()) {
		title, outcome, skipChain := r.fromPush(ctx, target.String())
		logs = append(logs, sourcePush+": "+outcome)
		if title != "" {
			return done(title, sourcePush)
		}
		if skipChain {
			return done("", sourceNone)
		}
	}

	for _, p := range r.chain {
		title, err := r.attempt(ctx, p, target)
		if err != nil {
			logs = append(logs, p.Name()+": "+err.Error())
			continue
		}
		logs = append(logs, p.Name()+": "+title)
		return done(title, p.Name())
	}

	if r.scraper != nil {
		if slug, ok := r.scraper.Match(target); ok {
			title, err := r.attempt(ctx, r.scraper, target)
			if err != nil {
				logs = append(logs, r.scraper.Name()+" ("+slug+"): "+err.Error())
			} else {
				logs = append(logs, r.scraper.Name()+" ("+slug+"): "+title)
				return done(title, r.scraper.Name())
			}
		}
	}

	r.logger.Debug("No now-playing source answered",
		slog.String("url", target.String()),
		slog.Int("attempts", len(logs)))
	return done("", sourceNone)
}

func (r *Resolver) attempt(ctx context.Context, p probe.Prober, target *url.URL) (string, error) {
	start := time.Now()
	title, err := p.Probe(ctx, target)
	probeDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}
	if title == "" {
		return "", probe.ErrNoTitle
	}
	return title, nil
}

// fromPush answers from the push channel. skipChain is true while the channel is healthy:
// its stations are then never probed.
func (r *Resolver) fromPush(ctx context.Context, streamURL string) (title, outcome string, skipChain bool) {
	station, ok := StationID(streamURL)
	if !ok {
		return "", "no station id in url", false
	}
	r.push.EnsureStarted()
	if track, ok := r.push.Latest(station); ok {
		return track, track, true
	}

	got := make(chan string, 1)
	cancel, ok := r.push.Subscribe(streamURL, func(track string) {
		select {
		case got <- track:
		default:
		}
	})
	if !ok {
		return "", "not subscribed", false
	}
	defer cancel()

	timer := time.NewTimer(r.pushWait)
	defer timer.Stop()
	select {
	case track := <-got:
		return track, track, true
	case <-timer.C:
	case <-ctx.Done():
	}
	if r.push.Healthy() {
		return "", "no track yet", true
	}
	return "", "channel unavailable", false
}
