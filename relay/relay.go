// Package relay proxies live audio and HLS streams from arbitrary upstream origins.
// It validates targets, tries protocol candidates in order, rewrites playlists so segments come
// back through the relay, and passes byte streams through a jitter buffer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aposazhennikov/radio-atlas-relay/logger"
	"github.com/aposazhennikov/radio-atlas-relay/playlist"
	"github.com/aposazhennikov/radio-atlas-relay/probe"
)

const (
	relayChunkSize  = 32 * 1024
	maxPlaylistSize = 8 << 20
)

// UpstreamError reports that no candidate produced a usable response.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return "upstream unavailable"
	}
	return e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Config configures a Manager.
type Config struct {
	HTTPClient *http.Client
	UserAgent  string
	BufferSize int
	// PublicURL overrides the relay base derived from incoming requests.
	PublicURL string
}

// Manager handles the relay streaming functionality.
type Manager struct {
	client     *http.Client
	userAgent  string
	bufferSize int
	publicURL  string
	logger     *slog.Logger
}

// NewManager creates a new relay Manager.
func NewManager(cfg Config, l *slog.Logger) *Manager {
	if l == nil {
		l = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = probe.UserAgent
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Manager{
		client:     cfg.HTTPClient,
		userAgent:  cfg.UserAgent,
		bufferSize: cfg.BufferSize,
		publicURL:  strings.TrimRight(cfg.PublicURL, "/"),
		logger:     l,
	}
}

// Candidates returns the upstream URLs to try for target, in order. Plain http targets are
// tried over https first.
func Candidates(target *url.URL) []string {
	original := target.String()
	if target.Scheme != "http" {
		return []string{original}
	}
	upgraded := *target
	upgraded.Scheme = "https"
	return []string{upgraded.String(), original}
}

// BaseURL returns the externally visible relay origin for r.
func (rm *Manager) BaseURL(r *http.Request) string {
	if rm.publicURL != "" {
		return rm.publicURL
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		proto = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host := r.Host
	if forwarded := r.Header.Get("X-Forwarded-Host"); forwarded != "" {
		host = strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	return proto + "://" + host
}

// Serve relays target to w and returns the number of body bytes sent. A *UpstreamError is
// returned, with nothing written, when every candidate fails.
func (rm *Manager) Serve(w http.ResponseWriter, r *http.Request, target *url.URL) (int64, error) {
	var lastErr error
	for _, candidate := range Candidates(target) {
		resp, cancel, err := rm.fetch(r, candidate)
		if err != nil {
			lastErr = err
			candidateFailures.WithLabelValues(schemeOf(candidate)).Inc()
			logger.LogUpstreamEvent(rm.logger, slog.LevelWarn, "Relay candidate failed", candidate,
				slog.String("error", err.Error()))
			continue
		}

		var sent int64
		if playlist.IsPlaylist(resp.Header.Get("Content-Type"), resp.Request.URL.Path) {
			sent, err = rm.servePlaylist(w, r, resp)
		} else {
			sent, err = rm.streamFromSourceToClient(w, resp, cancel)
		}
		resp.Body.Close()
		cancel()
		bytesSent.Add(float64(sent))
		return sent, err
	}
	return 0, &UpstreamError{Err: lastErr}
}

// fetch opens one candidate and accepts only 2xx responses. The returned cancel func
// releases the upstream request.
func (rm *Manager) fetch(r *http.Request, candidate string) (*http.Response, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(r.Context())
	req, err := rm.createSourceRequest(ctx, r, candidate)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	resp, err := rm.client.Do(req)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to fetch from source: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	return resp, cancel, nil
}

// createSourceRequest builds the upstream request, forwarding Range verbatim.
func (rm *Manager) createSourceRequest(ctx context.Context, r *http.Request, sourceURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", rm.userAgent)
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}
	return req, nil
}

// servePlaylist rewrites an HLS playlist against the URL it was finally served from.
func (rm *Manager) servePlaylist(w http.ResponseWriter, r *http.Request, resp *http.Response) (int64, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		return 0, fmt.Errorf("failed to read playlist: %w", err)
	}
	rewritten := playlist.Rewrite(string(body), resp.Request.URL, rm.BaseURL(r))

	w.Header().Set("Content-Type", playlist.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(resp.StatusCode)
	n, err := io.WriteString(w, rewritten)
	if err != nil && !isConnectionClosedError(err) {
		return int64(n), fmt.Errorf("failed to write playlist: %w", err)
	}
	return int64(n), nil
}

// copyResponseHeaders propagates the headers a ranged media response needs.
func copyResponseHeaders(w http.ResponseWriter, resp *http.Response) {
	for _, key := range []string{"Content-Length", "Content-Range", "Accept-Ranges"} {
		if value := resp.Header.Get(key); value != "" {
			w.Header().Set(key, value)
		}
	}
	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Cache-Control", "no-store")
}

// streamFromSourceToClient pumps the upstream body into a jitter buffer on one goroutine and
// drains it to the client on the calling one. cancel aborts the upstream read on return.
func (rm *Manager) streamFromSourceToClient(w http.ResponseWriter, resp *http.Response, cancel context.CancelFunc) (int64, error) {
	copyResponseHeaders(w, resp)
	if resp.Body == nil || resp.Body == http.NoBody || resp.StatusCode == http.StatusNoContent {
		w.WriteHeader(resp.StatusCode)
		return 0, nil
	}
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buffer := NewBuffer(rm.bufferSize)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, copyErr := io.Copy(buffer, resp.Body)
		buffer.CloseWithError(copyErr)
	}()
	defer wg.Wait()
	defer cancel()
	defer buffer.Close()

	var sent int64
	chunk := make([]byte, relayChunkSize)
	for {
		n, readErr := buffer.Read(chunk)
		if n > 0 {
			written, writeErr := w.Write(chunk[:n])
			sent += int64(written)
			if writeErr != nil {
				if !isConnectionClosedError(writeErr) {
					rm.logger.Error("Error writing to client", slog.String("error", writeErr.Error()))
				}
				return sent, nil // Client disconnected.
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, context.Canceled) {
				return sent, nil
			}
			return sent, fmt.Errorf("error reading from source: %w", readErr)
		}
	}
}

func schemeOf(raw string) string {
	if i := strings.Index(raw, "://"); i > 0 {
		return raw[:i]
	}
	return "unknown"
}

// isConnectionClosedError checks if error is result of client closing connection.
func isConnectionClosedError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "connection reset by peer") ||
		strings.Contains(errMsg, "use of closed network connection")
}
