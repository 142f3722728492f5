// Package probe queries third-party "now playing" status endpoints.
// Every probe answers with a title or an error; an error only means "no title from here".
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// UserAgent identifies outbound requests.
	UserAgent = "RadioAtlas/1.0"

	maxBodySize = 1 << 20

	hostRate  = 2
	hostBurst = 4
)

// ErrNoTitle is returned when an endpoint answered but carried no usable title.
var ErrNoTitle = errors.New("no title")

// Prober resolves a title for the station whose stream is at target.
type Prober interface {
	Name() string
	Probe(ctx context.Context, target *url.URL) (string, error)
}

// Client is the HTTP plumbing shared by all probes: user agent, per-request timeout,
// status check, body cap and per-host request pacing.
type Client struct {
	httpClient *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a probe Client. A nil httpClient selects a default one.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		httpClient: httpClient,
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(hostRate), hostBurst)
		c.limiters[host] = l
	}
	return l
}

// get fetches rawURL and returns the body of a 2xx response.
func (c *Client) get(ctx context.Context, rawURL string, timeout time.Duration, header http.Header) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	for key, values := range header {
		req.Header[key] = values
	}

	if waitErr := c.limiter(strings.ToLower(req.URL.Host)).Wait(ctx); waitErr != nil {
		return nil, fmt.Errorf("rate limited: %w", waitErr)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return body, nil
}

// origin returns scheme://host of target.
func origin(target *url.URL) string {
	return target.Scheme + "://" + target.Host
}

// buildTrack joins the non-empty parts as "artist - title".
func buildTrack(artist, title string) string {
	artist = strings.TrimSpace(artist)
	title = strings.TrimSpace(title)
	switch {
	case artist != "" && title != "":
		return artist + " - " + title
	case artist != "":
		return artist
	default:
		return title
	}
}

// BuildTrack is buildTrack for other packages that receive split artist/title fields.
func BuildTrack(artist, title string) string {
	return buildTrack(artist, title)
}
