package icy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

const (
	// DefaultTimeout bounds one direct decode attempt, connection included.
	DefaultTimeout = 10 * time.Second

	defaultUserAgent = "RadioAtlas/1.0"
)

// Client opens streams with ICY metadata enabled and decodes their first metadata block.
type Client struct {
	httpClient *http.Client
	userAgent  string
	timeout    time.Duration
	fallback   encoding.Encoding
	logger     *slog.Logger
}

// ClientConfig configures a Client. Zero values select defaults.
type ClientConfig struct {
	HTTPClient *http.Client
	UserAgent  string
	Timeout    time.Duration
	// FallbackCharset is an encoding name (e.g. "windows-1251", "iso-8859-1") used when a
	// metadata block is not valid UTF-8. Empty keeps replacement-character decoding.
	FallbackCharset string
}

// Stream is an open upstream connection that requested ICY metadata.
type Stream struct {
	Response *http.Response
	// MetaInt is zero when the upstream does not interleave metadata.
	MetaInt int
}

// Close releases the upstream connection.
func (s *Stream) Close() error {
	return s.Response.Body.Close()
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: cfg.HTTPClient,
		userAgent:  cfg.UserAgent,
		timeout:    cfg.Timeout,
		logger:     logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if cfg.FallbackCharset != "" {
		enc, err := htmlindex.Get(cfg.FallbackCharset)
		if err != nil {
			return nil, fmt.Errorf("unknown icy fallback charset %q: %w", cfg.FallbackCharset, err)
		}
		c.fallback = enc
	}
	return c, nil
}

// Name identifies the decoder in resolver logs.
func (c *Client) Name() string {
	return "icy"
}

// Open connects to streamURL asking for interleaved metadata. The caller closes the Stream.
func (c *Client) Open(ctx context.Context, streamURL string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Icy-MetaData", "1")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	stream := &Stream{Response: resp}
	if metaInt, parseErr := ParseMetaInt(resp.Header.Get("Icy-Metaint")); parseErr == nil {
		stream.MetaInt = metaInt
	}
	return stream, nil
}

// Probe decodes one metadata block from the stream at target. A missing metaint, an empty
// block, an overflow or a block without StreamTitle all produce an error and no title.
func (c *Client) Probe(ctx context.Context, target *url.URL) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.Open(ctx, target.String())
	if err != nil {
		return "", err
	}
	defer stream.Close()

	c.logger.Debug("ICY stream opened",
		slog.String("url", target.String()),
		slog.Int("status", stream.Response.StatusCode),
		slog.Int("metaint", stream.MetaInt))

	if stream.MetaInt == 0 {
		return "", ErrNoMetaInt
	}

	frame, err := readFrame(stream.Response.Body, stream.MetaInt, c.decodeText)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("timed out after %s", c.timeout)
		}
		return "", err
	}
	if len(frame.Raw) == 0 {
		return "", errors.New("empty metadata block")
	}
	if !frame.HasTitle() {
		return "", fmt.Errorf("StreamTitle not found in %q", truncate(frame.Text, 120))
	}
	return frame.StreamTitle, nil
}

// NewReader wraps the stream body in a metadata-stripping Reader that shares the client's
// charset handling. It returns the raw body when the upstream does not interleave metadata.
func (c *Client) NewReader(s *Stream, onFrame func(Frame)) io.Reader {
	if s.MetaInt == 0 {
		return s.Response.Body
	}
	r := NewReader(s.Response.Body, s.MetaInt, onFrame)
	r.decode = c.decodeText
	return r
}

func (c *Client) decodeText(b []byte) string {
	if utf8.Valid(b) || c.fallback == nil {
		return decodeUTF8(b)
	}
	out, err := c.fallback.NewDecoder().Bytes(b)
	if err != nil {
		return decodeUTF8(b)
	}
	return string(out)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
