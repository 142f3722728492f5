package relay

import (
	"errors"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// DefaultDenyHosts are video-hosting domains excluded from proxying.
var DefaultDenyHosts = []string{
	"youtube.com",
	"youtu.be",
	"music.youtube.com",
	"youtube-nocookie.com",
}

var (
	ErrMissingURL      = errors.New("url is required")
	ErrInvalidURL      = errors.New("invalid url")
	ErrInvalidProtocol = errors.New("invalid protocol")
	ErrDeniedHost      = errors.New("blocked host")
)

// ParseTarget validates a client-supplied absolute http(s) URL.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil, ErrInvalidURL
	}
	// an absolute URL with a foreign scheme is a protocol error even without a host
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, ErrInvalidProtocol
	}
	if u.Host == "" {
		return nil, ErrInvalidURL
	}
	u.Scheme = scheme
	return u, nil
}

// Policy decides which hosts may not be proxied.
type Policy struct {
	deny []string
}

// NewPolicy builds a Policy from host names. Entries are normalized to lower-case ASCII.
func NewPolicy(deny []string) *Policy {
	p := &Policy{}
	for _, host := range deny {
		if h := normalizeHost(host); h != "" {
			p.deny = append(p.deny, h)
		}
	}
	return p
}

// Denied reports whether u's host contains any deny-listed domain, independent of scheme,
// port and path.
func (p *Policy) Denied(u *url.URL) bool {
	if p == nil || u == nil {
		return false
	}
	host := normalizeHost(u.Hostname())
	if host == "" {
		return false
	}
	for _, d := range p.deny {
		if strings.Contains(host, d) {
			return true
		}
	}
	return false
}

// Check combines ParseTarget with the deny-list.
func (p *Policy) Check(raw string) (*url.URL, error) {
	u, err := ParseTarget(raw)
	if err != nil {
		return nil, err
	}
	if p.Denied(u) {
		return nil, ErrDeniedHost
	}
	return u, nil
}

func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return ""
	}
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}
