// Package playlist rewrites HLS playlists so that every referenced URI is fetched back
// through the relay's /stream endpoint.
package playlist

import (
	"net/url"
	"path"
	"strings"
)

// ContentType is the HLS playlist media type.
const ContentType = "application/vnd.apple.mpegurl"

const streamPath = "/stream"

// IsPlaylist reports whether a response with contentType fetched from urlPath is an HLS playlist.
func IsPlaylist(contentType, urlPath string) bool {
	if strings.Contains(strings.ToLower(contentType), ContentType) {
		return true
	}
	return strings.EqualFold(path.Ext(urlPath), ".m3u8")
}

// Wrap returns the relay URL that proxies target.
func Wrap(relayBase, target string) string {
	return strings.TrimRight(relayBase, "/") + streamPath + "?url=" + url.QueryEscape(target)
}

// Unwrap returns the upstream URL carried by a line produced by Wrap for relayBase.
func Unwrap(line, relayBase string) (string, bool) {
	prefix := strings.TrimRight(relayBase, "/") + streamPath + "?"
	if !strings.HasPrefix(line, prefix) {
		return "", false
	}
	query, err := url.ParseQuery(strings.TrimPrefix(line, prefix))
	if err != nil {
		return "", false
	}
	inner := query.Get("url")
	if inner == "" {
		return "", false
	}
	return inner, true
}

// Rewrite replaces every URI line of body with a relay URL. Relative URIs are resolved
// against source first. Comment and blank lines are kept verbatim. Lines that already point
// at the relay are unwrapped before being wrapped again, so Rewrite is idempotent.
func Rewrite(body string, source *url.URL, relayBase string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if inner, ok := Unwrap(trimmed, relayBase); ok {
			trimmed = inner
		}
		lines[i] = Wrap(relayBase, absolute(trimmed, source))
	}
	return strings.Join(lines, "\n")
}

func absolute(ref string, base *url.URL) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if base == nil {
		return u.String()
	}
	return base.ResolveReference(u).String()
}
