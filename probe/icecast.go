package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const icecastTimeout = 4 * time.Second

// Icecast reads the Icecast 2 status document at {origin}/status-json.xsl.
type Icecast struct {
	client *Client
}

// NewIcecast creates an Icecast probe.
func NewIcecast(client *Client) *Icecast {
	return &Icecast{client: client}
}

func (p *Icecast) Name() string {
	return "icecast"
}

type icecastStatus struct {
	Icestats struct {
		Source json.RawMessage `json:"source"`
	} `json:"icestats"`
}

// icecastSource keeps the mount as loose JSON; servers disagree on field types.
type icecastSource map[string]any

func (s icecastSource) str(key string) string {
	v, _ := s[key].(string)
	return strings.TrimSpace(v)
}

// Probe matches the mount whose listenurl fits target's path, else the first mount.
func (p *Icecast) Probe(ctx context.Context, target *url.URL) (string, error) {
	body, err := p.client.get(ctx, origin(target)+"/status-json.xsl", icecastTimeout, nil)
	if err != nil {
		return "", err
	}

	sources, err := parseIcecastSources(body)
	if err != nil {
		return "", err
	}
	if len(sources) == 0 {
		return "", fmt.Errorf("no sources: %w", ErrNoTitle)
	}

	best := sources[0]
	if path := target.Path; path != "" && path != "/" {
		for _, s := range sources {
			listen := s.str("listenurl")
			if strings.HasSuffix(listen, path) || strings.Contains(listen, path) {
				best = s
				break
			}
		}
	}

	artist, title := best.str("artist"), best.str("title")
	if artist != "" && title != "" {
		return buildTrack(artist, title), nil
	}
	if title != "" {
		return title, nil
	}
	return "", ErrNoTitle
}

// parseIcecastSources accepts icestats.source as a single object or an array of them.
// Entries that do not decode as objects are skipped.
func parseIcecastSources(body []byte) ([]icecastSource, error) {
	var status icecastStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse icecast status: %w", err)
	}
	raw := status.Icestats.Source
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var items []json.RawMessage
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("failed to parse icecast sources: %w", err)
		}
	} else {
		items = []json.RawMessage{raw}
	}

	sources := make([]icecastSource, 0, len(items))
	for _, item := range items {
		var s icecastSource
		if err := json.Unmarshal(item, &s); err != nil {
			continue
		}
		sources = append(sources, s)
	}
	return sources, nil
}
