package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const azuracastTimeout = 6 * time.Second

// AzuraCast queries the AzuraCast public now-playing API on the station's host.
type AzuraCast struct {
	client *Client
}

// NewAzuraCast creates an AzuraCast probe.
func NewAzuraCast(client *Client) *AzuraCast {
	return &AzuraCast{client: client}
}

func (p *AzuraCast) Name() string {
	return "azuracast"
}

// azuracastObject is a loosely typed JSON object; fields of an unexpected type read as empty.
type azuracastObject map[string]any

func (o azuracastObject) object(key string) azuracastObject {
	v, _ := o[key].(map[string]any)
	return v
}

func (o azuracastObject) str(key string) string {
	v, _ := o[key].(string)
	return strings.TrimSpace(v)
}

// Probe tries the station-scoped endpoint first, then the all-stations listing.
func (p *AzuraCast) Probe(ctx context.Context, target *url.URL) (string, error) {
	endpoints := []string{
		"https://" + target.Host + "/api/nowplaying/1",
		"https://" + target.Host + "/api/nowplaying",
	}

	var errs []error
	for _, endpoint := range endpoints {
		body, err := p.client.get(ctx, endpoint, azuracastTimeout, nil)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		title, err := parseAzuraCast(body)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return title, nil
	}
	return "", errors.Join(errs...)
}

// parseAzuraCast accepts a single payload or an array whose first element is used.
func parseAzuraCast(body []byte) (string, error) {
	var payload azuracastObject
	trimmed := json.RawMessage(bytes.TrimSpace(body))
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return "", fmt.Errorf("failed to parse azuracast list: %w", err)
		}
		if len(list) == 0 {
			return "", fmt.Errorf("empty station list: %w", ErrNoTitle)
		}
		trimmed = list[0]
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return "", fmt.Errorf("failed to parse azuracast payload: %w", err)
	}

	song := payload.object("now_playing").object("song")
	if text := song.str("text"); text != "" {
		return text, nil
	}
	if track := buildTrack(song.str("artist"), song.str("title")); track != "" {
		return track, nil
	}
	return "", ErrNoTitle
}
