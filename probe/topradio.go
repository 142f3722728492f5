package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	topRadioTimeout = 8 * time.Second

	// DefaultTopRadioBase hosts the live station pages; /web/ pages are fresher than /playlist/.
	DefaultTopRadioBase = "https://top-radio.ru/web/"

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	russianLanguages = "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7"
)

var (
	playlistSection = regexp.MustCompile(`(?i)Плейлист радиостанции[\s\S]*?Что сейчас играет:([\s\S]*?)Весь плей-лист`)
	trackPair       = regexp.MustCompile(`(?i)class="artist"[^>]*>([^<]+)[\s\S]*?class="song"[^>]*>([^<]+)`)
	looseTrackPair  = regexp.MustCompile(`(?i)class="artist">([^<]+)</span>[\s\S]*?class="song">([^<]+)</span>`)
)

// TopRadio scrapes the top-radio.ru aggregator for stations listed in its SlugMap.
// It is a regional fallback and only runs for mapped hosts.
type TopRadio struct {
	client  *Client
	slugs   *SlugMap
	baseURL string
}

// NewTopRadio creates the scrape probe. An empty baseURL selects DefaultTopRadioBase.
func NewTopRadio(client *Client, slugs *SlugMap, baseURL string) *TopRadio {
	if baseURL == "" {
		baseURL = DefaultTopRadioBase
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &TopRadio{client: client, slugs: slugs, baseURL: baseURL}
}

func (p *TopRadio) Name() string {
	return "topradio"
}

// Match reports the aggregator slug for target, if any.
func (p *TopRadio) Match(target *url.URL) (string, bool) {
	return p.slugs.Lookup(target.Host)
}

func (p *TopRadio) Probe(ctx context.Context, target *url.URL) (string, error) {
	slug, ok := p.Match(target)
	if !ok {
		return "", fmt.Errorf("host %s not mapped: %w", target.Host, ErrNoTitle)
	}

	header := http.Header{}
	header.Set("User-Agent", browserUserAgent)
	header.Set("Accept-Language", russianLanguages)

	body, err := p.client.get(ctx, p.baseURL+url.PathEscape(slug), topRadioTimeout, header)
	if err != nil {
		return "", err
	}
	return scrapeNowPlaying(string(body))
}

// scrapeNowPlaying looks for the first artist/song pair inside the "now playing" section,
// falling back to a looser pattern over the whole page.
func scrapeNowPlaying(page string) (string, error) {
	content := page
	if m := playlistSection.FindStringSubmatch(page); m != nil {
		content = m[1]
	}

	if m := trackPair.FindStringSubmatch(content); m != nil {
		artist, song := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		if artist != "" && song != "" {
			return artist + " - " + song, nil
		}
	}

	if m := looseTrackPair.FindStringSubmatch(page); m != nil {
		artist, song := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		if artist != "" && song != "" {
			return artist + " - " + song, nil
		}
	}
	return "", ErrNoTitle
}
