package probe

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	shoutcastTimeout = 4 * time.Second

	shoutcastTitleField = 6
)

// Shoutcast reads the legacy Shoutcast v1 /7.html status line:
// currentlisteners,status,peak,max,unique,bitrate,songtitle.
type Shoutcast struct {
	client *Client
}

// NewShoutcast creates a Shoutcast probe.
func NewShoutcast(client *Client) *Shoutcast {
	return &Shoutcast{client: client}
}

func (p *Shoutcast) Name() string {
	return "shoutcast"
}

func (p *Shoutcast) Probe(ctx context.Context, target *url.URL) (string, error) {
	body, err := p.client.get(ctx, origin(target)+"/7.html", shoutcastTimeout, nil)
	if err != nil {
		return "", err
	}

	record, err := bodyText(body)
	if err != nil {
		return "", err
	}

	fields := strings.Split(record, ",")
	if len(fields) <= shoutcastTitleField {
		return "", fmt.Errorf("expected %d fields, got %d: %w", shoutcastTitleField+1, len(fields), ErrNoTitle)
	}
	// A title may itself contain commas.
	title := strings.TrimSpace(strings.Join(fields[shoutcastTitleField:], ","))
	if title == "" {
		return "", ErrNoTitle
	}
	return title, nil
}

// bodyText returns the text content of the document body. Bare text without markup
// is placed in an implied body by the parser.
func bodyText(doc []byte) (string, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("failed to parse status page: %w", err)
	}

	body := findElement(root, "body")
	if body == nil {
		return "", fmt.Errorf("no body: %w", ErrNoTitle)
	}

	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(body)
	return strings.TrimSpace(sb.String()), nil
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}
