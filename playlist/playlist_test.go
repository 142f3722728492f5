package playlist_test

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aposazhennikov/radio-atlas-relay/playlist"
)

const relayBase = "https://relay.example"

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestRewriteResolvesRelativeSegments(t *testing.T) {
	source := mustParse(t, "https://a.example/live/index.m3u8")
	body := "#EXTM3U\n#EXT-X-TARGETDURATION:6\n\n#EXTINF:6.0,\nseg1.ts\n#EXTINF:6.0,\n../other/seg2.ts\n/abs/seg3.ts\nhttp://cdn.example/seg4.ts?token=a&b=c\n"

	got := playlist.Rewrite(body, source, relayBase)

	want := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-TARGETDURATION:6",
		"",
		"#EXTINF:6.0,",
		"https://relay.example/stream?url=https%3A%2F%2Fa.example%2Flive%2Fseg1.ts",
		"#EXTINF:6.0,",
		"https://relay.example/stream?url=https%3A%2F%2Fa.example%2Fother%2Fseg2.ts",
		"https://relay.example/stream?url=https%3A%2F%2Fa.example%2Fabs%2Fseg3.ts",
		"https://relay.example/stream?url=http%3A%2F%2Fcdn.example%2Fseg4.ts%3Ftoken%3Da%26b%3Dc",
		"",
	}, "\n")
	assert.Equal(t, want, got)
}

func TestRewriteIsIdempotent(t *testing.T) {
	source := mustParse(t, "https://a.example/live/index.m3u8")
	playlists := []string{
		"#EXTM3U\n#EXTINF:10,\nseg1.ts\n#EXTINF:10,\nseg2.ts",
		"#EXTM3U\r\n#EXT-X-STREAM-INF:BANDWIDTH=128000\r\nlow/index.m3u8\r\n#EXT-X-STREAM-INF:BANDWIDTH=256000\r\nhttps://b.example/hi.m3u8\r\n",
		"",
		"# only comments\n\n#EXT-X-ENDLIST",
		"seg with space.aac",
	}
	for _, p := range playlists {
		once := playlist.Rewrite(p, source, relayBase)
		twice := playlist.Rewrite(once, source, relayBase)
		assert.Equal(t, once, twice)
	}
}

func TestRewriteKeepsCommentsAndBlankLines(t *testing.T) {
	body := "#EXTM3U\n   \n# a comment with http://x.example/seg.ts\n"
	got := playlist.Rewrite(body, mustParse(t, "https://a.example/x.m3u8"), relayBase)
	assert.Equal(t, body, got)
}

func TestRewriteTrailingSlashOnRelayBase(t *testing.T) {
	got := playlist.Rewrite("seg.ts", mustParse(t, "https://a.example/x.m3u8"), relayBase+"/")
	assert.Equal(t, "https://relay.example/stream?url=https%3A%2F%2Fa.example%2Fseg.ts", got)
}

func TestUnwrap(t *testing.T) {
	inner, ok := playlist.Unwrap(playlist.Wrap(relayBase, "https://a.example/s.ts?x=1"), relayBase)
	require.True(t, ok)
	assert.Equal(t, "https://a.example/s.ts?x=1", inner)

	_, ok = playlist.Unwrap("https://other.example/stream?url=abc", relayBase)
	assert.False(t, ok)

	_, ok = playlist.Unwrap(relayBase+"/stream?foo=bar", relayBase)
	assert.False(t, ok)
}

func TestIsPlaylist(t *testing.T) {
	assert.True(t, playlist.IsPlaylist("application/vnd.apple.mpegurl", "/live"))
	assert.True(t, playlist.IsPlaylist("Application/VND.Apple.MpegURL; charset=utf-8", "/live"))
	assert.True(t, playlist.IsPlaylist("", "/live/INDEX.M3U8"))
	assert.False(t, playlist.IsPlaylist("audio/mpeg", "/live.mp3"))
	assert.False(t, playlist.IsPlaylist("", "/m3u8/stream"))
}
