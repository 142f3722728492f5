package icy_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aposazhennikov/radio-atlas-relay/icy"
)

// buildBlock encodes text as a length byte followed by a zero-padded payload.
func buildBlock(text string) []byte {
	payload := []byte(text)
	if len(payload) > icy.MaxBlockLength {
		payload = payload[:icy.MaxBlockLength]
	}
	blocks := (len(payload) + 15) / 16
	out := []byte{byte(blocks)}
	out = append(out, payload...)
	return append(out, make([]byte, blocks*16-len(payload))...)
}

func buildStream(metaInt int, meta []byte, trailing int) []byte {
	var b bytes.Buffer
	b.Write(bytes.Repeat([]byte{0xFF}, metaInt))
	b.Write(meta)
	b.Write(bytes.Repeat([]byte{0xAA}, trailing))
	return b.Bytes()
}

func TestReadFrameDecodesTitleAcrossIntervals(t *testing.T) {
	for _, metaInt := range []int{1, 16, 1000, 8192, 16000, 32768} {
		for _, padTo := range []int{0, 100, 1000, icy.MaxBlockLength} {
			t.Run(fmt.Sprintf("metaint=%d/pad=%d", metaInt, padTo), func(t *testing.T) {
				text := "StreamTitle='  Artist - Song  ';StreamUrl='';"
				if pad := padTo - len(text); pad > 0 {
					text += strings.Repeat(" ", pad)
				}
				data := buildStream(metaInt, buildBlock(text), 64)

				frame, err := icy.ReadFrame(iotest.OneByteReader(bytes.NewReader(data)), metaInt)
				require.NoError(t, err)
				assert.Equal(t, "Artist - Song", frame.StreamTitle)
				assert.True(t, frame.HasTitle())
			})
		}
	}
}

func TestReadFrameLargestBlock(t *testing.T) {
	text := "StreamTitle='X';" + strings.Repeat("a", icy.MaxBlockLength-len("StreamTitle='X';"))
	block := buildBlock(text)
	require.Equal(t, byte(255), block[0])

	frame, err := icy.ReadFrame(bytes.NewReader(buildStream(4096, block, 0)), 4096)
	require.NoError(t, err)
	assert.Equal(t, "X", frame.StreamTitle)
	assert.Len(t, frame.Raw, icy.MaxBlockLength)
}

func TestReadFrameEmptyBlockStopsPass(t *testing.T) {
	data := buildStream(100, []byte{0x00}, 0)
	data = append(data, bytes.Repeat([]byte{0x01}, 100)...)
	data = append(data, buildBlock("StreamTitle='Later';")...)

	frame, err := icy.ReadFrame(bytes.NewReader(data), 100)
	require.NoError(t, err)
	assert.False(t, frame.HasTitle())
	assert.Empty(t, frame.Raw)
}

func TestReadFrameWithoutStreamTitle(t *testing.T) {
	data := buildStream(32, buildBlock("StreamUrl='http://example.com';"), 0)

	frame, err := icy.ReadFrame(bytes.NewReader(data), 32)
	require.NoError(t, err)
	assert.False(t, frame.HasTitle())
	assert.Contains(t, frame.Text, "StreamUrl")
}

func TestReadFrameTruncatedStream(t *testing.T) {
	data := buildStream(64, buildBlock("StreamTitle='Cut';"), 0)
	data = data[:len(data)-5]

	_, err := icy.ReadFrame(bytes.NewReader(data), 64)
	assert.ErrorIs(t, err, icy.ErrTruncated)
}

func TestReadFrameReadError(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := icy.ReadFrame(iotest.ErrReader(boom), 64)
	assert.ErrorIs(t, err, boom)
}

func TestReadFrameRejectsNonPositiveInterval(t *testing.T) {
	_, err := icy.ReadFrame(strings.NewReader("x"), 0)
	assert.ErrorIs(t, err, icy.ErrNoMetaInt)
}

func TestParseStreamTitle(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		want  string
		found bool
	}{
		{"quoted", "StreamTitle='A - B';StreamUrl='';", "A - B", true},
		{"apostrophe inside", "StreamTitle='Guns N' Roses - Patience';StreamUrl='';", "Guns N' Roses - Patience", true},
		{"quoted without semicolon", "StreamTitle='Solo'", "Solo", true},
		{"unquoted", "StreamTitle=Plain Title;StreamUrl=x;", "Plain Title", true},
		{"trimmed", "StreamTitle='   Spaced   ';", "Spaced", true},
		{"empty quoted", "StreamTitle='';", "", false},
		{"absent", "StreamUrl='x';", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := icy.ParseStreamTitle(tt.text)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMetaInt(t *testing.T) {
	n, err := icy.ParseMetaInt(" 16000 ")
	require.NoError(t, err)
	assert.Equal(t, 16000, n)

	for _, bad := range []string{"", "abc", "0", "-5"} {
		_, err := icy.ParseMetaInt(bad)
		assert.ErrorIs(t, err, icy.ErrNoMetaInt, bad)
	}
}

func TestReaderStripsEveryBlock(t *testing.T) {
	const metaInt = 10
	var src bytes.Buffer
	audio := []byte("0123456789")
	src.Write(audio)
	src.Write(buildBlock("StreamTitle='First';"))
	src.Write(audio)
	src.WriteByte(0x00)
	src.Write(audio)
	src.Write(buildBlock("StreamTitle='Second';"))
	src.Write(audio[:4])

	var titles []string
	r := icy.NewReader(&src, metaInt, func(f icy.Frame) {
		titles = append(titles, f.StreamTitle)
	})

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("0123456789", 3)+"0123", string(out))
	assert.Equal(t, []string{"First", "", "Second"}, titles)
}
