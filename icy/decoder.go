// Package icy decodes the in-band ICY metadata protocol used by Shoutcast and Icecast servers.
// A stream that honours "Icy-MetaData: 1" interleaves a length-prefixed metadata block after
// every metaint bytes of audio.
package icy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MaxBlockLength is the largest metadata block a single length byte can announce.
	MaxBlockLength = 255 * 16

	// overflowAllowance bounds how far past metaint the decoder reads before giving up.
	overflowAllowance = 16384

	readChunkSize = 8192
)

var (
	// ErrNoMetaInt is returned when the upstream did not announce a usable icy-metaint.
	ErrNoMetaInt = errors.New("icy-metaint header missing or invalid")
	// ErrOverflow is returned when the buffer cap is reached before a block completes.
	ErrOverflow = errors.New("icy metadata block not found within read limit")
	// ErrTruncated is returned when the stream ends before a block completes.
	ErrTruncated = errors.New("stream ended before metadata block")
)

var (
	quotedTitle   = regexp.MustCompile(`StreamTitle='(.*?)';`)
	openTitle     = regexp.MustCompile(`StreamTitle='([^']*)'`)
	unquotedTitle = regexp.MustCompile(`StreamTitle=([^;]*)`)
)

// Frame is one decoded metadata block.
type Frame struct {
	Raw         []byte
	Text        string
	StreamTitle string
}

// HasTitle reports whether the block carried a non-empty StreamTitle.
func (f *Frame) HasTitle() bool {
	return f != nil && f.StreamTitle != ""
}

// ParseMetaInt parses the icy-metaint response header.
func ParseMetaInt(header string) (int, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, ErrNoMetaInt
	}
	n, err := strconv.Atoi(header)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoMetaInt, header)
	}
	return n, nil
}

// ParseStreamTitle extracts the StreamTitle value from a metadata block's text.
func ParseStreamTitle(text string) (string, bool) {
	for _, re := range []*regexp.Regexp{quotedTitle, openTitle, unquotedTitle} {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		title := strings.TrimSpace(m[1])
		if title == "" || title == "''" {
			continue
		}
		return title, true
	}
	return "", false
}

// ReadFrame consumes r until the first metadata block after metaInt audio bytes is complete.
// An empty block (length byte 0) yields a Frame without a title and a nil error.
// Invalid UTF-8 is replaced; Client decodes through a fallback charset instead.
func ReadFrame(r io.Reader, metaInt int) (*Frame, error) {
	return readFrame(r, metaInt, decodeUTF8)
}

func readFrame(r io.Reader, metaInt int, decode func([]byte) string) (*Frame, error) {
	if metaInt <= 0 {
		return nil, ErrNoMetaInt
	}

	limit := metaInt + overflowAllowance
	buf := make([]byte, 0, metaInt+1+readChunkSize)
	chunk := make([]byte, readChunkSize)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)

			if len(buf) >= metaInt+1 {
				blockLen := int(buf[metaInt]) * 16
				if blockLen == 0 {
					return &Frame{}, nil
				}
				end := metaInt + 1 + blockLen
				if len(buf) >= end {
					return newFrame(buf[metaInt+1:end], decode), nil
				}
			}

			if len(buf) > limit {
				return nil, ErrOverflow
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrTruncated
			}
			return nil, fmt.Errorf("failed to read stream: %w", err)
		}
	}
}

func newFrame(block []byte, decode func([]byte) string) *Frame {
	raw := make([]byte, len(block))
	copy(raw, block)

	text := decode(bytes.TrimRight(raw, "\x00"))
	title, _ := ParseStreamTitle(text)
	return &Frame{Raw: raw, Text: text, StreamTitle: title}
}

func decodeUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
