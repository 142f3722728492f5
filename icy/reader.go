package icy

import (
	"fmt"
	"io"
)

// Reader strips metadata blocks from an ICY stream and yields only audio bytes.
// Every block, including empty ones, is reported to the callback in stream order.
type Reader struct {
	src      io.Reader
	metaInt  int
	onFrame  func(Frame)
	decode   func([]byte) string
	audioRem int
}

// NewReader wraps src. onFrame may be nil.
func NewReader(src io.Reader, metaInt int, onFrame func(Frame)) *Reader {
	return &Reader{
		src:      src,
		metaInt:  metaInt,
		onFrame:  onFrame,
		decode:   decodeUTF8,
		audioRem: metaInt,
	}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.audioRem == 0 {
		if err := r.consumeBlock(); err != nil {
			return 0, err
		}
		r.audioRem = r.metaInt
	}

	if len(p) > r.audioRem {
		p = p[:r.audioRem]
	}
	n, err := r.src.Read(p)
	r.audioRem -= n
	return n, err
}

func (r *Reader) consumeBlock() error {
	var lenByte [1]byte
	if _, err := io.ReadFull(r.src, lenByte[:]); err != nil {
		return err
	}
	blockLen := int(lenByte[0]) * 16
	if blockLen == 0 {
		r.emit(Frame{})
		return nil
	}

	block := make([]byte, blockLen)
	if _, err := io.ReadFull(r.src, block); err != nil {
		if err == io.ErrUnexpectedEOF {
			return fmt.Errorf("metadata block truncated: %w", ErrTruncated)
		}
		return err
	}
	r.emit(*newFrame(block, r.decode))
	return nil
}

func (r *Reader) emit(f Frame) {
	if r.onFrame != nil {
		r.onFrame(f)
	}
}
