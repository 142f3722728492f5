// Package inspect samples a live stream and reports what it carries.
package inspect

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/faiface/beep"
	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/aposazhennikov/radio-atlas-relay/icy"
)

const (
	DefaultDeadline = 15 * time.Second
	DefaultSample   = 2 * time.Second
	MaxTitles       = 5

	// SilenceThresholdDB marks a sampled window as silent.
	SilenceThresholdDB = -60.0

	floorDB         = -120.0
	pcmChannels     = 2
	pcmFrameBytes   = 4
	pcmScale        = 32768.0
	nonMP3ReadLimit = 256 * 1024
	sampleChunk     = 4096
)

// AudioStats describes the decoded audio window of an MP3 stream.
type AudioStats struct {
	SampleRate int     `json:"sampleRate"`
	Channels   int     `json:"channels"`
	Samples    int     `json:"samples"`
	PeakDBFS   float64 `json:"peakDbfs"`
	Silent     bool    `json:"silent"`
}

// Report is the result of one inspection.
type Report struct {
	URL         string            `json:"url"`
	Status      int               `json:"status"`
	ContentType string            `json:"contentType"`
	MetaInt     int               `json:"metaint"`
	ICYHeaders  map[string]string `json:"icyHeaders"`
	Titles      []string          `json:"titles"`
	Audio       *AudioStats       `json:"audio,omitempty"`
	AudioError  string            `json:"audioError,omitempty"`
	ElapsedMS   int64             `json:"elapsedMs"`
}

// Inspector opens streams through an icy.Client.
type Inspector struct {
	client   *icy.Client
	deadline time.Duration
	sample   time.Duration
	logger   *slog.Logger
}

// New creates an Inspector. Zero durations select the defaults.
func New(client *icy.Client, deadline, sample time.Duration, logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	if sample <= 0 {
		sample = DefaultSample
	}
	return &Inspector{client: client, deadline: deadline, sample: sample, logger: logger}
}

// Inspect connects to streamURL and reports status, headers, up to MaxTitles metadata titles and,
// for MP3 streams, the level of the first sampled window.
// Connection failures are returned as errors; failures while sampling are recorded in the Report.
func (in *Inspector) Inspect(ctx context.Context, streamURL string) (*Report, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, in.deadline)
	defer cancel()

	stream, err := in.client.Open(ctx, streamURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()

	resp := stream.Response
	report := &Report{
		URL:         streamURL,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		MetaInt:     stream.MetaInt,
		ICYHeaders:  make(map[string]string),
		Titles:      []string{},
	}
	for name, values := range resp.Header {
		if lower := strings.ToLower(name); strings.HasPrefix(lower, "icy-") && len(values) > 0 {
			report.ICYHeaders[lower] = values[0]
		}
	}

	audio := in.client.NewReader(stream, func(f icy.Frame) {
		if f.HasTitle() && len(report.Titles) < MaxTitles {
			report.Titles = append(report.Titles, f.StreamTitle)
		}
	})

	if isMP3(report.ContentType) {
		stats, err := in.analyse(audio)
		if err != nil {
			report.AudioError = err.Error()
		} else {
			report.Audio = stats
		}
	} else if stream.MetaInt > 0 {
		readUntilTitles(audio, report, int64(stream.MetaInt)*(2*MaxTitles+1))
	}

	report.ElapsedMS = time.Since(started).Milliseconds()
	in.logger.Debug("Stream inspected",
		slog.String("url", streamURL),
		slog.String("content_type", report.ContentType),
		slog.Int("titles", len(report.Titles)))
	return report, nil
}

func isMP3(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "audio/mpeg") || strings.Contains(ct, "audio/mp3")
}

func readUntilTitles(r io.Reader, report *Report, budget int64) {
	if budget > nonMP3ReadLimit {
		budget = nonMP3ReadLimit
	}
	buf := make([]byte, sampleChunk)
	var read int64
	for read < budget && len(report.Titles) < MaxTitles {
		n, err := r.Read(buf)
		read += int64(n)
		if err != nil {
			return
		}
	}
}

// analyse decodes one window of audio and measures its peak.
func (in *Inspector) analyse(r io.Reader) (*AudioStats, error) {
	decoder, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mp3: %w", err)
	}

	rate := beep.SampleRate(decoder.SampleRate())
	streamer := &pcmStreamer{src: decoder}
	peak, got := measurePeak(streamer, rate.N(in.sample))
	if got == 0 {
		if err := streamer.Err(); err != nil {
			return nil, fmt.Errorf("failed to decode mp3: %w", err)
		}
		return nil, errors.New("no audio decoded")
	}

	db := PeakDBFS(peak)
	return &AudioStats{
		SampleRate: int(rate),
		Channels:   pcmChannels,
		Samples:    got,
		PeakDBFS:   db,
		Silent:     db < SilenceThresholdDB,
	}, nil
}

// pcmStreamer adapts the decoder's 16-bit little-endian stereo PCM to beep.Streamer.
type pcmStreamer struct {
	src     io.Reader
	buf     []byte
	err     error
	drained bool
}

func (s *pcmStreamer) Stream(samples [][2]float64) (int, bool) {
	if s.drained {
		return 0, false
	}
	need := len(samples) * pcmFrameBytes
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	n, err := io.ReadFull(s.src, s.buf[:need])
	frames := n / pcmFrameBytes
	for i := 0; i < frames; i++ {
		frame := s.buf[i*pcmFrameBytes:]
		left := int16(binary.LittleEndian.Uint16(frame[0:2]))
		right := int16(binary.LittleEndian.Uint16(frame[2:4]))
		samples[i] = [2]float64{float64(left) / pcmScale, float64(right) / pcmScale}
	}
	if err != nil {
		s.drained = true
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.err = err
		}
		if frames == 0 {
			return 0, false
		}
	}
	return frames, true
}

func (s *pcmStreamer) Err() error {
	return s.err
}

func measurePeak(s beep.Streamer, want int) (float64, int) {
	buf := make([][2]float64, sampleChunk)
	var peak float64
	got := 0
	for got < want {
		chunk := buf
		if rest := want - got; rest < len(chunk) {
			chunk = chunk[:rest]
		}
		n, ok := s.Stream(chunk)
		for _, frame := range chunk[:n] {
			peak = math.Max(peak, math.Max(math.Abs(frame[0]), math.Abs(frame[1])))
		}
		got += n
		if !ok {
			break
		}
	}
	return peak, got
}

// PeakDBFS converts a linear peak in [0, 1] to dBFS, floored at -120.
func PeakDBFS(peak float64) float64 {
	if peak <= 0 {
		return floorDB
	}
	return math.Max(20*math.Log10(peak), floorDB)
}
