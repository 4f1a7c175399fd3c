// Package sse decodes the assistant backend's chat stream into typed events.
//
// The backend writes blocks of the form
//
//	event: <type>
//	data: <json>
//
// separated by blank lines. Each "data:" line is paired with the most recent
// unconsumed "event:" line; a data line with no pending type is dropped, and so
// is an event line that is superseded before any data arrives. Only lines
// terminated by "\n" are ever parsed: a partial line still buffered when the
// source is exhausted is discarded.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/capitalize-ai/assistant-client/internal/model"
	"github.com/capitalize-ai/assistant-client/pkg/logger"
	"github.com/capitalize-ai/assistant-client/pkg/metrics"
)

// DefaultMaxLineSize bounds a single buffered line.
const DefaultMaxLineSize = 1024 * 1024

const readChunkSize = 4096

var (
	// ErrLineTooLong is returned when a line grows beyond the configured maximum.
	ErrLineTooLong = errors.New("sse: line exceeds maximum size")

	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("sse: decoder closed")
)

var (
	eventPrefix = []byte("event: ")
	dataPrefix  = []byte("data: ")
	replacement = []byte(string(utf8.RuneError))
)

// Decoder turns a chunked byte stream into StreamEvents. A Decoder is single
// pass and not safe for concurrent use.
type Decoder struct {
	r       io.Reader
	logger  *logger.Logger
	maxLine int

	buf     []byte
	pending string
	queue   []model.StreamEvent
	chunk   []byte
	err     error
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLogger sets the logger used to report dropped lines.
func WithLogger(l *logger.Logger) Option {
	return func(d *Decoder) {
		d.logger = l
	}
}

// WithMaxLineSize overrides DefaultMaxLineSize.
func WithMaxLineSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// NewDecoder returns a Decoder reading from r. r may be nil when the caller
// only uses Feed.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		r:       r,
		maxLine: DefaultMaxLineSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logger.OrGlobal(d.logger)
	return d
}

// Next returns the next event. It blocks reading the underlying reader until
// a complete event is available and returns io.EOF once the reader is
// exhausted. Any other reader error is returned as is.
func (d *Decoder) Next() (model.StreamEvent, error) {
	for len(d.queue) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		if d.r == nil {
			d.err = io.EOF
			continue
		}
		if d.chunk == nil {
			d.chunk = make([]byte, readChunkSize)
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			events, ferr := d.Feed(d.chunk[:n])
			d.queue = append(d.queue, events...)
			if ferr != nil {
				d.err = ferr
				continue
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.discardPartial()
				err = io.EOF
			}
			d.err = err
		}
	}

	ev := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return ev, nil
}

// Feed appends chunk to the line buffer and returns the events completed by
// it, in order. Chunks need not align with line or UTF-8 boundaries. Once Feed
// has returned an error, every later call returns the same error.
func (d *Decoder) Feed(chunk []byte) ([]model.StreamEvent, error) {
	if d.err != nil && !errors.Is(d.err, io.EOF) {
		return nil, d.err
	}

	d.buf = append(d.buf, chunk...)

	var events []model.StreamEvent
	start := 0
	for {
		i := bytes.IndexByte(d.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := d.buf[start : start+i]
		start += i + 1

		if len(line) > d.maxLine {
			return events, d.overflow()
		}
		if ev, ok := d.parseLine(line); ok {
			events = append(events, ev)
		}
	}

	n := copy(d.buf, d.buf[start:])
	d.buf = d.buf[:n]

	if len(d.buf) > d.maxLine {
		return events, d.overflow()
	}
	return events, nil
}

// Buffered returns the number of bytes of the current incomplete line.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Close releases the decoder's buffers. It does not close the reader.
func (d *Decoder) Close() {
	d.buf = nil
	d.queue = nil
	d.chunk = nil
	d.pending = ""
	d.err = ErrClosed
}

func (d *Decoder) overflow() error {
	d.buf = d.buf[:0]
	d.pending = ""
	d.err = ErrLineTooLong
	return d.err
}

func (d *Decoder) discardPartial() {
	if len(d.buf) == 0 {
		return
	}
	d.logger.Debug("discarding unterminated trailing line", zap.Int("bytes", len(d.buf)))
	metrics.RecordAnomaly(metrics.AnomalyTrailingPartial)
	d.buf = d.buf[:0]
}

func (d *Decoder) parseLine(line []byte) (model.StreamEvent, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})

	switch {
	case bytes.HasPrefix(line, eventPrefix):
		if d.pending != "" {
			d.logger.Debug("event type superseded before data", zap.String("event", d.pending))
		}
		d.pending = string(line[len(eventPrefix):])
		return nil, false

	case bytes.HasPrefix(line, dataPrefix):
		if d.pending == "" {
			d.logger.Debug("dropping data line without event type")
			metrics.RecordAnomaly(metrics.AnomalyOrphanData)
			return nil, false
		}
		kind := model.EventKind(d.pending)
		d.pending = ""
		return d.decode(kind, line)
	}

	return nil, false
}

func (d *Decoder) decode(kind model.EventKind, line []byte) (model.StreamEvent, bool) {
	payload := line[len(dataPrefix):]
	if !utf8.Valid(payload) {
		payload = bytes.ToValidUTF8(payload, replacement)
	}

	if !json.Valid(payload) {
		return d.decodeError(line), true
	}

	var (
		ev  model.StreamEvent
		err error
	)
	switch kind {
	case model.EventKindMessage:
		var v model.MessageDelta
		err = json.Unmarshal(payload, &v)
		ev = v
	case model.EventKindMetadata:
		var v model.Metadata
		err = json.Unmarshal(payload, &v)
		ev = v
	case model.EventKindToolCall:
		var v model.ToolCall
		err = json.Unmarshal(payload, &v)
		ev = v
	case model.EventKindToolResult:
		var v model.ToolResult
		err = json.Unmarshal(payload, &v)
		ev = v
	case model.EventKindDone:
		var v model.Done
		err = json.Unmarshal(payload, &v)
		ev = v
	case model.EventKindError:
		var v model.Error
		err = json.Unmarshal(payload, &v)
		ev = v
	default:
		d.logger.Debug("ignoring unknown event type", zap.String("event", string(kind)))
		metrics.RecordAnomaly(metrics.AnomalyUnknownEvent)
		return nil, false
	}

	if err != nil {
		return d.decodeError(line), true
	}
	return ev, true
}

func (d *Decoder) decodeError(line []byte) model.Error {
	metrics.RecordAnomaly(metrics.AnomalyDecodeError)
	return model.Error{
		Message:     fmt.Sprintf("failed to parse server event: %s", line),
		Recoverable: true,
	}
}
