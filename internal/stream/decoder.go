// Package stream reassembles newline-delimited JSON records from a live HTTP
// body, with or without Server-Sent Events framing, and extracts text deltas.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/httpclient"
	"github.com/oukeidos/novtl/internal/logger"
)

// DoneSentinel terminates OpenAI-style streams.
const DoneSentinel = "[DONE]"

// ExtractFunc pulls the text delta out of one JSON record. It returns "" for
// records that carry no text. A non-nil error means the record reported a
// stream-level failure and aborts decoding.
type ExtractFunc func(record []byte) (string, error)

// Decoder is single-use: create one per response body.
type Decoder struct {
	extract ExtractFunc
	buf     []byte
	// limit caps the unterminated tail kept between Feeds.
	limit  int
	done   bool
	failed error
}

func NewDecoder(extract ExtractFunc) *Decoder {
	return &Decoder{extract: extract, limit: httpclient.MaxResponseBytes}
}

// Done reports whether a [DONE] sentinel has been seen.
func (d *Decoder) Done() bool { return d.done }

// Feed appends p to the pending buffer and returns the deltas of every
// complete line. A trailing partial line stays buffered until the next Feed
// or Flush.
func (d *Decoder) Feed(p []byte) ([]string, error) {
	if d.failed != nil {
		return nil, d.failed
	}
	if d.done {
		return nil, nil
	}
	d.buf = append(d.buf, p...)

	var deltas []string
	for !d.done {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		delta, err := d.line(line)
		if err != nil {
			d.failed = err
			return deltas, err
		}
		if delta != "" {
			deltas = append(deltas, delta)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	if len(d.buf) > d.limit {
		d.buf = nil
		d.failed = apperrors.New(apperrors.KindMalformed,
			"The provider stream sent a record larger than the size limit.",
			fmt.Errorf("unterminated record exceeds %d bytes", d.limit))
		return deltas, d.failed
	}
	return deltas, nil
}

// Flush processes whatever remains in the buffer as a final record. Call it
// once the body reports EOF.
func (d *Decoder) Flush() ([]string, error) {
	if d.failed != nil {
		return nil, d.failed
	}
	if d.done || len(d.buf) == 0 {
		d.buf = nil
		return nil, nil
	}
	rest := d.buf
	d.buf = nil
	delta, err := d.line(rest)
	if err != nil {
		d.failed = err
		return nil, err
	}
	if delta == "" {
		return nil, nil
	}
	return []string{delta}, nil
}

func (d *Decoder) line(raw []byte) (string, error) {
	payload, ok := recordPayload(raw)
	if !ok {
		return "", nil
	}
	if string(payload) == DoneSentinel {
		d.done = true
		return "", nil
	}
	if !json.Valid(payload) {
		logger.Debug("Skipping unparsable stream record", "bytes", len(payload))
		return "", nil
	}
	return d.extract(payload)
}

// recordPayload strips SSE framing and JSON-array punctuation. It reports
// false for protocol-control lines and anything that is not a candidate
// record.
func recordPayload(raw []byte) ([]byte, bool) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	for _, field := range [][]byte{[]byte("event:"), []byte("id:"), []byte("retry:")} {
		if bytes.HasPrefix(line, field) {
			return nil, false
		}
	}
	if bytes.HasPrefix(line, []byte("data:")) {
		line = bytes.TrimSpace(line[len("data:"):])
	}
	if string(line) == DoneSentinel {
		return line, true
	}
	line = bytes.TrimLeft(line, "[,")
	line = bytes.TrimRight(line, ",]")
	line = bytes.TrimSpace(line)
	if len(line) < 2 || line[0] != '{' || line[len(line)-1] != '}' {
		return nil, false
	}
	return line, true
}

const readSize = 4 * 1024

// Decode reads r to EOF (or [DONE]) and calls onDelta for each delta in
// order. Cancelling ctx aborts the read; the returned error then wraps
// ctx.Err().
func Decode(ctx context.Context, r io.Reader, extract ExtractFunc, onDelta func(string) error) error {
	d := NewDecoder(extract)
	buf := make([]byte, readSize)
	emit := func(deltas []string) error {
		for _, delta := range deltas {
			if err := onDelta(delta); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			deltas, err := d.Feed(buf[:n])
			if emitErr := emit(deltas); emitErr != nil {
				return emitErr
			}
			if err != nil {
				return err
			}
			if d.Done() {
				return nil
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return readErr
			}
			deltas, err := d.Flush()
			if emitErr := emit(deltas); emitErr != nil {
				return emitErr
			}
			return err
		}
	}
}
