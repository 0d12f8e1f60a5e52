// Package sse frames a streamed response body into line records.
//
// Segments handed to the decoder may split anywhere, including inside the
// "data:" marker or inside a multi-byte character. Bytes that do not yet form
// a complete line are carried over to the next segment.
package sse

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	dataMarker = "data:"

	// DefaultMaxLineBytes bounds the carry-over buffer.
	DefaultMaxLineBytes = 1024 * 1024
)

var (
	// ErrInvalidEncoding is returned when a complete line is not valid UTF-8.
	ErrInvalidEncoding = errors.New("sse: stream is not valid UTF-8")

	// ErrLineTooLong is returned when buffered text grows past the line limit
	// without a terminator.
	ErrLineTooLong = errors.New("sse: line exceeds maximum size")
)

// Record is one complete line of the stream.
type Record struct {
	// Line is the raw line without its terminator.
	Line string
	// Data is the payload after the marker. Only set when IsData is true.
	Data string
	// IsData reports whether the line carried the data marker.
	IsData bool
}

// Decoder turns byte segments into records. The zero value is not usable;
// call NewDecoder.
type Decoder struct {
	buf     []byte
	maxLine int
	err     error
}

// NewDecoder creates a decoder. maxLine <= 0 selects DefaultMaxLineBytes.
func NewDecoder(maxLine int) *Decoder {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	return &Decoder{maxLine: maxLine}
}

// Feed appends a segment to the carry-over buffer and returns every line it
// completed, in order. Once Feed or Flush has returned an error the decoder
// is terminated and keeps returning that error.
func (d *Decoder) Feed(segment []byte) ([]Record, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, segment...)

	var records []Record
	start := 0
	for {
		i := bytes.IndexByte(d.buf[start:], '\n')
		if i < 0 {
			break
		}
		if i > d.maxLine {
			d.fail(ErrLineTooLong)
			return records, ErrLineTooLong
		}
		rec, err := decodeLine(d.buf[start : start+i])
		start += i + 1
		if err != nil {
			d.fail(err)
			return records, err
		}
		records = append(records, rec)
	}

	// Move the partial tail to the front so the buffer does not creep.
	n := copy(d.buf, d.buf[start:])
	d.buf = d.buf[:n]

	if len(d.buf) > d.maxLine {
		d.fail(ErrLineTooLong)
		return records, ErrLineTooLong
	}
	return records, nil
}

// Flush is called at end of input. Unterminated buffered text becomes a final
// record; an empty buffer yields ok == false.
func (d *Decoder) Flush() (rec Record, ok bool, err error) {
	if d.err != nil {
		return Record{}, false, d.err
	}
	if len(d.buf) == 0 {
		return Record{}, false, nil
	}
	rec, err = decodeLine(d.buf)
	d.buf = d.buf[:0]
	if err != nil {
		d.fail(err)
		return Record{}, false, err
	}
	return rec, true, nil
}

// Buffered returns the number of carried-over bytes.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) fail(err error) {
	d.err = err
	d.buf = nil
}

func decodeLine(raw []byte) (Record, error) {
	raw = bytes.TrimSuffix(raw, []byte{'\r'})
	if !utf8.Valid(raw) {
		return Record{}, ErrInvalidEncoding
	}
	return classify(string(raw)), nil
}

func classify(line string) Record {
	rec := Record{Line: line}
	if !strings.HasPrefix(line, dataMarker) {
		return rec
	}
	data := line[len(dataMarker):]
	// A single space after the colon belongs to the marker.
	data = strings.TrimPrefix(data, " ")
	rec.Data = data
	rec.IsData = true
	return rec
}
