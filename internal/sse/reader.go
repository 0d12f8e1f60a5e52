package sse

import (
	"errors"
	"io"
)

const defaultReadSize = 4096

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithMaxLineBytes bounds the length of a single line.
func WithMaxLineBytes(n int) ReaderOption {
	return func(r *Reader) {
		r.dec = NewDecoder(n)
	}
}

// WithReadSize sets the size of each Read call against the source.
func WithReadSize(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.buf = make([]byte, n)
		}
	}
}

// Reader pulls segments from an io.Reader on demand and yields records one at
// a time. Nothing is read from the source until Next needs another record.
type Reader struct {
	src     io.Reader
	dec     *Decoder
	buf     []byte
	pending []Record
	err     error
}

// NewReader creates a Reader over src.
func NewReader(src io.Reader, opts ...ReaderOption) *Reader {
	r := &Reader{
		src: src,
		dec: NewDecoder(DefaultMaxLineBytes),
		buf: make([]byte, defaultReadSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Next returns the next record. It returns io.EOF after the final record of a
// cleanly ended stream. Decode anomalies (ErrInvalidEncoding, ErrLineTooLong)
// and source read errors are returned once every record decoded before them
// has been delivered.
func (r *Reader) Next() (Record, error) {
	for {
		if len(r.pending) > 0 {
			rec := r.pending[0]
			r.pending = r.pending[1:]
			return rec, nil
		}
		if r.err != nil {
			return Record{}, r.err
		}
		r.fill()
	}
}

// fill performs one Read and feeds what it got to the decoder.
func (r *Reader) fill() {
	n, err := r.src.Read(r.buf)
	if n > 0 {
		records, decErr := r.dec.Feed(r.buf[:n])
		r.pending = append(r.pending, records...)
		if decErr != nil {
			r.err = decErr
			return
		}
	}

	switch {
	case errors.Is(err, io.EOF):
		rec, ok, flushErr := r.dec.Flush()
		if ok {
			r.pending = append(r.pending, rec)
		}
		if flushErr != nil {
			r.err = flushErr
			return
		}
		r.err = io.EOF
	case err != nil:
		r.err = err
	}
}
