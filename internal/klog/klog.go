// Package klog implements the append-only recording format: a sequence of
// [4-byte big-endian length][record] frames, where each record is a protobuf
// message {1: google.protobuf.Timestamp timestamp, 2: string key, 3: bytes envelope}.
//
// There is no index and no checksum. A trailing frame cut short by a crash is
// indistinguishable from a clean end of file, so readers treat both as io.EOF.
package klog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	fieldTimestamp protowire.Number = 1
	fieldKey       protowire.Number = 2
	fieldEnvelope  protowire.Number = 3

	lengthPrefixSize = 4
)

// ErrDecode is returned for a fully framed record that cannot be decoded.
var ErrDecode = errors.New("klog: decode failed")

// Record is one recorded message.
type Record struct {
	Timestamp time.Time
	Key       string
	Envelope  []byte
}

// Writer appends records to an underlying writer.
type Writer struct {
	bw      *bufio.Writer
	written int64
}

// NewWriter returns a Writer that buffers writes to w. Call Flush before
// closing w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// WriteMessage appends one record and returns the number of bytes it occupies
// in the file, length prefix included.
func (w *Writer) WriteMessage(ts time.Time, key string, envelope []byte) (int, error) {
	data := MarshalRecord(Record{Timestamp: ts, Key: key, Envelope: envelope})
	if len(data) > math.MaxUint32 {
		return 0, fmt.Errorf("klog: record of %d bytes exceeds frame limit", len(data))
	}

	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.bw.Write(prefix[:]); err != nil {
		return 0, fmt.Errorf("writing length prefix: %w", err)
	}
	if _, err := w.bw.Write(data); err != nil {
		return 0, fmt.Errorf("writing record: %w", err)
	}

	n := lengthPrefixSize + len(data)
	w.written += int64(n)
	return n, nil
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("flushing klog: %w", err)
	}
	return nil
}

// Written returns the total number of bytes appended so far.
func (w *Writer) Written() int64 {
	return w.written
}

// Reader reads records in file order.
type Reader struct {
	br  *bufio.Reader
	buf bytes.Buffer
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next returns the next record. It returns io.EOF at the end of the stream,
// including when the final frame is truncated. A frame whose contents cannot
// be decoded yields an error wrapping ErrDecode; reading may continue.
func (r *Reader) Next() (Record, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r.br, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("reading length prefix: %w", err)
	}

	// The prefix may be corrupt; buffer only what is actually there.
	n := int64(binary.BigEndian.Uint32(prefix[:]))
	r.buf.Reset()
	read, err := io.CopyN(&r.buf, r.br, n)
	if err != nil && !errors.Is(err, io.EOF) {
		return Record{}, fmt.Errorf("reading record: %w", err)
	}
	if read < n {
		return Record{}, io.EOF
	}

	rec, err := UnmarshalRecord(r.buf.Bytes())
	if err != nil {
		return Record{}, err
	}
	// The buffer is reused; hand out copies.
	rec.Envelope = append([]byte(nil), rec.Envelope...)
	return rec, nil
}

// MarshalRecord serializes rec without framing.
func MarshalRecord(rec Record) []byte {
	ts, _ := proto.Marshal(timestamppb.New(rec.Timestamp))

	b := make([]byte, 0, len(ts)+len(rec.Key)+len(rec.Envelope)+12)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)
	if rec.Key != "" {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, rec.Key)
	}
	if len(rec.Envelope) > 0 {
		b = protowire.AppendTag(b, fieldEnvelope, protowire.BytesType)
		b = protowire.AppendBytes(b, rec.Envelope)
	}
	return b
}

// UnmarshalRecord parses an unframed record. Envelope aliases b.
func UnmarshalRecord(b []byte) (Record, error) {
	var rec Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType || num < fieldTimestamp || num > fieldEnvelope {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, fmt.Errorf("%w: field %d: %v", ErrDecode, num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Record{}, fmt.Errorf("%w: field %d: %v", ErrDecode, num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldTimestamp:
			var ts timestamppb.Timestamp
			if err := proto.Unmarshal(v, &ts); err != nil {
				return Record{}, fmt.Errorf("%w: timestamp: %v", ErrDecode, err)
			}
			rec.Timestamp = ts.AsTime()
		case fieldKey:
			rec.Key = string(v)
		case fieldEnvelope:
			rec.Envelope = v
		}
	}
	return rec, nil
}
