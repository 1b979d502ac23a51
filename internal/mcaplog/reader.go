package mcaplog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/RISE-Maritime/keelson-sub001/internal/schema"
	"github.com/foxglove/mcap/go/mcap"
)

// Message is one recorded message as read back from a file.
type Message struct {
	Key         string
	Schema      schema.Definition
	LogTime     time.Time
	PublishTime time.Time
	Payload     []byte
}

// Reader iterates messages in file order without using the index, so files
// cut short by a crash are still readable up to the last complete record.
type Reader struct {
	it mcap.MessageIterator
}

// NewReader opens an MCAP stream for sequential reading. A stream that ends
// before the file magic is complete (a file created but never written) reads
// as empty.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(mcap.Magic))
	if err != nil && bytes.HasPrefix(mcap.Magic, head) {
		return &Reader{}, nil
	}
	mr, err := mcap.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("opening mcap reader: %w", err)
	}
	it, err := mr.Messages(mcap.UsingIndex(false))
	if err != nil {
		return nil, fmt.Errorf("iterating mcap messages: %w", err)
	}
	return &Reader{it: it}, nil
}

// Next returns the next message, or io.EOF at the end of the stream.
func (r *Reader) Next() (Message, error) {
	if r.it == nil {
		return Message{}, io.EOF
	}
	s, ch, msg, err := r.it.Next(nil)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("reading mcap message: %w", err)
	}

	out := Message{
		Key:         ch.Topic,
		LogTime:     fromNanos(msg.LogTime),
		PublishTime: fromNanos(msg.PublishTime),
		Payload:     append([]byte(nil), msg.Data...),
	}
	if s != nil {
		out.Schema = schema.Definition{Name: s.Name, Encoding: s.Encoding, Data: s.Data}
	}
	return out, nil
}

func fromNanos(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n)).UTC()
}
