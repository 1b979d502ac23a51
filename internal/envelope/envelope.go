// Package envelope wraps opaque payloads with the time they were enclosed.
//
// The wire format is a protobuf message with two fields:
//
//	1: google.protobuf.Timestamp enclosed_at
//	2: bytes payload
//
// Unknown fields are skipped on decode so newer producers stay readable.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	fieldEnclosedAt protowire.Number = 1
	fieldPayload    protowire.Number = 2
)

// ErrDecode is returned when bytes do not parse as a valid envelope.
var ErrDecode = errors.New("envelope: decode failed")

// Envelope is a decoded envelope.
type Envelope struct {
	EnclosedAt time.Time
	Payload    []byte
}

// Enclose wraps payload in an envelope stamped with enclosedAt.
func Enclose(payload []byte, enclosedAt time.Time) []byte {
	return Marshal(Envelope{EnclosedAt: enclosedAt, Payload: payload})
}

// EncloseNow wraps payload in an envelope stamped with the current time.
func EncloseNow(payload []byte) []byte {
	return Enclose(payload, time.Now())
}

// Uncover decodes an envelope and returns the local receive time, the
// enclosure time and the payload.
func Uncover(b []byte) (receivedAt, enclosedAt time.Time, payload []byte, err error) {
	env, err := Unmarshal(b)
	if err != nil {
		return time.Time{}, time.Time{}, nil, err
	}
	return time.Now(), env.EnclosedAt, env.Payload, nil
}

// Marshal serializes env.
func Marshal(env Envelope) []byte {
	// Timestamp marshaling cannot fail for values produced by timestamppb.New.
	ts, _ := proto.Marshal(timestamppb.New(env.EnclosedAt))

	b := make([]byte, 0, len(ts)+len(env.Payload)+8)
	b = protowire.AppendTag(b, fieldEnclosedAt, protowire.BytesType)
	b = protowire.AppendBytes(b, ts)
	if len(env.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, env.Payload)
	}
	return b
}

// Unmarshal parses b into an Envelope. The returned payload aliases b.
func Unmarshal(b []byte) (Envelope, error) {
	var (
		env     Envelope
		sawTime bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldEnclosedAt && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: enclosed_at: %v", ErrDecode, protowire.ParseError(n))
			}
			t, err := decodeTimestamp(v)
			if err != nil {
				return Envelope{}, err
			}
			env.EnclosedAt = t
			sawTime = true
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: payload: %v", ErrDecode, protowire.ParseError(n))
			}
			env.Payload = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, fmt.Errorf("%w: field %d: %v", ErrDecode, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !sawTime {
		return Envelope{}, fmt.Errorf("%w: missing enclosed_at", ErrDecode)
	}
	return env, nil
}

func decodeTimestamp(b []byte) (time.Time, error) {
	var ts timestamppb.Timestamp
	if err := proto.Unmarshal(b, &ts); err != nil {
		return time.Time{}, fmt.Errorf("%w: enclosed_at: %v", ErrDecode, err)
	}
	if err := ts.CheckValid(); err != nil {
		return time.Time{}, fmt.Errorf("%w: enclosed_at: %v", ErrDecode, err)
	}
	return ts.AsTime(), nil
}
