package envelope

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncloseUncover(t *testing.T) {
	for _, tc := range []struct {
		name    string
		payload []byte
	}{
		{"Empty", nil},
		{"Text", []byte("test")},
		{"Binary", []byte{0x00, 0xff, 0x10, 0x80, 0x01}},
		{"Large", bytes.Repeat([]byte("x"), 1<<16)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := time.Now()
			msg := EncloseNow(tc.payload)

			receivedAt, enclosedAt, payload, err := Uncover(msg)
			if err != nil {
				t.Fatalf("Uncover: %v", err)
			}
			if !bytes.Equal(payload, tc.payload) {
				t.Errorf("payload = %q, want %q", payload, tc.payload)
			}
			if enclosedAt.Before(before.Truncate(time.Microsecond)) {
				t.Errorf("enclosedAt %v is before enclose call %v", enclosedAt, before)
			}
			if receivedAt.Before(enclosedAt) {
				t.Errorf("receivedAt %v before enclosedAt %v", receivedAt, enclosedAt)
			}
		})
	}
}

func TestEncloseWithTimestamp(t *testing.T) {
	ts := time.Unix(1234567890, 123456789)
	msg := Enclose([]byte("test"), ts)

	_, enclosedAt, payload, err := Uncover(msg)
	if err != nil {
		t.Fatalf("Uncover: %v", err)
	}
	if !enclosedAt.Equal(ts) {
		t.Errorf("enclosedAt = %v, want %v", enclosedAt, ts)
	}
	if enclosedAt.UnixNano() != 1234567890123456789 {
		t.Errorf("enclosedAt nanos = %d", enclosedAt.UnixNano())
	}
	if string(payload) != "test" {
		t.Errorf("payload = %q", payload)
	}
}

func TestEnclosedAtMonotonic(t *testing.T) {
	var last time.Time
	for i := 0; i < 100; i++ {
		env, err := Unmarshal(EncloseNow([]byte{byte(i)}))
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if env.EnclosedAt.Before(last) {
			t.Fatalf("enclosed_at went backwards: %v < %v", env.EnclosedAt, last)
		}
		last = env.EnclosedAt
	}
}

func TestUncoverInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"Empty", []byte{}},
		{"Garbage", []byte{0xff, 0xff, 0xff}},
		{"TruncatedPayload", protowire.AppendTag(nil, fieldPayload, protowire.BytesType)},
		{"PayloadOnly", protowire.AppendBytes(protowire.AppendTag(nil, fieldPayload, protowire.BytesType), []byte("x"))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _, _, err := Uncover(tc.data)
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("Uncover error = %v, want ErrDecode", err)
			}
		})
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	ts := time.Unix(10, 0)
	msg := Enclose([]byte("payload"), ts)
	msg = protowire.AppendTag(msg, 15, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 42)

	env, err := Unmarshal(msg)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if string(env.Payload) != "payload" || !env.EnclosedAt.Equal(ts) {
		t.Errorf("got %+v", env)
	}
}
