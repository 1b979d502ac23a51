package replay

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/RISE-Maritime/keelson-sub001/internal/envelope"
	"github.com/RISE-Maritime/keelson-sub001/internal/klog"
	"github.com/RISE-Maritime/keelson-sub001/internal/mcaplog"
)

// Record is one message read back from a recording.
type Record struct {
	Key         string
	LogTime     time.Time
	PublishTime time.Time
	Payload     []byte
}

// Source yields records in file order. Next returns io.EOF at the end.
type Source interface {
	Next() (Record, error)
	Close() error
}

// Opener opens a fresh Source. Replay reopens it for every loop.
type Opener func() (Source, error)

// FileOpener returns an Opener for path, choosing the format by extension:
// .klog files are append-only logs, everything else is read as MCAP.
func FileOpener(path string) Opener {
	if strings.EqualFold(filepath.Ext(path), ".klog") {
		return func() (Source, error) { return OpenKlog(path) }
	}
	return func() (Source, error) { return OpenMCAP(path) }
}

type mcapSource struct {
	f *os.File
	r *mcaplog.Reader
}

// OpenMCAP opens an MCAP recording.
func OpenMCAP(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening recording: %w", err)
	}
	r, err := mcaplog.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &mcapSource{f: f, r: r}, nil
}

func (s *mcapSource) Next() (Record, error) {
	m, err := s.r.Next()
	if err != nil {
		return Record{}, err
	}
	return Record{Key: m.Key, LogTime: m.LogTime, PublishTime: m.PublishTime, Payload: m.Payload}, nil
}

func (s *mcapSource) Close() error {
	return s.f.Close()
}

type klogSource struct {
	f *os.File
	r *klog.Reader
}

// OpenKlog opens an append-only log recording. Envelopes are uncovered so
// records carry the enclosure time and the bare payload.
func OpenKlog(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening recording: %w", err)
	}
	return &klogSource{f: f, r: klog.NewReader(f)}, nil
}

func (s *klogSource) Next() (Record, error) {
	rec, err := s.r.Next()
	if err != nil {
		return Record{}, err
	}
	env, err := envelope.Unmarshal(rec.Envelope)
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", rec.Key, err)
	}
	return Record{Key: rec.Key, LogTime: rec.Timestamp, PublishTime: env.EnclosedAt, Payload: env.Payload}, nil
}

func (s *klogSource) Close() error {
	return s.f.Close()
}

// IsSkippable reports whether err from Source.Next only affects one record.
func IsSkippable(err error) bool {
	return errors.Is(err, envelope.ErrDecode) || errors.Is(err, klog.ErrDecode)
}

