package recorder

import (
	"io"
	"log/slog"
	"time"

	"github.com/RISE-Maritime/keelson-sub001/internal/envelope"
	"github.com/RISE-Maritime/keelson-sub001/internal/klog"
	"github.com/RISE-Maritime/keelson-sub001/internal/mcaplog"
	"github.com/RISE-Maritime/keelson-sub001/internal/rotation"
	"github.com/RISE-Maritime/keelson-sub001/internal/schema"
)

// File extensions for the two formats.
const (
	MCAPExtension = ".mcap"
	KlogExtension = ".klog"
)

// MCAPFormat writes multiplexed container files. Envelopes are uncovered so
// the payload is stored with publish time set to the enclosure time.
func MCAPFormat(resolver *schema.Resolver, logger *slog.Logger, opts mcaplog.Options) rotation.NewSinkFunc {
	return func(w io.Writer, _ string) (rotation.Sink, error) {
		mw, err := mcaplog.NewWriter(w, resolver, logger, opts)
		if err != nil {
			return nil, err
		}
		return &mcapSink{w: mw}, nil
	}
}

type mcapSink struct {
	w *mcaplog.Writer
}

func (s *mcapSink) Write(key string, receivedAt time.Time, env []byte) (int, error) {
	e, err := envelope.Unmarshal(env)
	if err != nil {
		return 0, err
	}
	return s.w.WriteMessage(key, receivedAt, e.EnclosedAt, e.Payload)
}

func (s *mcapSink) Close() error {
	return s.w.Close()
}

// KlogFormat writes append-only log files holding the raw envelopes.
func KlogFormat() rotation.NewSinkFunc {
	return func(w io.Writer, _ string) (rotation.Sink, error) {
		return &klogSink{w: klog.NewWriter(w)}, nil
	}
}

type klogSink struct {
	w *klog.Writer
}

func (s *klogSink) Write(key string, receivedAt time.Time, env []byte) (int, error) {
	return s.w.WriteMessage(receivedAt, key, env)
}

func (s *klogSink) Close() error {
	return s.w.Flush()
}
