// Package replay republishes recorded traffic onto the bus.
//
// Records are read in file order and published one at a time, spaced by the
// differences between their log times. Replay can be limited to a time
// window and a set of keys, can loop, and can tag keys so replayed traffic
// does not collide with live traffic.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/RISE-Maritime/keelson-sub001/internal/envelope"
	"github.com/RISE-Maritime/keelson-sub001/internal/keys"
	"github.com/RISE-Maritime/keelson-sub001/internal/metrics"
)

// DefaultTag is appended to replayed keys when tagging is enabled without an
// explicit tag.
const DefaultTag = "replay"

// Publisher sends one message. bus.Publishers implements it.
type Publisher interface {
	Publish(key string, data []byte) error
}

// Options configures an Engine.
type Options struct {
	// Start and End bound log times, inclusive. Zero means unbounded.
	Start time.Time
	End   time.Time
	// Keys, when non-empty, is the allow-list of keys to publish.
	Keys []string
	Loop bool
	// Tag is appended as an extra key segment when non-empty.
	Tag string
	// NoPacing publishes as fast as possible.
	NoPacing bool

	Clock   Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine runs a replay.
type Engine struct {
	open    Opener
	pub     Publisher
	opts    Options
	allowed map[string]bool
	clock   Clock
	logger  *slog.Logger
}

// New creates an Engine publishing records from open through pub.
func New(open Opener, pub Publisher, opts Options) (*Engine, error) {
	if !opts.Start.IsZero() && !opts.End.IsZero() && opts.End.Before(opts.Start) {
		return nil, fmt.Errorf("time window end %s is before start %s", opts.End, opts.Start)
	}
	e := &Engine{open: open, pub: pub, opts: opts, clock: opts.Clock, logger: opts.Logger}
	if e.clock == nil {
		e.clock = wallClock{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if len(opts.Keys) > 0 {
		e.allowed = make(map[string]bool, len(opts.Keys))
		for _, k := range opts.Keys {
			e.allowed[k] = true
		}
	}
	return e, nil
}

// Stats summarizes a finished replay.
type Stats struct {
	Loops     int
	Published int
	Skipped   int
}

// Run replays until the recording is exhausted (or, when looping, until ctx
// is done). Cancellation interrupts pacing sleeps promptly and is not
// reported as an error.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	var (
		stats Stats
		// origin is the first published log time; when looping, every
		// pass is shifted so its first record lands at the pass start.
		origin time.Time
	)

	for {
		passStart := e.clock.Now()
		published, skipped, first, err := e.pass(ctx, passStart, origin)
		stats.Published += published
		stats.Skipped += skipped
		stats.Loops++
		if origin.IsZero() {
			origin = first
		}

		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return stats, nil
			}
			return stats, err
		}
		if !e.opts.Loop {
			return stats, nil
		}
		if published == 0 {
			e.logger.Warn("nothing to replay, not looping")
			return stats, nil
		}
		e.logger.Info("restarting replay loop", "loop", stats.Loops+1)
	}
}

func (e *Engine) pass(ctx context.Context, passStart, origin time.Time) (published, skipped int, first time.Time, err error) {
	src, err := e.open()
	if err != nil {
		return 0, 0, time.Time{}, err
	}
	defer src.Close()

	var (
		shift time.Duration
		prev  time.Time
	)
	for {
		if err := ctx.Err(); err != nil {
			return published, skipped, first, err
		}

		rec, err := src.Next()
		if err == io.EOF {
			return published, skipped, first, nil
		}
		if err != nil {
			if IsSkippable(err) {
				e.logger.Warn("skipping record", "err", err)
				skipped++
				continue
			}
			return published, skipped, first, err
		}

		if !e.inWindow(rec.LogTime) {
			continue
		}
		if e.allowed != nil && !e.allowed[rec.Key] {
			continue
		}

		if first.IsZero() {
			first = rec.LogTime
			if e.opts.Loop {
				base := origin
				if base.IsZero() {
					base = first
				}
				shift = passStart.Sub(base)
			}
		}

		if !e.opts.NoPacing && !prev.IsZero() {
			if err := e.clock.Sleep(ctx, rec.LogTime.Sub(prev)); err != nil {
				return published, skipped, first, err
			}
		}
		prev = rec.LogTime

		if err := e.publish(rec, shift, e.opts.Loop); err != nil {
			return published, skipped, first, err
		}
		published++
		e.opts.Metrics.Publish()
	}
}

// publish re-encloses the payload. A looping replay stamps each record with
// the wall time it is scheduled for, or the current time when pacing is off;
// otherwise the recorded enclosure time is kept.
func (e *Engine) publish(rec Record, shift time.Duration, rebase bool) error {
	enclosedAt := rec.PublishTime
	switch {
	case rebase && e.opts.NoPacing:
		enclosedAt = e.clock.Now()
	case rebase || enclosedAt.IsZero():
		enclosedAt = rec.LogTime.Add(shift)
	}
	key := keys.WithTag(rec.Key, e.opts.Tag)
	if err := e.pub.Publish(key, envelope.Enclose(rec.Payload, enclosedAt)); err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}
	return nil
}

func (e *Engine) inWindow(t time.Time) bool {
	if !e.opts.Start.IsZero() && t.Before(e.opts.Start) {
		return false
	}
	if !e.opts.End.IsZero() && t.After(e.opts.End) {
		return false
	}
	return true
}
