// Package recorder moves bus samples from arrival callbacks into output
// files. Callbacks only enqueue; one writer goroutine owns the output and
// performs all file I/O and rotation checks.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RISE-Maritime/keelson-sub001/internal/envelope"
	"github.com/RISE-Maritime/keelson-sub001/internal/keys"
	"github.com/RISE-Maritime/keelson-sub001/internal/klog"
	"github.com/RISE-Maritime/keelson-sub001/internal/metrics"
)

var (
	// ErrCapacity is returned when the queue reaches the high watermark.
	// Recording stops instead of buffering without bound.
	ErrCapacity = errors.New("recorder queue capacity exceeded")
	// ErrClosed is returned by Enqueue once shutdown has begun.
	ErrClosed = errors.New("recorder is closed")
)

// Defaults for Config.
const (
	DefaultLowWatermark  = 100
	DefaultHighWatermark = 1000
	DefaultPollInterval  = time.Second
)

// Sample is one message received from the bus.
type Sample struct {
	Key        string
	Payload    []byte
	ReceivedAt time.Time
}

// Output is the file side of the recorder. *rotation.Writer implements it.
type Output interface {
	Open() error
	Write(key string, receivedAt time.Time, envelope []byte) (int, error)
	Tick() error
	Close() error
	Rotations() int
}

// Config tunes the queue.
type Config struct {
	LowWatermark  int
	HighWatermark int
	PollInterval  time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Recorder buffers samples between bus callbacks and the writer goroutine.
type Recorder struct {
	out     Output
	logger  *slog.Logger
	metrics *metrics.Metrics
	low     int
	high    int
	poll    time.Duration

	queue chan Sample

	mu        sync.RWMutex
	accepting bool

	aboveLow     atomic.Bool
	overflowOnce sync.Once
	overflow     chan struct{}

	countsMu sync.Mutex
	counts   map[string]int
}

// New creates a recorder writing to out. Zero config values take defaults.
func New(out Output, cfg Config) (*Recorder, error) {
	low, high := cfg.LowWatermark, cfg.HighWatermark
	if low <= 0 {
		low = DefaultLowWatermark
	}
	if high <= 0 {
		high = DefaultHighWatermark
	}
	if low >= high {
		return nil, fmt.Errorf("low watermark (%d) must be below high watermark (%d)", low, high)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Recorder{
		out:       out,
		logger:    logger,
		metrics:   cfg.Metrics,
		low:       low,
		high:      high,
		poll:      poll,
		queue:     make(chan Sample, high),
		accepting: true,
		overflow:  make(chan struct{}),
		counts:    make(map[string]int),
	}, nil
}

// Enqueue hands a sample to the writer. It never blocks. It is safe to call
// from many goroutines.
func (r *Recorder) Enqueue(s Sample) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.accepting {
		return ErrClosed
	}

	select {
	case r.queue <- s:
	default:
		r.overflowOnce.Do(func() {
			r.logger.Error("queue reached high watermark, stopping", "depth", len(r.queue), "high_watermark", r.high)
			close(r.overflow)
		})
		return ErrCapacity
	}

	depth := len(r.queue)
	r.metrics.SetQueueDepth(depth)
	if depth >= r.low && r.aboveLow.CompareAndSwap(false, true) {
		r.logger.Warn("queue above low watermark, writer is falling behind", "depth", depth, "low_watermark", r.low)
	}
	return nil
}

// Depth returns the number of queued samples.
func (r *Recorder) Depth() int {
	return len(r.queue)
}

// TakeCounts returns the samples written per key since the previous call.
func (r *Recorder) TakeCounts() map[string]int {
	r.countsMu.Lock()
	defer r.countsMu.Unlock()
	out := r.counts
	r.counts = make(map[string]int, len(out))
	return out
}

// Run opens the output and writes queued samples until ctx is cancelled,
// then stops accepting, drains the queue and closes the output. It returns
// ErrCapacity if the queue overflowed, or the first unrecoverable write or
// rotation error. The output is closed in every case.
func (r *Recorder) Run(ctx context.Context) error {
	if err := r.out.Open(); err != nil {
		r.stopAccepting()
		return err
	}

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-r.overflow:
			r.stopAccepting()
			closeErr := r.out.Close()
			return errors.Join(fmt.Errorf("%w (high watermark %d)", ErrCapacity, r.high), closeErr)

		case <-ctx.Done():
			r.stopAccepting()
			n, err := r.drain()
			if err != nil {
				return errors.Join(err, r.out.Close())
			}
			r.logger.Info("recorder drained", "samples", n)
			return r.out.Close()

		case s := <-r.queue:
			if err := r.write(s); err != nil {
				r.stopAccepting()
				return errors.Join(err, r.out.Close())
			}

		case <-ticker.C:
			before := r.out.Rotations()
			if err := r.out.Tick(); err != nil {
				r.stopAccepting()
				return errors.Join(err, r.out.Close())
			}
			if r.out.Rotations() != before {
				r.metrics.Rotated()
			}
		}
	}
}

// stopAccepting waits for in-flight Enqueue calls, after which the queue
// can only shrink.
func (r *Recorder) stopAccepting() {
	r.mu.Lock()
	r.accepting = false
	r.mu.Unlock()
}

func (r *Recorder) drain() (int, error) {
	n := 0
	for {
		select {
		case s := <-r.queue:
			if err := r.write(s); err != nil {
				return n, err
			}
			n++
		default:
			return n, nil
		}
	}
}

func (r *Recorder) write(s Sample) error {
	depth := len(r.queue)
	r.metrics.SetQueueDepth(depth)
	if depth < r.low {
		r.aboveLow.Store(false)
	}

	before := r.out.Rotations()
	n, err := r.out.Write(s.Key, s.ReceivedAt, s.Payload)
	if r.out.Rotations() != before {
		r.metrics.Rotated()
	}
	if err != nil {
		if IsRecoverable(err) {
			r.logger.Warn("skipping record", "key", s.Key, "err", err)
			r.metrics.Skip(skipReason(err))
			return nil
		}
		return err
	}

	r.metrics.Written(n)
	r.countsMu.Lock()
	r.counts[s.Key]++
	r.countsMu.Unlock()
	return nil
}

// IsRecoverable reports whether err only affects a single record.
func IsRecoverable(err error) bool {
	return errors.Is(err, envelope.ErrDecode) ||
		errors.Is(err, keys.ErrMalformedKey) ||
		errors.Is(err, klog.ErrDecode)
}

func skipReason(err error) string {
	if errors.Is(err, keys.ErrMalformedKey) {
		return "malformed_key"
	}
	return "decode"
}
