package rotation

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// maxNameAttempts bounds the search for a free file name within one second
// of wall time.
const maxNameAttempts = 1000

// Sink is one open output file in a concrete format.
type Sink interface {
	// Write appends one message and returns the bytes it accounts for.
	Write(key string, receivedAt time.Time, envelope []byte) (int, error)
	// Close finalizes the format. It must not close the underlying file.
	Close() error
}

// NewSinkFunc starts a format on a freshly created file.
type NewSinkFunc func(w io.Writer, path string) (Sink, error)

// Config configures a Writer.
type Config struct {
	Policy  Policy
	Namer   *Namer
	NewSink NewSinkFunc
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// OnClose, when set, is called with the path of every file after it has
	// been finalized and closed.
	OnClose func(path string)
}

// Writer owns the current output file. All methods except RequestRotation
// must be called from a single goroutine.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	file       *os.File
	sink       Sink
	path       string
	openedAt   time.Time
	rolloverAt time.Time
	written    int64
	rotations  int

	requested atomic.Bool
}

// NewWriter validates cfg. No file is created until Open.
func NewWriter(cfg Config) (*Writer, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Namer == nil {
		return nil, errors.New("rotation: namer is required")
	}
	if cfg.NewSink == nil {
		return nil, errors.New("rotation: sink constructor is required")
	}
	w := &Writer{cfg: cfg, logger: cfg.Logger, now: cfg.Now}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w, nil
}

// Open creates the first output file.
func (w *Writer) Open() error {
	if w.sink != nil {
		return errors.New("rotation: already open")
	}
	if err := os.MkdirAll(w.cfg.Namer.Dir(), 0o755); err != nil {
		return fmt.Errorf("%w: creating output folder: %v", ErrFileSystem, err)
	}
	return w.open()
}

// Write appends one message, rotating first if the previous write reached
// the size threshold.
func (w *Writer) Write(key string, receivedAt time.Time, envelope []byte) (int, error) {
	if w.sink == nil {
		return 0, errors.New("rotation: writer is not open")
	}
	if w.cfg.Policy.MaxBytes > 0 && w.written >= w.cfg.Policy.MaxBytes {
		w.logger.Info("rotation triggered by size threshold", "bytes_written", w.written, "max_bytes", w.cfg.Policy.MaxBytes)
		if err := w.Rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.sink.Write(key, receivedAt, envelope)
	w.written += int64(n)
	return n, err
}

// RequestRotation asks for a rotation at the next Tick. It is safe to call
// from any goroutine, including signal handling.
func (w *Writer) RequestRotation() {
	w.requested.Store(true)
}

// Tick rotates if a rotation was requested or the time threshold passed.
// Call it on a fixed cadence so idle files still rotate.
func (w *Writer) Tick() error {
	if w.sink == nil {
		return nil
	}
	if w.requested.Swap(false) {
		w.logger.Info("rotation triggered by request")
		return w.Rotate()
	}
	if !w.rolloverAt.IsZero() && !w.now().Before(w.rolloverAt) {
		w.logger.Info("rotation triggered by time threshold", "rollover_at", w.rolloverAt)
		return w.Rotate()
	}
	return nil
}

// Rotate closes the current file and opens the next one.
func (w *Writer) Rotate() error {
	start := time.Now()
	if err := w.closeCurrent(); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}
	w.rotations++
	w.logger.Info("rotation completed", "path", w.path, "elapsed", time.Since(start))
	return nil
}

// Close finalizes the current file. It is safe to call more than once.
func (w *Writer) Close() error {
	if w.sink == nil {
		return nil
	}
	return w.closeCurrent()
}

// Path returns the current file path.
func (w *Writer) Path() string {
	return w.path
}

// Written returns the bytes accounted to the current file.
func (w *Writer) Written() int64 {
	return w.written
}

// Rotations returns how many rotations have completed.
func (w *Writer) Rotations() int {
	return w.rotations
}

func (w *Writer) open() error {
	now := w.now()
	f, path, err := w.create(now)
	if err != nil {
		return err
	}
	sink, err := w.cfg.NewSink(f, path)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: starting %s: %v", ErrFileSystem, path, err)
	}

	w.file = f
	w.sink = sink
	w.path = path
	w.openedAt = now
	w.rolloverAt = w.cfg.Policy.NextRollover(now)
	w.written = 0

	w.logger.Info("opened output file", "path", path)
	if !w.rolloverAt.IsZero() {
		w.logger.Debug("next time-based rollover", "at", w.rolloverAt)
	}
	return nil
}

func (w *Writer) create(now time.Time) (*os.File, string, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		path := w.cfg.Namer.Path(now, attempt)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		return nil, "", fmt.Errorf("%w: creating %s: %v", ErrFileSystem, path, err)
	}
	return nil, "", fmt.Errorf("%w: no free file name after %d attempts", ErrFileSystem, maxNameAttempts)
}

func (w *Writer) closeCurrent() error {
	sink, f, path := w.sink, w.file, w.path
	w.sink, w.file = nil, nil

	sinkErr := sink.Close()
	syncErr := f.Sync()
	closeErr := f.Close()
	if err := errors.Join(sinkErr, syncErr, closeErr); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrFileSystem, path, err)
	}

	w.logger.Info("closed output file", "path", path, "bytes_written", w.written)
	if w.cfg.OnClose != nil {
		w.cfg.OnClose(path)
	}
	return nil
}
