// Package archive uploads finished recording files to long-term storage.
// Files are handed over as they are closed; uploads run on a background
// worker so the recorder's writer never waits on the network.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Destination receives closed files.
type Destination interface {
	Upload(ctx context.Context, name string, body io.Reader, size int64) error
}

// Options tunes an Uploader.
type Options struct {
	// RetryInterval is how often failed uploads are retried.
	RetryInterval time.Duration
	// DeleteAfterUpload removes the local file once stored.
	DeleteAfterUpload bool
	QueueSize         int
}

// Uploader moves closed files to a Destination.
type Uploader struct {
	dest   Destination
	opts   Options
	logger *slog.Logger

	queue chan string

	mu      sync.Mutex
	failed  []string
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewUploader creates an uploader. Call Start before Enqueue.
func NewUploader(dest Destination, opts Options, logger *slog.Logger) *Uploader {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = time.Minute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		dest:   dest,
		opts:   opts,
		logger: logger,
		queue:  make(chan string, opts.QueueSize),
	}
}

// Start begins uploading in the background.
func (u *Uploader) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.run(ctx)
	}()
}

// Enqueue schedules path for upload. It never blocks; when the queue is full
// the file waits for the next retry round.
func (u *Uploader) Enqueue(path string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped {
		u.logger.Warn("archive stopped, not uploading", "path", path)
		return
	}
	select {
	case u.queue <- path:
	default:
		u.failed = append(u.failed, path)
	}
}

// Stop finishes queued and pending uploads, then returns.
func (u *Uploader) Stop() {
	u.mu.Lock()
	u.stopped = true
	u.mu.Unlock()
	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()
}

// Pending returns files whose upload has failed and awaits retry.
func (u *Uploader) Pending() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.failed...)
}

func (u *Uploader) run(ctx context.Context) {
	ticker := time.NewTicker(u.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			u.finish()
			return
		case path := <-u.queue:
			u.upload(context.Background(), path)
		case <-ticker.C:
			u.retry(ctx)
		}
	}
}

// finish drains the queue and makes one last attempt at failed files.
func (u *Uploader) finish() {
	for {
		select {
		case path := <-u.queue:
			u.upload(context.Background(), path)
		default:
			u.retry(context.Background())
			if n := len(u.Pending()); n > 0 {
				u.logger.Warn("archive stopped with files not uploaded", "files", n)
			}
			return
		}
	}
}

func (u *Uploader) retry(ctx context.Context) {
	u.mu.Lock()
	paths := u.failed
	u.failed = nil
	u.mu.Unlock()

	for _, p := range paths {
		u.upload(ctx, p)
	}
}

func (u *Uploader) upload(ctx context.Context, path string) {
	start := time.Now()
	if err := u.put(ctx, path); err != nil {
		u.logger.Error("archive upload failed", "path", path, "err", err)
		u.mu.Lock()
		u.failed = append(u.failed, path)
		u.mu.Unlock()
		return
	}
	u.logger.Info("archived file", "path", path, "elapsed", time.Since(start))

	if u.opts.DeleteAfterUpload {
		if err := os.Remove(path); err != nil {
			u.logger.Warn("removing archived file", "path", path, "err", err)
		}
	}
}

func (u *Uploader) put(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return u.dest.Upload(ctx, filepath.Base(path), f, info.Size())
}
