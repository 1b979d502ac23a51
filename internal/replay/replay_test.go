package replay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/RISE-Maritime/keelson-sub001/internal/envelope"
	"github.com/RISE-Maritime/keelson-sub001/internal/klog"
	"github.com/RISE-Maritime/keelson-sub001/internal/mcaplog"
	"github.com/RISE-Maritime/keelson-sub001/internal/schema"
	"github.com/RISE-Maritime/keelson-sub001/internal/subjects"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func key(i int) string {
	return fmt.Sprintf("rise/@v0/boat/pubsub/foo/%d", i)
}

// writeKlog records n messages one second apart, starting at base.
func writeKlog(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rec.klog")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := klog.NewWriter(f)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		env := envelope.Enclose([]byte(fmt.Sprintf("p%d", i)), ts.Add(-time.Millisecond))
		if _, err := w.WriteMessage(ts, key(i), env); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeMCAP(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rec.mcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := mcaplog.NewWriter(f, schema.NewResolver(subjects.New(nil), testLogger()), testLogger(), mcaplog.Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		if _, err := w.WriteMessage(key(i), ts, ts.Add(-time.Millisecond), []byte(fmt.Sprintf("p%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
		c.slept += d
	}
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type published struct {
	key        string
	payload    string
	enclosedAt time.Time
	at         time.Time
}

type recordingPublisher struct {
	clock   *fakeClock
	latency time.Duration
	out     []published
	// after, when set, is called after every publish.
	after func(n int)
}

func (p *recordingPublisher) Publish(key string, data []byte) error {
	env, err := envelope.Unmarshal(data)
	if err != nil {
		return err
	}
	var at time.Time
	if p.clock != nil {
		at = p.clock.Now()
		p.clock.advance(p.latency)
	}
	p.out = append(p.out, published{key: key, payload: string(env.Payload), enclosedAt: env.EnclosedAt, at: at})
	if p.after != nil {
		p.after(len(p.out))
	}
	return nil
}

func TestTimeWindowIsInclusive(t *testing.T) {
	for name, path := range map[string]string{
		"klog": writeKlog(t, 10),
		"mcap": writeMCAP(t, 10),
	} {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
			pub := &recordingPublisher{}
			e, err := New(FileOpener(path), pub, Options{
				Start:  base.Add(3 * time.Second),
				End:    base.Add(6 * time.Second),
				Clock:  clock,
				Logger: testLogger(),
			})
			if err != nil {
				t.Fatal(err)
			}
			stats, err := e.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if stats.Published != 4 || len(pub.out) != 4 {
				t.Fatalf("published %d, want 4", len(pub.out))
			}
			for i, p := range pub.out {
				want := i + 3
				if p.key != key(want) || p.payload != fmt.Sprintf("p%d", want) {
					t.Errorf("record %d = %s %s, want %s", i, p.key, p.payload, key(want))
				}
				// Without looping, original enclosure times are kept.
				if wantAt := base.Add(time.Duration(want)*time.Second - time.Millisecond); !p.enclosedAt.Equal(wantAt) {
					t.Errorf("record %d enclosed at %v, want %v", i, p.enclosedAt, wantAt)
				}
			}
			// Paced by log time deltas between published records only.
			if clock.slept != 3*time.Second {
				t.Errorf("slept %v, want 3s", clock.slept)
			}
		})
	}
}

func TestKeyFilterAndTag(t *testing.T) {
	path := writeKlog(t, 5)
	pub := &recordingPublisher{}
	e, err := New(FileOpener(path), pub, Options{
		Keys:     []string{key(1), key(3)},
		Tag:      DefaultTag,
		NoPacing: true,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pub.out) != 2 {
		t.Fatalf("published %d, want 2", len(pub.out))
	}
	if pub.out[0].key != key(1)+"/replay" || pub.out[1].key != key(3)+"/replay" {
		t.Errorf("keys = %s, %s", pub.out[0].key, pub.out[1].key)
	}
}

func TestLoopRebasesTimestamps(t *testing.T) {
	const n = 3
	path := writeKlog(t, n)

	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &recordingPublisher{
		clock:   clock,
		latency: 10 * time.Millisecond,
		after: func(count int) {
			if count == 2*n {
				cancel()
			}
		},
	}
	e, err := New(FileOpener(path), pub, Options{Loop: true, Clock: clock, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	stats, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Published != 2*n || stats.Loops < 2 {
		t.Fatalf("stats = %+v", stats)
	}

	lastOfFirst := pub.out[n-1]
	firstOfSecond := pub.out[n]
	if firstOfSecond.payload != "p0" {
		t.Fatalf("second loop started with %s", firstOfSecond.payload)
	}
	if !firstOfSecond.enclosedAt.After(lastOfFirst.at) {
		t.Errorf("second loop timestamp %v is not after first loop's last publish %v",
			firstOfSecond.enclosedAt, lastOfFirst.at)
	}
	for i := 1; i < len(pub.out); i++ {
		if !pub.out[i].enclosedAt.After(pub.out[i-1].enclosedAt) {
			t.Errorf("timestamps not increasing at %d: %v then %v", i, pub.out[i-1].enclosedAt, pub.out[i].enclosedAt)
		}
	}
	// Replayed timestamps reflect the replay clock, not the recording date.
	if !pub.out[0].enclosedAt.Equal(start) {
		t.Errorf("first loop enclosed at %v, want %v", pub.out[0].enclosedAt, start)
	}
}

func TestLoopWithoutPacingStampsCurrentTime(t *testing.T) {
	const n = 3
	path := writeKlog(t, n)

	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub := &recordingPublisher{
		clock:   clock,
		latency: 10 * time.Millisecond,
		after: func(count int) {
			if count == 2*n {
				cancel()
			}
		},
	}
	e, err := New(FileOpener(path), pub, Options{Loop: true, NoPacing: true, Clock: clock, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(pub.out) != 2*n {
		t.Fatalf("published %d, want %d", len(pub.out), 2*n)
	}
	// The recording is spaced one second apart; stamps must follow the
	// replay clock instead of running ahead of it.
	for i, p := range pub.out {
		if !p.enclosedAt.Equal(p.at) {
			t.Errorf("record %d enclosed at %v, published at %v", i, p.enclosedAt, p.at)
		}
	}
	if clock.slept != 0 {
		t.Errorf("slept %v without pacing", clock.slept)
	}
}

func TestCancelInterruptsPacing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slow.klog")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := klog.NewWriter(f)
	for i := 0; i < 2; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		if _, err := w.WriteMessage(ts, key(i), envelope.Enclose(nil, ts)); err != nil {
			t.Fatal(err)
		}
	}
	w.Flush()
	f.Close()

	pub := &recordingPublisher{}
	e, err := New(FileOpener(path), pub, Options{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := e.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run took %v after cancellation", elapsed)
	}
	if len(pub.out) != 1 {
		t.Errorf("published %d, want 1", len(pub.out))
	}
}

func TestSkipsUndecodableEnvelopes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.klog")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := klog.NewWriter(f)
	w.WriteMessage(base, key(0), []byte{0xff, 0xff})
	w.WriteMessage(base, key(1), envelope.Enclose([]byte("ok"), base))
	w.Flush()
	f.Close()

	pub := &recordingPublisher{}
	e, err := New(FileOpener(path), pub, Options{NoPacing: true, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	stats, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Published != 1 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want 1 published 1 skipped", stats)
	}
}

func TestInvalidWindow(t *testing.T) {
	_, err := New(FileOpener("x.mcap"), &recordingPublisher{}, Options{Start: base.Add(time.Second), End: base})
	if err == nil {
		t.Fatal("expected error for end before start")
	}
}

func TestMissingFile(t *testing.T) {
	e, err := New(FileOpener(filepath.Join(t.TempDir(), "missing.mcap")), &recordingPublisher{}, Options{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing file")
	}
}
