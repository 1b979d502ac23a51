// Package mcaplog writes and reads MCAP recordings of bus traffic. Each
// distinct key gets its own channel; channels for the same subject share a
// schema.
package mcaplog

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/RISE-Maritime/keelson-sub001/internal/keys"
	"github.com/RISE-Maritime/keelson-sub001/internal/schema"
	"github.com/foxglove/mcap/go/mcap"
)

// Profile is written to every file header.
const Profile = "keelson"

// messageOverhead approximates the per-message record overhead used for size
// accounting. Chunked output is buffered, so exact file offsets lag behind.
const messageOverhead = 24

// Compression names accepted by Options.
const (
	CompressionZSTD = "zstd"
	CompressionLZ4  = "lz4"
	CompressionNone = "none"
)

// Options configures the container layout.
type Options struct {
	Compression string
	ChunkSize   int64
	Library     string
	// Metadata is written as a "session" metadata record after the header.
	Metadata map[string]string
}

// ParseCompression validates a compression name.
func ParseCompression(s string) (mcap.CompressionFormat, error) {
	switch s {
	case CompressionZSTD, "":
		return mcap.CompressionZSTD, nil
	case CompressionLZ4:
		return mcap.CompressionLZ4, nil
	case CompressionNone:
		return mcap.CompressionNone, nil
	default:
		return "", fmt.Errorf("unknown compression %q (want zstd, lz4 or none)", s)
	}
}

// Writer multiplexes messages into a single MCAP file. It is not safe for
// concurrent use; the recorder owns it from a single goroutine.
type Writer struct {
	w        *mcap.Writer
	resolver *schema.Resolver
	logger   *slog.Logger

	schemas  map[string]uint16 // subject -> schema id
	channels map[string]uint16 // key -> channel id
	sequence map[uint16]uint32

	nextSchemaID  uint16
	nextChannelID uint16
	written       int64
}

// NewWriter writes the file header (and optional session metadata) to out.
func NewWriter(out io.Writer, resolver *schema.Resolver, logger *slog.Logger, opts Options) (*Writer, error) {
	compression, err := ParseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1024 * 1024
	}

	w, err := mcap.NewWriter(out, &mcap.WriterOptions{
		Chunked:     true,
		ChunkSize:   chunkSize,
		Compression: compression,
		IncludeCRC:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating mcap writer: %w", err)
	}

	library := opts.Library
	if library == "" {
		library = "keelson"
	}
	if err := w.WriteHeader(&mcap.Header{Profile: Profile, Library: library}); err != nil {
		return nil, fmt.Errorf("writing mcap header: %w", err)
	}
	if len(opts.Metadata) > 0 {
		if err := w.WriteMetadata(&mcap.Metadata{Name: "session", Metadata: opts.Metadata}); err != nil {
			return nil, fmt.Errorf("writing mcap metadata: %w", err)
		}
	}

	return &Writer{
		w:             w,
		resolver:      resolver,
		logger:        logger,
		schemas:       make(map[string]uint16),
		channels:      make(map[string]uint16),
		sequence:      make(map[uint16]uint32),
		nextSchemaID:  1,
		nextChannelID: 1,
	}, nil
}

// WriteMessage appends one message on the channel for key, registering the
// schema and channel on first use. It returns the approximate number of bytes
// the message adds to the file.
func (w *Writer) WriteMessage(key string, logTime, publishTime time.Time, data []byte) (int, error) {
	channelID, err := w.channel(key)
	if err != nil {
		return 0, err
	}

	seq := w.sequence[channelID]
	w.sequence[channelID] = seq + 1

	if err := w.w.WriteMessage(&mcap.Message{
		ChannelID:   channelID,
		Sequence:    seq,
		LogTime:     toNanos(logTime),
		PublishTime: toNanos(publishTime),
		Data:        data,
	}); err != nil {
		return 0, fmt.Errorf("writing message on %s: %w", key, err)
	}

	n := len(data) + messageOverhead
	w.written += int64(n)
	return n, nil
}

// Written returns the approximate bytes written so far.
func (w *Writer) Written() int64 {
	return w.written
}

// Channels returns the number of channels registered in this file.
func (w *Writer) Channels() int {
	return len(w.channels)
}

// Schemas returns the number of schemas registered in this file.
func (w *Writer) Schemas() int {
	return len(w.schemas)
}

// Close writes the summary and footer. It does not close the underlying
// writer.
func (w *Writer) Close() error {
	if err := w.w.Close(); err != nil {
		return fmt.Errorf("closing mcap writer: %w", err)
	}
	return nil
}

func (w *Writer) channel(key string) (uint16, error) {
	if id, ok := w.channels[key]; ok {
		return id, nil
	}

	subject, err := keys.SubjectFromPubSubKey(key)
	if err != nil {
		return 0, err
	}

	schemaID, err := w.schema(subject)
	if err != nil {
		return 0, err
	}

	id := w.nextChannelID
	if err := w.w.WriteChannel(&mcap.Channel{
		ID:              id,
		SchemaID:        schemaID,
		Topic:           key,
		MessageEncoding: schema.MessageEncodingProtobuf,
		Metadata:        map[string]string{},
	}); err != nil {
		return 0, fmt.Errorf("registering channel %s: %w", key, err)
	}
	w.nextChannelID++
	w.channels[key] = id
	w.logger.Debug("registered channel", "key", key, "channel_id", id, "schema_id", schemaID)
	return id, nil
}

func (w *Writer) schema(subject string) (uint16, error) {
	if id, ok := w.schemas[subject]; ok {
		return id, nil
	}

	def := w.resolver.Resolve(subject)
	id := w.nextSchemaID
	if err := w.w.WriteSchema(&mcap.Schema{
		ID:       id,
		Name:     def.Name,
		Encoding: def.Encoding,
		Data:     def.Data,
	}); err != nil {
		return 0, fmt.Errorf("registering schema for %s: %w", subject, err)
	}
	w.nextSchemaID++
	w.schemas[subject] = id
	return id, nil
}

func toNanos(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	n := t.UnixNano()
	if n < 0 {
		return 0
	}
	return uint64(n)
}
