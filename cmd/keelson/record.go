package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RISE-Maritime/keelson-sub001/internal/archive"
	"github.com/RISE-Maritime/keelson-sub001/internal/bus"
	"github.com/RISE-Maritime/keelson-sub001/internal/config"
	"github.com/RISE-Maritime/keelson-sub001/internal/idgen"
	"github.com/RISE-Maritime/keelson-sub001/internal/keys"
	"github.com/RISE-Maritime/keelson-sub001/internal/mcaplog"
	"github.com/RISE-Maritime/keelson-sub001/internal/recorder"
	"github.com/RISE-Maritime/keelson-sub001/internal/rotation"
	"github.com/RISE-Maritime/keelson-sub001/internal/schema"
	"github.com/RISE-Maritime/keelson-sub001/internal/subjects"
	"github.com/RISE-Maritime/keelson-sub001/internal/ui"
)

type outputFormat int

const (
	formatMCAP outputFormat = iota
	formatKlog
)

const queryTimeout = 5 * time.Second

var recordCmd = &cobra.Command{
	Use:     "record",
	GroupID: "record",
	Short:   "Record bus traffic to MCAP files",
	Long: `Subscribe to one or more keys and write every sample to rotating MCAP
files. Well-known subjects are stored with their protobuf schema; anything
else is stored self-described.

Send SIGHUP to force a rotation. SIGINT and SIGTERM flush queued samples
and finalize the current file before exiting.`,
	Example: `  keelson record -k 'rise/@v0/boatswain/pubsub/**' --output-folder /data --rotate-when H
  keelson record -k 'rise/@v0/**' --output-folder /data --rotate-size 500MB --compression lz4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecordCmd(cmd, formatMCAP)
	},
}

var recordKlogCmd = &cobra.Command{
	Use:     "record-klog",
	GroupID: "record",
	Short:   "Record bus traffic to append-only klog files",
	Long: `Like record, but writes the raw enveloped samples as length-prefixed
records. klog files are trivially appendable and survive abrupt termination
with at most the last record lost.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRecordCmd(cmd, formatKlog)
	},
}

func init() {
	addRecordFlags(recordCmd, formatMCAP)
	addRecordFlags(recordKlogCmd, formatKlog)
}

func addRecordFlags(cmd *cobra.Command, format outputFormat) {
	f := cmd.Flags()
	f.StringArrayP("key", "k", nil, "key expression to record (repeatable)")
	f.String("output-folder", ".", "folder for recording files")
	f.String("file-name", rotation.DefaultPattern, "strftime file name template; %f is microseconds")
	f.Bool("query", false, "query each key once at startup and record the replies")
	f.Bool("show-frequencies", false, "periodically print per-key message frequencies")
	f.Duration("frequency-interval", 10*time.Second, "window for --show-frequencies")
	f.StringArray("subjects", nil, "YAML subject table (repeatable)")
	f.StringArray("extra-subjects-types", nil, "subjects.yaml,descriptors.bin pair; the descriptor part may be empty (repeatable)")
	f.String("rotate-when", "", "time-based rotation unit: S, M, H, D, midnight or W0-W6 (W0 = Monday)")
	f.Int("rotate-interval", 1, "number of --rotate-when units between rotations")
	f.String("rotate-size", "", "rotate once a file reaches this size (e.g. 500MB, 1GB)")
	f.String("pid-file", "", "write the process id here while recording")
	f.Int("low-watermark", recorder.DefaultLowWatermark, "queue depth that triggers a warning")
	f.Int("high-watermark", recorder.DefaultHighWatermark, "queue depth that stops recording")
	f.String("s3-bucket", "", "upload closed files to this S3 bucket")
	f.String("s3-prefix", "", "object key prefix for uploads")
	f.Bool("s3-delete", false, "delete local files after a successful upload")
	if format == formatMCAP {
		f.String("compression", mcaplog.CompressionZSTD, "chunk compression: zstd, lz4 or none")
		f.Int64("chunk-size", 1024*1024, "target uncompressed chunk size in bytes")
	}
}

func runRecordCmd(cmd *cobra.Command, format outputFormat) error {
	if err := applyRecordFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.ValidateRecord(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	return record(ctx, cfg, format, hup, cmd.OutOrStdout(), logger)
}

// applyRecordFlags copies the record flags the user set onto c.
func applyRecordFlags(cmd *cobra.Command, c *config.Config) error {
	f := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && f.Changed(name) {
			err = apply()
		}
	}
	set("key", func() (e error) { c.Record.Keys, e = f.GetStringArray("key"); return })
	set("output-folder", func() (e error) { c.Record.OutputFolder, e = f.GetString("output-folder"); return })
	set("file-name", func() (e error) { c.Record.FileName, e = f.GetString("file-name"); return })
	set("query", func() (e error) { c.Record.Query, e = f.GetBool("query"); return })
	set("show-frequencies", func() (e error) { c.Record.ShowFrequencies, e = f.GetBool("show-frequencies"); return })
	set("frequency-interval", func() (e error) { c.Record.FrequencyInterval, e = f.GetDuration("frequency-interval"); return })
	set("subjects", func() (e error) { c.Record.Subjects, e = f.GetStringArray("subjects"); return })
	set("extra-subjects-types", func() (e error) {
		c.Record.ExtraSubjectsTypes, e = f.GetStringArray("extra-subjects-types")
		return
	})
	set("rotate-when", func() (e error) { c.Rotation.When, e = f.GetString("rotate-when"); return })
	set("rotate-interval", func() (e error) { c.Rotation.Interval, e = f.GetInt("rotate-interval"); return })
	set("rotate-size", func() (e error) { c.Rotation.Size, e = f.GetString("rotate-size"); return })
	set("pid-file", func() (e error) { c.Record.PIDFile, e = f.GetString("pid-file"); return })
	set("low-watermark", func() (e error) { c.Record.LowWatermark, e = f.GetInt("low-watermark"); return })
	set("high-watermark", func() (e error) { c.Record.HighWatermark, e = f.GetInt("high-watermark"); return })
	set("compression", func() (e error) { c.Record.Compression, e = f.GetString("compression"); return })
	set("chunk-size", func() (e error) { c.Record.ChunkSize, e = f.GetInt64("chunk-size"); return })
	set("s3-bucket", func() (e error) { c.S3.Bucket, e = f.GetString("s3-bucket"); return })
	set("s3-prefix", func() (e error) { c.S3.Prefix, e = f.GetString("s3-prefix"); return })
	set("s3-delete", func() (e error) { c.S3.DeleteAfterUpload, e = f.GetBool("s3-delete"); return })
	return err
}

// loadResolver builds the schema resolver from the subject tables and
// descriptor sets named in c.
func loadResolver(c config.RecordConfig, logger *slog.Logger) (*schema.Resolver, error) {
	paths := append([]string(nil), c.Subjects...)
	var descriptors []string
	for _, pair := range c.ExtraSubjectsTypes {
		subjectsPath, descriptorPath, err := splitSubjectsTypes(pair)
		if err != nil {
			return nil, err
		}
		paths = append(paths, subjectsPath)
		if descriptorPath != "" {
			descriptors = append(descriptors, descriptorPath)
		}
	}

	reg, err := subjects.Load(paths...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if reg.Len() == 0 {
		logger.Warn("no well-known subjects loaded, every message will be stored self-described")
	}

	resolver := schema.NewResolver(reg, logger)
	for _, path := range descriptors {
		if err := resolver.LoadDescriptorSet(path); err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
	}
	return resolver, nil
}

// splitSubjectsTypes splits "subjects.yaml,descriptors.bin". The descriptor
// part is optional.
func splitSubjectsTypes(pair string) (subjectsPath, descriptorPath string, err error) {
	subjectsPath, descriptorPath, _ = strings.Cut(pair, ",")
	subjectsPath = strings.TrimSpace(subjectsPath)
	descriptorPath = strings.TrimSpace(descriptorPath)
	if subjectsPath == "" || strings.Contains(descriptorPath, ",") {
		return "", "", fmt.Errorf("%w: extra subjects types %q: want subjects.yaml[,descriptors.bin]", config.ErrInvalid, pair)
	}
	return subjectsPath, descriptorPath, nil
}

// record runs one recording session until ctx is done or a fatal error
// occurs. Every receive on hup requests a rotation.
func record(ctx context.Context, c *config.Config, format outputFormat, hup <-chan os.Signal, stdout io.Writer, logger *slog.Logger) error {
	var resolver *schema.Resolver
	if format == formatMCAP {
		var err error
		if resolver, err = loadResolver(c.Record, logger); err != nil {
			return err
		}
	}

	recorderID, err := idgen.NewRecorderID()
	if err != nil {
		return err
	}
	logger = logger.With("recorder", recorderID)

	obs, err := startObservability(c.Metrics, logger)
	if err != nil {
		return err
	}
	defer obs.stop()

	var uploader *archive.Uploader
	if c.S3.Bucket != "" {
		dest, err := archive.NewS3Destination(ctx, c.S3.Bucket, c.S3.Prefix, c.S3.Region, c.S3.Endpoint)
		if err != nil {
			return err
		}
		uploader = archive.NewUploader(dest, archive.Options{
			RetryInterval:     c.S3.RetryInterval,
			DeleteAfterUpload: c.S3.DeleteAfterUpload,
		}, logger)
		uploader.Start()
		logger.Info("archiving closed files", "bucket", c.S3.Bucket, "prefix", c.S3.Prefix)
	}

	ext, newSink := recorder.KlogExtension, recorder.KlogFormat()
	if format == formatMCAP {
		ext = recorder.MCAPExtension
		newSink = recorder.MCAPFormat(resolver, logger, mcaplog.Options{
			Compression: c.Record.Compression,
			ChunkSize:   c.Record.ChunkSize,
			Library:     "keelson",
			Metadata: map[string]string{
				"recorder_id": recorderID,
				"keys":        strings.Join(c.Record.Keys, ","),
				"started_at":  time.Now().UTC().Format(time.RFC3339Nano),
			},
		})
	}

	policy, err := c.RotationPolicy()
	if err != nil {
		return err
	}
	namer, err := rotation.NewNamer(c.Record.OutputFolder, c.Record.FileName, ext)
	if err != nil {
		return err
	}
	writer, err := rotation.NewWriter(rotation.Config{
		Policy:  policy,
		Namer:   namer,
		NewSink: newSink,
		Logger:  logger,
		OnClose: func(path string) {
			if uploader != nil {
				uploader.Enqueue(path)
			}
		},
	})
	if err != nil {
		return err
	}

	rec, err := recorder.New(writer, recorder.Config{
		LowWatermark:  c.Record.LowWatermark,
		HighWatermark: c.Record.HighWatermark,
		Logger:        logger,
		Metrics:       obs.metrics,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	session, err := bus.Connect(c.Bus.URL, logger)
	if err != nil {
		return err
	}

	enqueue := func(s bus.Sample) {
		err := rec.Enqueue(recorder.Sample{Key: s.Key, Payload: s.Payload, ReceivedAt: s.ReceivedAt})
		if err != nil && !errors.Is(err, recorder.ErrClosed) && !errors.Is(err, recorder.ErrCapacity) {
			logger.Warn("enqueue failed", "key", s.Key, "err", err)
		}
	}

	var unsubscribe []func()
	for _, key := range c.Record.Keys {
		unsub, err := session.Subscribe(key, enqueue)
		if err != nil {
			_ = session.Close()
			return err
		}
		unsubscribe = append(unsubscribe, unsub)
		logger.Info("recording", "key", key)
	}

	if c.RPC.Realm != "" && c.RPC.Entity != "" {
		rotateKey := keys.ConstructRPCKey(c.RPC.Realm, c.RPC.Entity, "rotate", recorderID)
		unsub, err := session.DeclareQueryable(rotateKey, func(string, []byte) ([]byte, error) {
			writer.RequestRotation()
			return []byte("ok"), nil
		})
		if err != nil {
			_ = session.Close()
			return err
		}
		unsubscribe = append(unsubscribe, unsub)
	}

	if c.Record.PIDFile != "" {
		if err := rotation.WritePIDFile(c.Record.PIDFile); err != nil {
			_ = session.Close()
			return err
		}
		defer func() {
			if err := rotation.RemovePIDFile(c.Record.PIDFile); err != nil {
				logger.Warn("removing pid file", "err", err)
			}
		}()
	}

	if c.Record.Query {
		for _, key := range c.Record.Keys {
			queryKey(ctx, session, key, rec, logger)
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				logger.Info("rotation requested by signal")
				writer.RequestRotation()
			}
		}
	}()

	if c.Record.ShowFrequencies {
		go reportFrequencies(ctx, rec, c.Record.FrequencyInterval, stdout)
	}

	obs.setServing(true)
	logger.Info("recorder started", "folder", c.Record.OutputFolder, "rotation", policy.When.String())

	runErr := rec.Run(ctx)

	logger.Info("shutting down", "rotations", writer.Rotations())
	obs.setServing(false)
	for _, unsub := range unsubscribe {
		unsub()
	}
	if err := session.Close(); err != nil {
		logger.Warn("closing bus session", "err", err)
	}
	if uploader != nil {
		uploader.Stop()
		if pending := uploader.Pending(); len(pending) > 0 {
			logger.Warn("files left un-archived", "files", pending)
		}
	}

	if runErr != nil {
		logger.Error("recording stopped", "err", runErr)
		return runErr
	}
	logger.Info("recorder stopped")
	return nil
}

// queryKey fetches the current value behind key once and records the reply.
func queryKey(ctx context.Context, session *bus.Session, key string, rec *recorder.Recorder, logger *slog.Logger) {
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	reply, err := session.Query(qctx, key, nil)
	if err != nil {
		logger.Warn("initial query failed", "key", key, "err", err)
		return
	}
	if err := rec.Enqueue(recorder.Sample{Key: key, Payload: reply, ReceivedAt: time.Now()}); err != nil {
		logger.Warn("recording query reply", "key", key, "err", err)
	}
}

func reportFrequencies(ctx context.Context, rec *recorder.Recorder, interval time.Duration, w io.Writer) {
	st := ui.Styler{Color: ui.ShouldUseColor(w)}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = ui.WriteFrequencies(w, st, rec.TakeCounts(), interval)
		}
	}
}
