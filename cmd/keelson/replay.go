package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/RISE-Maritime/keelson-sub001/internal/bus"
	"github.com/RISE-Maritime/keelson-sub001/internal/config"
	"github.com/RISE-Maritime/keelson-sub001/internal/replay"
)

var replayCmd = &cobra.Command{
	Use:     "replay",
	GroupID: "replay",
	Short:   "Publish a recording back onto the bus",
	Long: `Read an MCAP or klog recording and republish its messages, paced by their
original receive times. Payloads are re-enclosed; with --loop the enclosure
times are shifted so every pass looks live.`,
	Example: `  keelson replay --file 2024-01-01_000000.mcap
  keelson replay --file run.klog --time-start 2024-01-01T10:00:00Z --time-end 2024-01-01T10:05:00Z
  keelson replay --file run.mcap --loop --replay-key-tag`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyReplayFlags(cmd, cfg); err != nil {
			return err
		}
		if err := cfg.ValidateReplay(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		noPacing, _ := cmd.Flags().GetBool("no-pacing")
		return runReplay(ctx, cfg, noPacing, logger)
	},
}

func init() {
	f := replayCmd.Flags()
	f.String("file", "", "recording to replay (.mcap or .klog)")
	f.String("time-start", "", "first log time to replay (RFC 3339 or unix seconds)")
	f.String("time-end", "", "last log time to replay (RFC 3339 or unix seconds)")
	f.StringArray("replay-key", nil, "only replay this key (repeatable)")
	f.Bool("loop", false, "restart from the beginning when the recording ends")
	f.String("replay-key-tag", "", "append this segment to replayed keys")
	f.Lookup("replay-key-tag").NoOptDefVal = replay.DefaultTag
	f.Bool("no-pacing", false, "publish as fast as possible")
}

func applyReplayFlags(cmd *cobra.Command, c *config.Config) error {
	f := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && f.Changed(name) {
			err = apply()
		}
	}
	set("file", func() (e error) { c.Replay.File, e = f.GetString("file"); return })
	set("time-start", func() (e error) { c.Replay.TimeStart, e = f.GetString("time-start"); return })
	set("time-end", func() (e error) { c.Replay.TimeEnd, e = f.GetString("time-end"); return })
	set("replay-key", func() (e error) { c.Replay.Keys, e = f.GetStringArray("replay-key"); return })
	set("loop", func() (e error) { c.Replay.Loop, e = f.GetBool("loop"); return })
	set("replay-key-tag", func() (e error) { c.Replay.KeyTag, e = f.GetString("replay-key-tag"); return })
	return err
}

func runReplay(ctx context.Context, c *config.Config, noPacing bool, logger *slog.Logger) error {
	start, end, err := c.ReplayWindow()
	if err != nil {
		return err
	}

	obs, err := startObservability(c.Metrics, logger)
	if err != nil {
		return err
	}
	defer obs.stop()

	session, err := bus.Connect(c.Bus.URL, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("closing bus session", "err", err)
		}
	}()
	publishers := bus.NewPublishers(session)

	engine, err := replay.New(replay.FileOpener(c.Replay.File), publishers, replay.Options{
		Start:    start,
		End:      end,
		Keys:     c.Replay.Keys,
		Loop:     c.Replay.Loop,
		Tag:      c.Replay.KeyTag,
		NoPacing: noPacing,
		Logger:   logger,
		Metrics:  obs.metrics,
	})
	if err != nil {
		return err
	}

	logger.Info("replaying", "file", c.Replay.File, "loop", c.Replay.Loop, "tag", c.Replay.KeyTag)
	obs.setServing(true)
	stats, err := engine.Run(ctx)
	obs.setServing(false)
	logger.Info("replay finished", "loops", stats.Loops, "published", stats.Published, "skipped", stats.Skipped, "keys", publishers.Len())
	return err
}
