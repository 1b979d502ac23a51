package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/RISE-Maritime/keelson-sub001/internal/replay"
	"github.com/RISE-Maritime/keelson-sub001/internal/ui"
)

var inspectCmd = &cobra.Command{
	Use:     "inspect <file>",
	GroupID: "replay",
	Short:   "Summarize a recording",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sum, err := summarize(replay.FileOpener(args[0]))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		return sum.write(out, ui.Styler{Color: ui.ShouldUseColor(out)})
	},
}

type summary struct {
	Messages int
	Skipped  int
	First    time.Time
	Last     time.Time
	Counts   map[string]int
}

// summarize reads every record of a recording. Undecodable records are
// counted, not fatal.
func summarize(open replay.Opener) (summary, error) {
	src, err := open()
	if err != nil {
		return summary{}, err
	}
	defer src.Close()

	sum := summary{Counts: make(map[string]int)}
	for {
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return sum, nil
		}
		if err != nil {
			if replay.IsSkippable(err) {
				sum.Skipped++
				continue
			}
			return sum, err
		}
		sum.Messages++
		sum.Counts[rec.Key]++
		if sum.First.IsZero() || rec.LogTime.Before(sum.First) {
			sum.First = rec.LogTime
		}
		if rec.LogTime.After(sum.Last) {
			sum.Last = rec.LogTime
		}
	}
}

func (s summary) write(w io.Writer, st ui.Styler) error {
	if s.Messages == 0 {
		_, err := fmt.Fprintf(w, "%s\n", st.Muted("empty recording"))
		return err
	}
	fmt.Fprintf(w, "%s    %s\n", st.Accent("start:"), s.First.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(w, "%s      %s\n", st.Accent("end:"), s.Last.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(w, "%s %d across %d keys\n", st.Accent("messages:"), s.Messages, len(s.Counts))
	if s.Skipped > 0 {
		fmt.Fprintf(w, "%s\n", st.Warn(fmt.Sprintf("%d undecodable records skipped", s.Skipped)))
	}
	window := s.Last.Sub(s.First)
	if window <= 0 {
		window = time.Second
	}
	return ui.WriteFrequencies(w, st, s.Counts, window)
}
