package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/i5heu/ouroboros-disktest/storage"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var (
		target string
		runID  string
		limit  int
		del    bool
	)

	cmd := &cobra.Command{
		Use:          "inspectjournal JOURNAL_DIR",
		Short:        "List the run checkpoints of a disktest journal",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.New()
			log.SetLevel(logrus.ErrorLevel)

			j, err := storage.OpenJournal(args[0], log)
			if err != nil {
				return fmt.Errorf("failed to open journal at %s: %w", args[0], err)
			}
			defer j.Close()

			if del {
				if runID == "" {
					return fmt.Errorf("--delete requires --run")
				}
				if err := j.Delete(runID); err != nil {
					return err
				}
				fmt.Fprintf(out, "Deleted run %s\n", runID)
				return nil
			}

			if runID != "" {
				c, err := j.Get(runID)
				if err != nil {
					return err
				}
				printCheckpoint(out, c)
				return nil
			}

			checkpoints, err := j.List()
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}
			printTable(out, args[0], filter(checkpoints, target, limit))
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "only show runs against this device")
	cmd.Flags().StringVar(&runID, "run", "", "show a single run in detail")
	cmd.Flags().IntVar(&limit, "limit", 20, "max number of runs to list (0 = unlimited)")
	cmd.Flags().BoolVar(&del, "delete", false, "delete the run given by --run")
	return cmd
}

func filter(checkpoints []storage.Checkpoint, target string, limit int) []storage.Checkpoint {
	var out []storage.Checkpoint
	for _, c := range checkpoints {
		if target != "" && c.Target != target {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func printTable(out io.Writer, path string, checkpoints []storage.Checkpoint) {
	fmt.Fprintf(out, "Journal path: %s\n", path)
	fmt.Fprintf(out, "Runs: %d\n", len(checkpoints))
	if len(checkpoints) == 0 {
		fmt.Fprintln(out, "  (no entries)")
		return
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tTARGET\tMODE\tSTATUS\tRANGE\tPROCESSED\tMISMATCHES\tRESUME AT\tUPDATED")
	for _, c := range checkpoints {
		status := c.Status.String()
		if !c.Finished {
			status = "Unfinished"
		}
		resume := "-"
		if c.Resumable() {
			resume = fmt.Sprintf("%d", c.ResumeOffset)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d+%s\t%s\t%d\t%s\t%s\n",
			c.RunID, c.Target, c.Mode, status,
			c.Start, humanize.IBytes(c.Length),
			humanize.IBytes(c.BytesProcessed), c.MismatchCount,
			resume, c.UpdatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func printCheckpoint(out io.Writer, c storage.Checkpoint) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", c.RunID)
	fmt.Fprintf(tw, "Target:\t%s\n", c.Target)
	fmt.Fprintf(tw, "Mode:\t%s (phase %s)\n", c.Mode, c.Phase)
	fmt.Fprintf(tw, "Status:\t%s\n", c.Status)
	fmt.Fprintf(tw, "Finished:\t%t\n", c.Finished)
	fmt.Fprintf(tw, "Interrupted:\t%t\n", c.Interrupted)
	fmt.Fprintf(tw, "Stream:\t%s v%d round %d invert=%t\n", c.Algorithm, c.StreamVersion, c.Round, c.Invert)
	fmt.Fprintf(tw, "Seed fingerprint:\t%s\n", c.SeedFingerprint)
	fmt.Fprintf(tw, "Range:\t%d +%s\n", c.Start, humanize.IBytes(c.Length))
	fmt.Fprintf(tw, "Processed:\t%s\n", humanize.IBytes(c.BytesProcessed))
	fmt.Fprintf(tw, "Mismatches:\t%d\n", c.MismatchCount)
	fmt.Fprintf(tw, "Resumable:\t%t (offset %d)\n", c.Resumable(), c.ResumeOffset)
	fmt.Fprintf(tw, "Updated:\t%s\n", c.UpdatedAt.Format(time.RFC3339))
	tw.Flush()
}
