package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/offsync/internal/archive"
)

var (
	archiveOut         string
	archivePruneSynced bool
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Export the queue as a JSON-lines audit log",
	Long: "Uploads every queue entry, synced and pending, to the configured S3 bucket. " +
		"With --out the log is written to a local file (or - for stdout) instead.",
	Args: cobra.NoArgs,
	RunE: runArchive,
}

func init() {
	archiveCmd.Flags().StringVar(&archiveOut, "out", "",
		"Write to this file instead of uploading (- for stdout)")
	archiveCmd.Flags().BoolVar(&archivePruneSynced, "prune-synced", false,
		"Prune synced entries covered by the export once it succeeded")
}

func runArchive(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := resolveAgent()
	if err != nil {
		return err
	}
	defer a.Close()

	var cutoff time.Time
	if archiveOut != "" {
		cutoff, err = writeLocalArchive(ctx, cmd, a)
		if err != nil {
			return err
		}
	} else {
		uploader, err := archive.NewUploader(a.cfg.Archive)
		if err != nil {
			return err
		}
		res, err := archive.New(a.queue, uploader, a.cfg.ClientID).Export(ctx)
		if err != nil {
			return err
		}
		cutoff = res.Cutoff

		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entries (%d synced) to %s\n", res.Entries, res.Synced, res.Object)
			if res.URL != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Download: %s\n", res.URL)
			}
		}
	}

	if !archivePruneSynced {
		return nil
	}
	n, err := a.queue.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Pruned %d synced entries\n", n)
	return nil
}

// writeLocalArchive writes the audit log to archiveOut and returns the cutoff
// taken before the queue was read.
func writeLocalArchive(ctx context.Context, cmd *cobra.Command, a *agent) (time.Time, error) {
	cutoff := time.Now().UTC()

	entries, err := a.queue.Entries(ctx, false)
	if err != nil {
		return time.Time{}, err
	}

	var w io.Writer = cmd.OutOrStdout()
	if archiveOut != "-" {
		f, err := os.Create(archiveOut)
		if err != nil {
			return time.Time{}, fmt.Errorf("create archive file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if err := archive.WriteJSONL(w, entries); err != nil {
		return time.Time{}, err
	}
	if archiveOut != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d entries to %s\n", len(entries), archiveOut)
	}
	return cutoff, nil
}
