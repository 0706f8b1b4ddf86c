package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/offsync/pkg/offsync"
)

var (
	listPending     bool
	clearForce      bool
	pruneOlderThan  time.Duration
	errReplayHalted = errors.New("replay halted")
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and operate the sync queue",
	Long:  "Enqueue, list, replay, clear and prune queue entries without running the server.",
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <action> <json-payload>",
	Short: "Append an action to the queue",
	Args:  cobra.ExactArgs(2),
	RunE:  runQueueEnqueue,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue entries in enqueue order",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts",
	Args:  cobra.NoArgs,
	RunE:  runQueueStats,
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay pending entries against the remote API",
	Long:  "Dispatches pending entries in order and stops at the first failure. Exits non-zero when the run halts.",
	Args:  cobra.NoArgs,
	RunE:  runQueueReplay,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every entry, synced or not",
	Long:  "Permanently remove all queue entries, including ones never delivered. Requires --force or interactive confirmation.",
	Args:  cobra.NoArgs,
	RunE:  runQueueClear,
}

var queuePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove synced entries older than a cutoff",
	Args:  cobra.NoArgs,
	RunE:  runQueuePrune,
}

func init() {
	queueListCmd.Flags().BoolVar(&listPending, "pending", false,
		"Only show entries not yet synced")
	queueClearCmd.Flags().BoolVar(&clearForce, "force", false,
		"Skip confirmation prompt")
	queuePruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour,
		"Prune entries synced longer ago than this")

	queueCmd.AddCommand(queueEnqueueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueReplayCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queuePruneCmd)
}

func runQueueEnqueue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := resolveAgent()
	if err != nil {
		return err
	}
	defer a.Close()

	id, err := a.queue.Enqueue(ctx, offsync.Action(args[0]), json.RawMessage(args[1]))
	if err != nil {
		if errors.Is(err, offsync.ErrUnknownAction) {
			return fmt.Errorf("%w (known: %s)", err, joinActions(a.queue.Actions()))
		}
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"id": id})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s as entry %d\n", args[0], id)
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := resolveAgent()
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.queue.Entries(ctx, listPending)
	if err != nil {
		return err
	}

	if jsonOutput {
		if entries == nil {
			entries = []offsync.Entry{}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"entries": entries,
			"total":   len(entries),
		})
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tACTION\tSTATUS\tENQUEUED\tSYNCED")
	for _, e := range entries {
		status := "pending"
		if e.Synced {
			status = "synced"
		}
		enqueued := e.EnqueuedAt
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.Action,
			status,
			formatTime(&enqueued),
			formatTime(e.SyncedAt),
		)
	}
	w.Flush()

	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := resolveAgent()
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.queue.Stats(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), stats)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Total:\t%d\n", stats.Total)
	fmt.Fprintf(w, "Pending:\t%d\n", stats.Pending)
	fmt.Fprintf(w, "Synced:\t%d\n", stats.Synced)
	fmt.Fprintf(w, "Oldest pending:\t%s\n", formatTime(stats.OldestPending))
	w.Flush()
	return nil
}

func runQueueReplay(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := resolveAgent()
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.queue.ReplayAll(ctx)
	if err != nil {
		return busyHint(err, a.cfg.Database.Path)
	}

	if jsonOutput {
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d entries\n", len(report.Succeeded))
		if f := report.FirstFailure; f != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Halted at entry %d: %v\n", f.ID, f.Err)
		}
	}

	if !report.Clean() {
		return errReplayHalted
	}
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := resolveAgent()
	if err != nil {
		return err
	}
	defer a.Close()

	if !clearForce {
		stats, err := a.queue.Stats(ctx)
		if err != nil {
			return err
		}

		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "WARNING: This will permanently remove %d entries (%d never delivered).\n", stats.Total, stats.Pending)
		fmt.Fprint(errOut, "Type \"clear\" to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}

		if strings.TrimSpace(input) != "clear" {
			fmt.Fprintln(errOut, "Aborted.")
			return nil
		}
	}

	if err := a.queue.Clear(ctx); err != nil {
		return busyHint(err, a.cfg.Database.Path)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"cleared": true})
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Queue cleared")
	return nil
}

func runQueuePrune(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if pruneOlderThan < 0 {
		return fmt.Errorf("--older-than must not be negative")
	}

	a, err := resolveAgent()
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.queue.Prune(ctx, time.Now().Add(-pruneOlderThan))
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"pruned": n})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d synced entries\n", n)
	return nil
}

func joinActions(actions []offsync.Action) string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}

// busyHint points at the usual holder of the replay lease: an agent serving
// the same database.
func busyHint(err error, dbPath string) error {
	if errors.Is(err, offsync.ErrReplayInProgress) {
		return fmt.Errorf("%w: another process is replaying %s (is the agent running?)", err, dbPath)
	}
	return err
}
