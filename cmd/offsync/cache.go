package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/internal/validation"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the offline read cache",
	Long:  "Put, read, list and delete records cached for offline reads.",
}

var cachePutCmd = &cobra.Command{
	Use:   "put <collection> <id> <json-data>",
	Short: "Insert or replace a cached record",
	Args:  cobra.ExactArgs(3),
	RunE:  runCachePut,
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Print a cached record",
	Args:  cobra.ExactArgs(2),
	RunE:  runCacheGet,
}

var cacheListCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "List cached records of a collection",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheList,
}

var cacheDeleteCmd = &cobra.Command{
	Use:   "delete <collection> <id>",
	Short: "Remove a cached record",
	Args:  cobra.ExactArgs(2),
	RunE:  runCacheDelete,
}

func init() {
	cacheCmd.AddCommand(cachePutCmd)
	cacheCmd.AddCommand(cacheGetCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheDeleteCmd)
}

// resolveCollection opens the agent and checks collection against config.
func resolveCollection(collection string) (*agent, error) {
	if verr := validation.ValidateKey("collection", collection); verr != nil {
		return nil, verr
	}

	a, err := resolveAgent()
	if err != nil {
		return nil, err
	}
	if !slices.Contains(a.cfg.Cache.Collections, collection) {
		a.Close()
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	return a, nil
}

func runCachePut(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	collection, id, data := args[0], args[1], []byte(args[2])

	if verr := validation.ValidateKey("id", id); verr != nil {
		return verr
	}
	if verr := validation.ValidateJSON("data", data, validation.MaxPayloadBytes); verr != nil {
		return verr
	}

	a, err := resolveCollection(collection)
	if err != nil {
		return err
	}
	defer a.Close()

	rec := store.Record{Collection: collection, ID: id, Data: json.RawMessage(data)}
	if err := a.store.PutRecord(ctx, rec); err != nil {
		return err
	}

	if jsonOutput {
		saved, err := a.store.GetRecord(ctx, collection, id)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), saved)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cached %s/%s\n", collection, id)
	return nil
}

func runCacheGet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	collection, id := args[0], args[1]

	a, err := resolveCollection(collection)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.store.GetRecord(ctx, collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s/%s: %w", collection, id, err)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), rec)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(rec.Data))
	return nil
}

func runCacheList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	collection := args[0]

	a, err := resolveCollection(collection)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.ListRecords(ctx, collection)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"records": records,
			"total":   len(records),
		})
	}

	if len(records) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No records cached in %q.\n", collection)
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tUPDATED\tSIZE")
	for _, rec := range records {
		updated := time.UnixMilli(rec.UpdatedAt)
		fmt.Fprintf(w, "%s\t%s\t%d B\n", rec.ID, formatTime(&updated), len(rec.Data))
	}
	w.Flush()
	return nil
}

func runCacheDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	collection, id := args[0], args[1]

	a, err := resolveCollection(collection)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.DeleteRecord(ctx, collection, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s/%s: %w", collection, id, err)
		}
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"collection": collection,
			"id":         id,
			"deleted":    true,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s/%s\n", collection, id)
	return nil
}
