package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/unheardhq/ctxsync/internal/contentstore"
	"github.com/unheardhq/ctxsync/internal/ctxsync"
	"github.com/unheardhq/ctxsync/internal/remotesync"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "create the context store layout in a project directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return errors.Errorf("resolve %s: %w", dir, err)
			}
			if err := contentstore.EnsureLayout(abs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized context store in %s\n", abs)
			return nil
		},
	}
}

func newIngestCmd(flags *rootFlags) *cobra.Command {
	var projectID, projectRoot string
	cmd := &cobra.Command{
		Use:   "ingest <path>...",
		Short: "submit files for ingestion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(projectID) == "" {
				return errors.New("project id is required (--project or CTXSYNC_PROJECT_ID)")
			}
			root := strings.TrimSpace(projectRoot)
			if root == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return errors.Errorf("resolve working directory: %w", err)
				}
				root = cwd
			}
			paths := make([]string, 0, len(args))
			for _, arg := range args {
				abs, err := filepath.Abs(arg)
				if err != nil {
					return errors.Errorf("resolve %s: %w", arg, err)
				}
				paths = append(paths, abs)
			}

			client := newAPIClient(flags)
			var result ctxsync.SubmitResult
			payload := map[string]any{"projectId": projectID, "projectRoot": root, "paths": paths}
			if err := client.do(cmd.Context(), http.MethodPost, "/v1/ingest", payload, &result); err != nil {
				return err
			}
			if flags.rawJSON {
				return printJSON(cmd, result)
			}
			for _, accepted := range result.Accepted {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s\n", color.GreenString("accepted"), accepted.TaskID, accepted.SourcePath)
			}
			for _, skipped := range result.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", color.YellowString("skipped"), skipped.SourcePath, skipped.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", strings.TrimSpace(os.Getenv("CTXSYNC_PROJECT_ID")), "project id")
	cmd.Flags().StringVar(&projectRoot, "root", strings.TrimSpace(os.Getenv("CTXSYNC_PROJECT_ROOT")), "project root directory")
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var statusFilter string
	cmd := &cobra.Command{
		Use:   "status [task-id]",
		Short: "show upload items, or one item in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flags)
			if len(args) == 1 {
				var item ctxsync.UploadItem
				if err := client.do(cmd.Context(), http.MethodGet, "/v1/items/"+args[0], nil, &item); err != nil {
					return err
				}
				if flags.rawJSON {
					return printJSON(cmd, item)
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatItemLine(item))
				fmt.Fprintf(cmd.OutOrStdout(), "  source:  %s\n", item.SourcePath)
				fmt.Fprintf(cmd.OutOrStdout(), "  project: %s\n", item.ProjectID)
				fmt.Fprintf(cmd.OutOrStdout(), "  updated: %s\n", item.UpdatedAt.Format("2006-01-02 15:04:05"))
				return nil
			}

			path := "/v1/items"
			if strings.TrimSpace(statusFilter) != "" {
				path += "?status=" + strings.TrimSpace(statusFilter)
			}
			var resp struct {
				Items []ctxsync.UploadItem `json:"items"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			if flags.rawJSON {
				return printJSON(cmd, resp)
			}
			if len(resp.Items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no upload items")
				return nil
			}
			for _, item := range resp.Items {
				fmt.Fprintln(cmd.OutOrStdout(), formatItemLine(item))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status (parsing, copying, committing, syncing, complete, unsynced, error)")
	return cmd
}

func newQueueCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "inspect and drive the publish retry queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flags)
			var resp struct {
				Depth    int                      `json:"depth"`
				Capacity int                      `json:"capacity"`
				Items    []ctxsync.RetryQueueItem `json:"items"`
			}
			if err := client.do(cmd.Context(), http.MethodGet, "/v1/retry", nil, &resp); err != nil {
				return err
			}
			if flags.rawJSON {
				return printJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retry queue: %d/%d\n", resp.Depth, resp.Capacity)
			for _, item := range resp.Items {
				fmt.Fprintln(cmd.OutOrStdout(), formatRetryLine(item))
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "attempt redelivery of due queue entries now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flags)
			var report ctxsync.TickReport
			if err := client.do(cmd.Context(), http.MethodPost, "/v1/retry/tick", nil, &report); err != nil {
				return err
			}
			if flags.rawJSON {
				return printJSON(cmd, report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d delivered=%d failed=%d deferred=%d\n",
				report.Attempted, report.Delivered, report.Failed, report.Deferred)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <task-id>",
		Short: "drop a queue entry without delivering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flags)
			if err := client.do(cmd.Context(), http.MethodDelete, "/v1/retry/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newReconcileCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "run one reconcile pass against the remote store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flags)
			var report remotesync.Report
			if err := client.do(cmd.Context(), http.MethodPost, "/v1/reconcile", nil, &report); err != nil {
				return err
			}
			if flags.rawJSON {
				return printJSON(cmd, report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "remote=%d local=%d requeued=%d\n",
				report.RemoteRecords, report.LocalRecords, len(report.Requeued))
			for _, taskID := range report.Requeued {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.YellowString("requeued"), taskID)
			}
			for _, path := range report.MissingLocal {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.RedString("missing local file"), path)
			}
			for _, recordID := range report.Orphans {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.HiBlackString("remote orphan"), recordID)
			}
			return nil
		},
	}
}

func newClearCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "remove completed items from the status store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flags)
			var resp struct {
				Removed int `json:"removed"`
			}
			if err := client.do(cmd.Context(), http.MethodPost, "/v1/items/clear-completed", nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d completed items\n", resp.Removed)
			return nil
		},
	}
}

func newStatsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "show daemon counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(flags)
			var stats ctxsync.Stats
			if err := client.do(cmd.Context(), http.MethodGet, "/v1/stats", nil, &stats); err != nil {
				return err
			}
			if flags.rawJSON {
				return printJSON(cmd, stats)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "items:        %d\n", stats.Items)
			for status, count := range stats.ByStatus {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-11s %d\n", status+":", count)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue depth:  %d/%d\n", stats.QueueDepth, stats.QueueCapacity)
			fmt.Fprintf(cmd.OutOrStdout(), "backends:     retry=%s state=%s\n", stats.RetryBackend, stats.StateBackend)
			fmt.Fprintf(cmd.OutOrStdout(), "subscribers:  %d\n", stats.Subscribers)
			fmt.Fprintf(cmd.OutOrStdout(), "dropped evts: %d\n", stats.DroppedEvents)
			return nil
		},
	}
}
