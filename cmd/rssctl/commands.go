package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dreamware/rssmanager/internal/cluster"
	"github.com/dreamware/rssmanager/internal/config"
)

// errRejected is returned when the manager answers INVALID_REQUEST, so
// scripts can tell a rejected report from a resubmission decision.
type errRejected struct{ message string }

func (e *errRejected) Error() string { return "rejected by shuffle manager: " + e.message }

func checkStatus(status cluster.StatusCode, message string) error {
	if status != cluster.StatusSuccess {
		return &errRejected{message: message}
	}
	return nil
}

func newReportWriteCmd(opts *options) *cobra.Command {
	var (
		req     cluster.WriteFailureRequest
		servers []string
	)
	cmd := &cobra.Command{
		Use:     "report-write",
		Short:   "Report that writing shuffle data to servers failed",
		Example: "rssctl report-write --app-id app-1 --shuffle 3 --attempt 0 --server s1@10.0.0.1:19999",
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := config.ParseServers(strings.Join(servers, ","))
			if err != nil {
				return err
			}
			if len(parsed) == 0 {
				return fmt.Errorf("at least one --server is required")
			}
			req.ShuffleServerIDs = parsed

			var resp cluster.FailureResponse
			err = opts.withRetry(cmd.Context(), "report-write", func(ctx context.Context) error {
				resp, err = opts.client().ReportWriteFailure(ctx, req)
				return err
			})
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			return checkStatus(resp.Status, resp.Message)
		},
	}
	cmd.Flags().StringVar(&req.AppID, "app-id", "", "application id")
	cmd.Flags().IntVar(&req.ShuffleID, "shuffle", 0, "shuffle id")
	cmd.Flags().IntVar(&req.StageAttemptNumber, "attempt", 0, "stage attempt number")
	cmd.Flags().StringSliceVar(&servers, "server", nil, "failed server as [id@]host:port, repeatable")
	_ = cmd.MarkFlagRequired("app-id")
	_ = cmd.MarkFlagRequired("shuffle")
	return cmd
}

func newReportFetchCmd(opts *options) *cobra.Command {
	var req cluster.FetchFailureRequest
	cmd := &cobra.Command{
		Use:     "report-fetch",
		Short:   "Report that fetching a shuffle partition failed",
		Example: "rssctl report-fetch --app-id app-1 --shuffle 3 --attempt 0 --partition 7",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp cluster.FailureResponse
			err := opts.withRetry(cmd.Context(), "report-fetch", func(ctx context.Context) error {
				var err error
				resp, err = opts.client().ReportFetchFailure(ctx, req)
				return err
			})
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			return checkStatus(resp.Status, resp.Message)
		},
	}
	cmd.Flags().StringVar(&req.AppID, "app-id", "", "application id")
	cmd.Flags().IntVar(&req.ShuffleID, "shuffle", 0, "shuffle id")
	cmd.Flags().IntVar(&req.StageAttemptID, "attempt", 0, "stage attempt id")
	cmd.Flags().IntVar(&req.PartitionID, "partition", 0, "partition id")
	_ = cmd.MarkFlagRequired("app-id")
	_ = cmd.MarkFlagRequired("shuffle")
	_ = cmd.MarkFlagRequired("partition")
	return cmd
}

func newPartitionServersCmd(opts *options) *cobra.Command {
	var shuffleID int
	cmd := &cobra.Command{
		Use:   "partition-servers",
		Short: "Show which servers hold each partition of a shuffle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp cluster.PartitionToServersResponse
			err := opts.withRetry(cmd.Context(), "partition-servers", func(ctx context.Context) error {
				var err error
				resp, err = opts.client().PartitionToServers(ctx, shuffleID)
				return err
			})
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			return checkStatus(resp.Status, fmt.Sprintf("unknown shuffle %d", shuffleID))
		},
	}
	cmd.Flags().IntVar(&shuffleID, "shuffle", 0, "shuffle id")
	_ = cmd.MarkFlagRequired("shuffle")
	return cmd
}

func newReassignCmd(opts *options) *cobra.Command {
	var req cluster.ReassignRequest
	cmd := &cobra.Command{
		Use:   "reassign",
		Short: "Ask the manager to move a stage attempt off failing servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp cluster.ReassignResponse
			err := opts.withRetry(cmd.Context(), "reassign", func(ctx context.Context) error {
				var err error
				resp, err = opts.client().Reassign(ctx, req)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().IntVar(&req.StageID, "stage", 0, "stage id")
	cmd.Flags().IntVar(&req.StageAttemptNumber, "attempt", 0, "stage attempt number")
	cmd.Flags().IntVar(&req.ShuffleID, "shuffle", 0, "shuffle id")
	cmd.Flags().IntVar(&req.NumPartitions, "partitions", 0, "partitions to reassign (0 means all)")
	_ = cmd.MarkFlagRequired("shuffle")
	return cmd
}

func newRegisterCmd(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a shuffle handle read from a JSON file (- for stdin)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var handle cluster.ShuffleHandleInfo
			if err := json.NewDecoder(in).Decode(&handle); err != nil {
				return fmt.Errorf("decode handle: %w", err)
			}
			return opts.withRetry(cmd.Context(), "register", func(ctx context.Context) error {
				return opts.client().RegisterShuffle(ctx, handle)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "handle file")
	return cmd
}

func newUnregisterCmd(opts *options) *cobra.Command {
	var shuffleID int
	cmd := &cobra.Command{
		Use:   "unregister",
		Short: "Drop a shuffle and its failure state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRetry(cmd.Context(), "unregister", func(ctx context.Context) error {
				return opts.client().UnregisterShuffle(ctx, shuffleID)
			})
		},
	}
	cmd.Flags().IntVar(&shuffleID, "shuffle", 0, "shuffle id")
	_ = cmd.MarkFlagRequired("shuffle")
	return cmd
}
