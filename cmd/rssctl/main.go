// Command rssctl reports shuffle failures to a shuffle manager and inspects
// its shuffle assignments. Executors shell out to it; operators use it by hand.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/rssmanager/internal/client"
	"github.com/dreamware/rssmanager/internal/cluster"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	manager       string
	retries       int
	retryInterval time.Duration
	verbose       bool

	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	defaultManager := os.Getenv("RSS_MANAGER")
	if defaultManager == "" {
		defaultManager = "http://127.0.0.1:19990"
	}

	cmd := &cobra.Command{
		Use:          "rssctl",
		Short:        "Talk to a shuffle manager",
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			logger, err := newLogger(opts.verbose)
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
	}
	fs := cmd.PersistentFlags()
	fs.StringVar(&opts.manager, "manager", defaultManager, "shuffle manager base URL")
	fs.IntVar(&opts.retries, "retries", 10, "attempts for requests that fail in transport")
	fs.DurationVar(&opts.retryInterval, "retry-interval", 400*time.Millisecond, "delay between attempts")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "log every attempt")

	cmd.AddCommand(
		newReportWriteCmd(opts),
		newReportFetchCmd(opts),
		newPartitionServersCmd(opts),
		newReassignCmd(opts),
		newRegisterCmd(opts),
		newUnregisterCmd(opts),
	)
	cmd.CompletionOptions.DisableDefaultCmd = true
	return cmd
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	zc.DisableStacktrace = true
	if !verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return zc.Build()
}

func (o *options) client() *client.ManagerClient {
	return client.NewManagerClient(o.manager)
}

// withRetry calls fn until it succeeds, the attempts run out or the manager
// answers with a client error. Transport errors and 5xx answers are retried.
func (o *options) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := o.retries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var statusErr *cluster.StatusError
		if errors.As(lastErr, &statusErr) && statusErr.Code < http.StatusInternalServerError {
			return lastErr
		}
		o.logger.Warn("request failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", attempts),
			zap.Error(lastErr))
		if i == attempts-1 {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.retryInterval):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
