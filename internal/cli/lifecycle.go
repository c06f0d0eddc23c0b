package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	hubRedis "github.com/instancehub/instancehub/internal/redis"
	"github.com/instancehub/instancehub/pkg/engine"
	"github.com/instancehub/instancehub/pkg/lifecycle"
	"github.com/instancehub/instancehub/pkg/types"
	"github.com/spf13/cobra"
)

type lifecycleOptions struct {
	redisURL string
	prefix   string
}

func newLifecycleCommand(root *rootOptions) *cobra.Command {
	opts := &lifecycleOptions{}

	cmd := &cobra.Command{
		Use:   "lifecycle",
		Short: "Issue or receive start/stop/restart commands over Redis",
		Long: `Lifecycle commands travel over Redis pub/sub. "lifecycle run" publishes an
action to each instance and optionally waits for the state it reports;
"lifecycle listen" runs on the instance and performs what it receives.

The Redis URL defaults to export.redis_url from the configuration.`,
	}
	cmd.PersistentFlags().StringVar(&opts.redisURL, "redis-url", "", "Redis URL (default: export.redis_url)")
	cmd.PersistentFlags().StringVar(&opts.prefix, "prefix", lifecycle.DefaultPrefix, "channel and key prefix")

	cmd.AddCommand(newLifecycleRunCommand(root, opts), newLifecycleListenCommand(root, opts))
	return cmd
}

func (o *lifecycleOptions) client(root *rootOptions) (*hubRedis.Client, error) {
	url := o.redisURL
	if url == "" {
		cfg, _, err := root.load()
		if err != nil {
			return nil, err
		}
		url = cfg.Export.RedisURL
	}
	if url == "" {
		return nil, hubErrors.New(hubErrors.ErrConfig, "no Redis URL for lifecycle commands",
			"Pass --redis-url or set export.redis_url")
	}
	return hubRedis.NewClientLazy(url, exportTimeout)
}

func newLifecycleRunCommand(root *rootOptions, lo *lifecycleOptions) *cobra.Command {
	run := lifecycle.RunOptions{}

	cmd := &cobra.Command{
		Use:   "run ACTION INSTANCE...",
		Short: "Send an action to one or more instances",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := types.LifecycleAction(args[0])
			if err := lifecycle.CheckAction(action); err != nil {
				return err
			}

			client, err := lo.client(root)
			if err != nil {
				return err
			}
			defer client.Close()

			provider := lifecycle.NewRedisProvider(client, lifecycle.WithPrefix(lo.prefix))
			executor := lifecycle.NewBatchExecutor(provider, lifecycle.WithLogger(quietLogger()))
			results := executor.Run(cmd.Context(), args[1:], action, run)
			return printResults(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().IntVarP(&run.Parallelism, "parallel", "p", lifecycle.DefaultParallelism, "instances handled at once")
	cmd.Flags().BoolVarP(&run.Wait, "wait", "w", false, "wait for each instance to report the target state")
	cmd.Flags().DurationVar(&run.WaitTimeout, "wait-timeout", lifecycle.DefaultWaitTimeout, "how long --wait waits per instance")
	cmd.Flags().IntVar(&run.Retries, "retries", 2, "retries per instance for transient failures")
	return cmd
}

func printResults(w io.Writer, results []types.LifecycleResult) error {
	failed := 0
	for _, r := range results {
		mark := "ok"
		if !r.Success {
			mark = "FAILED"
			failed++
		}
		fmt.Fprintf(w, "%-6s %s %s: %s\n", mark, r.Action, r.InstanceID, r.Message)
	}
	if failed > 0 {
		return hubErrors.New(hubErrors.ErrLifecycle,
			fmt.Sprintf("%d of %d instances failed", failed, len(results)), "")
	}
	return nil
}

func newLifecycleListenCommand(root *rootOptions, lo *lifecycleOptions) *cobra.Command {
	var execPath string

	cmd := &cobra.Command{
		Use:   "listen INSTANCE",
		Short: "Receive actions for this instance and run them",
		Long: `Subscribe to the command channel for INSTANCE. Each received action runs
--exec with the action name as its only argument; on success the instance's
state key is set to running or stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if execPath == "" {
				return hubErrors.New(hubErrors.ErrConfig, "listen needs --exec", "Point --exec at the script that starts and stops the instance")
			}
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			logger := engine.NewLogger(cfg.Log, cmd.ErrOrStderr())

			client, err := lo.client(root)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			l := lifecycle.NewListener(client, args[0], execHandler(execPath),
				lifecycle.WithPrefix(lo.prefix), lifecycle.WithListenerLogger(logger))
			if err := l.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.GracePeriod)
			defer cancel()
			return l.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&execPath, "exec", "", "program run with the action name")
	return cmd
}

// execHandler runs path with the action as its argument.
func execHandler(path string) lifecycle.Handler {
	return lifecycle.HandlerFunc(func(ctx context.Context, action types.LifecycleAction) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()

		out, err := exec.CommandContext(ctx, path, string(action)).CombinedOutput()
		if err != nil {
			msg := strings.TrimSpace(string(out))
			if msg == "" {
				msg = err.Error()
			}
			return hubErrors.WrapWithCode(err, hubErrors.ErrLifecycle,
				fmt.Sprintf("%s %s failed: %s", path, action, msg), "")
		}
		return nil
	})
}
