package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	hubErrors "github.com/instancehub/instancehub/internal/errors"
	"github.com/instancehub/instancehub/internal/ui"
	"github.com/instancehub/instancehub/pkg/health"
	"github.com/instancehub/instancehub/pkg/types"
	"github.com/spf13/cobra"
)

func newHealthCommand(root *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check every configured service once",
		Long: `Run one health check over every configured service and print the result.
Exits non-zero when any service is unreachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			o := health.NewOrchestrator(health.WithLogger(quietLogger()))
			defer o.Close()
			for _, sc := range cfg.Services {
				if err := o.Register(sc.HealthConfig()); err != nil {
					return err
				}
			}

			return runHealth(cmd.Context(), cmd.OutOrStdout(), o, timeout)
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "per-service timeout (default: each service's own)")
	return cmd
}

func runHealth(ctx context.Context, w io.Writer, o *health.Orchestrator, timeout time.Duration) error {
	results := o.CheckAll(ctx, timeout)

	ids := o.ServiceIDs()
	reports := make([]types.HealthReport, 0, len(ids))
	down := 0
	for _, id := range ids {
		r := results[id]
		if !r.Reachable {
			down++
		}
		reports = append(reports, r)
	}
	fmt.Fprintln(w, ui.RenderHealth(reports, 80))

	if down > 0 {
		return hubErrors.New(hubErrors.ErrHealth,
			fmt.Sprintf("%d of %d services unreachable", down, len(ids)),
			"Check the services are running and the credentials are correct")
	}
	return nil
}
