package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/instancehub/instancehub/internal/ui"
	"github.com/instancehub/instancehub/pkg/probes"
	"github.com/spf13/cobra"
)

func newProcessesCommand() *cobra.Command {
	var (
		limit int
		sort  string
		width int
	)

	cmd := &cobra.Command{
		Use:     "processes",
		Aliases: []string{"ps"},
		Short:   "List the busiest processes",
		Long: `List the processes using the most CPU or memory. CPU% is the average
over each process's lifetime.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcesses(cmd.Context(), cmd.OutOrStdout(), probes.ProcessSort(sort), limit, width)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of processes to show")
	cmd.Flags().StringVarP(&sort, "sort", "s", string(probes.SortByCPU), "sort by cpu or memory")
	cmd.Flags().IntVar(&width, "width", 100, "render width")
	return cmd
}

func runProcesses(ctx context.Context, w io.Writer, by probes.ProcessSort, limit, width int) error {
	list, err := probes.TopProcesses(ctx, by, limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, ui.RenderProcesses(list, width))
	return nil
}
