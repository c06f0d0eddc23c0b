package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/instancehub/instancehub/internal/export"
	hubRedis "github.com/instancehub/instancehub/internal/redis"
	"github.com/instancehub/instancehub/internal/ui"
	"github.com/instancehub/instancehub/pkg/config"
	"github.com/instancehub/instancehub/pkg/engine"
	"github.com/instancehub/instancehub/pkg/stream"
	"github.com/spf13/cobra"
)

// exportTimeout bounds each Redis command issued by the snapshot publisher
const exportTimeout = 5 * time.Second

type monitorOptions struct {
	plain    bool
	duration time.Duration
	width    int
	logFile  string
}

func newMonitorCommand(root *rootOptions) *cobra.Command {
	opts := &monitorOptions{}

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the monitor and render live snapshots",
		Long: `Run every configured probe and health check and render a snapshot on each
refresh. The live view quits on q or ctrl+c; --plain prints one block per
snapshot instead, which suits logs and pipes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := root.load()
			if err != nil {
				return err
			}
			return runMonitor(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, path, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.plain, "plain", false, "print snapshots instead of the live view")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().IntVar(&opts.width, "width", 100, "render width in --plain mode")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "", "write logs here (the live view otherwise discards them)")
	return cmd
}

func runMonitor(ctx context.Context, stdout, stderr io.Writer, cfg *config.Config, path string, opts *monitorOptions) error {
	logOut, closeLog, err := logWriter(stderr, opts)
	if err != nil {
		return err
	}
	defer closeLog()

	logger := engine.NewLogger(cfg.Log, logOut)
	slog.SetDefault(logger)
	if path != "" {
		logger.Info("Loaded configuration", "path", path)
	}

	e, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	snaps := e.Subscribe(stream.Options{Buffer: 4})
	defer snaps.Close()

	exporters, err := startExporters(ctx, cfg, e, logger)
	if err != nil {
		return err
	}
	defer exporters()

	if err := e.Start(ctx); err != nil {
		return err
	}

	// Stopping the engine ends every subscription, which ends the renderer
	stopped := make(chan error, 1)
	go func() {
		<-ctx.Done()
		stopped <- e.Stop(context.Background())
	}()

	var renderErr error
	if opts.plain {
		for snap := range snaps.C() {
			fmt.Fprintln(stdout, ui.RenderSnapshot(snap, opts.width))
		}
	} else {
		p := tea.NewProgram(ui.NewModel(snaps.C(), e.Latest()),
			tea.WithContext(ctx), tea.WithOutput(stdout), tea.WithAltScreen())
		_, renderErr = p.Run()
		if errors.Is(renderErr, tea.ErrProgramKilled) && ctx.Err() != nil {
			renderErr = nil
		}
	}

	// The live view can quit before ctx ends; stopSignals cancels ctx
	stopSignals()
	return errors.Join(renderErr, <-stopped)
}

// startExporters wires the optional Redis publisher and Prometheus endpoint
// to the engine's streams. The returned func waits for them to finish.
func startExporters(ctx context.Context, cfg *config.Config, e *engine.Engine, logger *slog.Logger) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	cleanups := []func(){cancel}
	cleanup := func() {
		cancel()
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.Export.RedisURL != "" {
		client, err := hubRedis.NewClientLazy(cfg.Export.RedisURL, exportTimeout)
		if err != nil {
			cancel()
			return nil, err
		}
		pub := export.NewRedisPublisher(client,
			export.WithKey(cfg.Export.RedisKey),
			export.WithTTL(cfg.Export.TTL),
			export.WithLogger(logger),
		)
		snaps := e.Subscribe(stream.Options{Buffer: 4})
		alerts := e.SubscribeAlerts(stream.Options{Buffer: 64})

		done := make(chan struct{})
		go func() {
			defer close(done)
			pub.Run(ctx, snaps.C(), alerts.C())
		}()
		cleanups = append(cleanups, func() {
			snaps.Close()
			alerts.Close()
			<-done
			_ = client.Close()
		})
		logger.Info("Exporting snapshots to Redis", "key", cfg.Export.RedisKey, "channel", pub.AlertChannel())
	}

	if cfg.Export.MetricsAddr != "" {
		prom := export.NewPromExporter(logger)
		snaps := e.Subscribe(stream.Options{Buffer: 4})
		alerts := e.SubscribeAlerts(stream.Options{Buffer: 64})

		done := make(chan struct{})
		go func() {
			defer close(done)
			prom.Run(ctx, snaps.C(), alerts.C())
		}()
		serveDone := make(chan struct{})
		go func() {
			defer close(serveDone)
			if err := prom.Serve(ctx, cfg.Export.MetricsAddr); err != nil {
				logger.Error("Metrics endpoint stopped", "error", err)
			}
		}()
		cleanups = append(cleanups, func() {
			snaps.Close()
			alerts.Close()
			<-done
			<-serveDone
		})
	}

	return cleanup, nil
}

func logWriter(stderr io.Writer, opts *monitorOptions) (io.Writer, func(), error) {
	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return f, func() { _ = f.Close() }, nil
	}
	if opts.plain {
		return stderr, func() {}, nil
	}
	return io.Discard, func() {}, nil
}
