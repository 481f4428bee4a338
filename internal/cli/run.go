package cli

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mesh-intelligence/mirror/internal/exporter"
	"github.com/mesh-intelligence/mirror/internal/logging"
	"github.com/mesh-intelligence/mirror/internal/notify"
	"github.com/mesh-intelligence/mirror/internal/source"
	"github.com/mesh-intelligence/mirror/internal/sqlite"
	"github.com/mesh-intelligence/mirror/pkg/types"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the exit corrections and the final notification.
const shutdownTimeout = 10 * time.Second

func newRunCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Mirror the spool into the store until interrupted",
		Long: "Watch the spool directory, keep the store in sync, and serve\n" +
			"notifications on the websocket hub. SIGINT or SIGTERM shuts down\n" +
			"after applying the exit corrections.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMirror(cmd, f)
		},
	}
}

func runMirror(cmd *cobra.Command, f *rootFlags) error {
	s, err := loadSettings(f)
	if err != nil {
		return userError("%s", err)
	}
	if s.Log.File == "" {
		s.Log.Stderr = cmd.ErrOrStderr()
	}
	logger, closeLog, err := logging.New(s.Log)
	if err != nil {
		return userError("%s", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := sqlite.Open(ctx, s.Store, logger.With("component", "store"))
	if err != nil {
		return sysError("open storage: %s", err)
	}
	defer g.Close()

	var (
		notifier notify.Notifier = notify.Nop{}
		hub      *notify.Hub
		ln       net.Listener
	)
	if s.NotifyListen != "" {
		ln, err = net.Listen("tcp", s.NotifyListen)
		if err != nil {
			return sysError("listen %s: %s", s.NotifyListen, err)
		}
		hub = notify.NewHub(logger.With("component", "hub"))
		notifier = hub
		logger.Info("notification hub listening", "addr", ln.Addr().String())
	}

	exp := exporter.New(g, exporter.Options{
		BaseDelay: s.Store.BaseDelay,
		MaxDelay:  s.Store.MaxDelay,
		Preview:   types.NewPreviewable(s.Store.PreviewableExtensions),
		Notifier:  notifier,
		Logger:    logger.With("component", "exporter"),
	})
	spool := source.NewSpool(s.SpoolDir, s.UpdateInterval, logger.With("component", "spool"))
	events := make(chan types.Event, 64)

	// The hub outlives the control loop so producer_down can be delivered.
	hubCtx, stopHub := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHub()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return spool.Run(egCtx, events)
	})
	eg.Go(func() error {
		defer stopHub()
		exp.Start(egCtx)
		runErr := exp.Run(egCtx, events)

		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(egCtx), shutdownTimeout)
		defer cancel()
		exp.Close(closeCtx)
		return runErr
	})
	if hub != nil {
		eg.Go(func() error {
			return hub.Serve(hubCtx, ln)
		})
	}

	logger.Info("mirror running", "database", s.Store.Path, "spool", s.SpoolDir)
	if err := eg.Wait(); err != nil {
		return sysError("%s", err)
	}
	logger.Info("mirror stopped")
	return nil
}
