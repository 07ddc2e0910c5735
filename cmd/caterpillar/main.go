// Command caterpillar is a headless update-orchestration daemon for
// A/B root-filesystem Linux appliances. It discovers update bundles on
// removable media via UDisks2, selects and installs them via RAUC, and
// exposes its state over the system bus as de.sleepmap.Caterpillar.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dvzrv/caterpillar/internal/busgateway"
	"github.com/dvzrv/caterpillar/internal/config"
	"github.com/dvzrv/caterpillar/internal/control"
	"github.com/dvzrv/caterpillar/internal/metrics"
	"github.com/dvzrv/caterpillar/internal/orchestrator"
)

var log = logrus.WithField("component", "main")

var configPath string

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caterpillar",
		Short: "Update-orchestration daemon for A/B root-filesystem appliances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", fmt.Sprintf("path to configuration file (default %s)", config.DefaultPath))
	return cmd
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.WithError(err).Fatal("caterpillar exited with an error")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}
	log.WithFields(logrus.Fields{
		"autorun":          cfg.Autorun,
		"bundle_extension": cfg.BundleExtension,
		"device_regex":     cfg.DeviceRegex,
		"override_dir":     cfg.OverrideDir,
	}).Info("starting caterpillar")

	gw, err := busgateway.Dial()
	if err != nil {
		return errors.Wrap(err, "connecting to the system bus")
	}
	defer gw.Close()

	orch := orchestrator.New(cfg, gw, nil)

	log.Info("probing block manager, installer and session manager")
	if err := orch.Probe(ctx); err != nil {
		return errors.Wrap(err, "startup probe failed")
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return errors.Wrap(err, "opening control bus connection")
	}
	defer conn.Close()

	svc, err := control.Export(conn, orch)
	if err != nil {
		return errors.Wrap(err, "exporting D-Bus service")
	}
	go svc.WatchState(ctx)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- orch.Run(ctx) }()

	// Autorun bootstrap (spec.md §4.6): once the service is published and
	// its own drain loop has reached Idle, call SearchForUpdate over the
	// bus exactly as an external caller would, the same self-addressed
	// call the original daemon makes right after serve_at.
	if cfg.Autorun {
		if err := waitForIdle(ctx, orch); err != nil {
			return errors.Wrap(err, "waiting for orchestrator to become idle before autorun search")
		}
		log.Info("autorun enabled, issuing initial search for update")
		call := conn.Object(control.BusName, control.ObjectPath).CallWithContext(ctx, control.IfaceName+".SearchForUpdate", 0)
		if call.Err != nil {
			return errors.Wrap(call.Err, "issuing autorun search for update")
		}
	}

	collector := metrics.NewCollector()
	go watchMetrics(ctx, orch, collector)

	if cfg.MetricsListen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsListen); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Warn("failed notifying service manager of readiness")
	} else if sent {
		log.Info("notified service manager of readiness")
	}

	go watchdogPing(ctx)

	runErr := <-runErrCh
	if runErr != nil && ctx.Err() == nil {
		return errors.Wrap(runErr, "orchestrator exited unexpectedly")
	}
	return nil
}

// waitForIdle blocks until orch reaches its Idle state or ctx is cancelled.
// The drain loop started by Run always reaches Idle on its first tick, so
// this resolves within one 100ms poll under normal operation.
func waitForIdle(ctx context.Context, orch *orchestrator.Orchestrator) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if orch.State().Tag == orchestrator.TagIdle {
				return nil
			}
		}
	}
}

func watchMetrics(ctx context.Context, orch *orchestrator.Orchestrator, collector *metrics.Collector) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.Observe(orch.State())
		}
	}
}

// watchdogPing pings systemd's watchdog at half its configured interval, if
// the unit declares WatchdogSec=.
func watchdogPing(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.WithError(err).Warn("failed notifying watchdog")
			}
		}
	}
}
