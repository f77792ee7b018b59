package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wingsd/wingsd/internal/activity"
	"github.com/wingsd/wingsd/internal/archive"
	"github.com/wingsd/wingsd/internal/config"
	"github.com/wingsd/wingsd/internal/containerengine"
	"github.com/wingsd/wingsd/internal/metrics"
	"github.com/wingsd/wingsd/internal/panel"
	"github.com/wingsd/wingsd/internal/server"
	"github.com/wingsd/wingsd/internal/sftpd"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon: SFTP gateway, activity flush loop, and metrics endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// serverDefaults carries the process-wide backup/compression settings
// applied to every discovered server, since config.yml (unlike the
// panel's per-server API) only has one tunable set for this node.
type serverDefaults struct {
	compressionLevel archive.LevelPreset
	compression      archive.Compression
	container        archive.Container
	readLimitBS      int64
	writeLimitBS     int64
	backupDir        string
	backupAdapter    string
	ignoreOverrides  []string
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	panelClient := panel.New(cfg.Remote, cfg.Token)

	activityLog := activity.NewLog(panelClient, cfg.ActivityFlushInterval)

	engine := containerengine.NewStub()
	hub := server.NewHub()

	defaults := serverDefaults{
		compressionLevel: config.ParseCompressionLevel(cfg.CompressionLevel),
		compression:      archive.CompressionGzip,
		container:        archive.ContainerTar,
		readLimitBS:      cfg.Throttles.ReadLimitBS,
		writeLimitBS:     cfg.Throttles.WriteLimitBS,
		backupDir:        cfg.System.BackupDir,
		backupAdapter:    cfg.BackupAdapter,
		ignoreOverrides:  cfg.IgnoreOverrides,
	}

	reg := newRegistry()
	if err := discoverServers(reg, hub, engine, activityLog, defaults, cfg.System.RootDirectory); err != nil {
		return err
	}
	logrus.WithField("count", len(reg.servers())).Info("wingsd: discovered managed servers")

	if err := panelClient.ResetServerState(ctx); err != nil {
		logrus.WithError(err).Warn("wingsd: failed to report server state reset to panel")
	}

	hostKey, err := loadOrCreateHostKey(cfg.SFTP.HostKeyPath)
	if err != nil {
		return err
	}

	listener := &sftpd.Listener{
		Addr:    cfg.SFTP.Listen,
		HostKey: hostKey,
		Panel:   panelClient,
		Lookup:  reg,
		Log:     activityLog,
		Level:   defaults.compressionLevel,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		activityLog.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return listener.Serve(gctx)
	})
	g.Go(func() error {
		metrics.LogStartup(cfg.MetricsListen)
		return metrics.Serve(gctx, cfg.MetricsListen)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("wingsd: %w", err)
	}
	return nil
}
