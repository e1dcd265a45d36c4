package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/latch/pkg/authority"
	"github.com/pixperk/latch/pkg/fsm"
	latchraft "github.com/pixperk/latch/pkg/raft"
	"github.com/pixperk/latch/pkg/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a latchd node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	flags := cmd.Flags()
	flags.String("node-id", "", "Unique node ID (generates UUID if empty)")
	flags.String("http-addr", ":8080", "HTTP API address")
	flags.Bool("raft", false, "Enable raft-replicated clustered mode")
	flags.String("raft-addr", "127.0.0.1:7000", "Raft bind address")
	flags.String("data-dir", "./data", "Data directory for raft storage")
	flags.Bool("bootstrap", false, "Bootstrap a new cluster")
	flags.Duration("sweep-interval", authority.DefaultSweepInterval, "Lease expiry sweep interval")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("LATCHD")
	viper.AutomaticEnv()
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	return cmd
}

func runServe() error {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "latchd",
		Level: hclog.LevelFromString(viper.GetString("log-level")),
	})

	nid := uuid.New()
	if s := viper.GetString("node-id"); s != "" {
		parsed, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid node id: %w", err)
		}
		nid = parsed
	}

	var (
		applier authority.Applier
		table   *fsm.FSM
		cluster server.ClusterInfo
	)

	if viper.GetBool("raft") {
		node, err := latchraft.NewNode(&latchraft.Config{
			NodeID:    nid,
			BindAddr:  viper.GetString("raft-addr"),
			DataDir:   viper.GetString("data-dir"),
			Bootstrap: viper.GetBool("bootstrap"),
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create raft node: %w", err)
		}
		defer node.Shutdown()

		if viper.GetBool("bootstrap") {
			if err := node.WaitForLeader(10 * time.Second); err != nil {
				return err
			}
		}
		logger.Info("raft node initialized", "node_id", nid, "addr", viper.GetString("raft-addr"))

		applier = node
		table = node.Table()
		cluster = node
	} else {
		table = fsm.NewFSM()
		applier = table
		logger.Info("running single-node, state is in-memory only")
	}

	auth := authority.New(applier, table, authority.Config{
		SweepInterval: viper.GetDuration("sweep-interval"),
		Logger:        logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	auth.Start(ctx)
	defer auth.Close()

	httpAddr := viper.GetString("http-addr")
	srv := server.NewServer(httpAddr, auth, cluster, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", "addr", httpAddr)
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Stop(shutdownCtx)
}
