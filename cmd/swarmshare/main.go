package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/rescp17/swarmshare/internal/config"
)

// flags holds command-line overrides of the environment configuration.
type flags struct {
	envFile  string
	relayURL string
	room     string
	peerID   string
	logLevel string
	storeDir string
}

type app struct {
	flags flags
	cfg   *config.Config
	log   *slog.Logger
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	var files []string
	if a.flags.envFile != "" {
		files = append(files, a.flags.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	override := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	override("relay", &cfg.RelayURL, a.flags.relayURL)
	override("room", &cfg.Room, a.flags.room)
	override("peer-id", &cfg.PeerID, a.flags.peerID)
	override("log-level", &cfg.LogLevel, a.flags.logLevel)
	override("store-dir", &cfg.StoreDir, a.flags.storeDir)

	a.cfg = cfg
	a.log = cfg.NewLogger()
	slog.SetDefault(a.log)
	return nil
}

func main() {
	a := &app{}
	cmd := &cobra.Command{
		Use:               "swarmshare",
		Short:             "Share files peer to peer, fetching every file from all peers that hold it",
		PersistentPreRunE: a.load,
		SilenceUsage:      true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.flags.envFile, "env-file", ".env", "Environment file to load")
	pf.StringVar(&a.flags.relayURL, "relay", "", "Relay base URL; discovered over mDNS when empty")
	pf.StringVar(&a.flags.room, "room", "", "Room to join; direct mode when empty")
	pf.StringVar(&a.flags.peerID, "peer-id", "", "Peer id on the relay; random when empty")
	pf.StringVar(&a.flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&a.flags.storeDir, "store-dir", "", "Directory for downloaded chunks; memory when empty")

	cmd.AddCommand(
		newRelayCmd(a),
		newSeedCmd(a),
		newListCmd(a),
		newFetchCmd(a),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := fang.Execute(ctx, cmd); err != nil {
		os.Exit(1)
	}
}
