package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescp17/swarmshare/internal/style"
	"github.com/rescp17/swarmshare/pkg/ui"
)

func newSeedCmd(a *app) *cobra.Command {
	var (
		fileID     string
		reannounce time.Duration
	)
	cmd := &cobra.Command{
		Use:   "seed <file>...",
		Short: "Share files until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fileID != "" && len(args) > 1 {
				return errors.New("--id can only be used with a single file")
			}
			return a.runSeed(cmd.Context(), args, fileID, reannounce)
		},
	}
	cmd.Flags().StringVar(&fileID, "id", "", "File id to announce; random when empty")
	cmd.Flags().DurationVar(&reannounce, "reannounce", 0, "Repeat direct mode announcements this often; 0 disables")
	return cmd
}

func (a *app) runSeed(ctx context.Context, paths []string, fileID string, reannounce time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	for _, path := range paths {
		desc, err := s.node.Share(ctx, path, fileID, func(f float64) {
			a.log.Debug("Hashing", "file", path, "progress", f)
		})
		if err != nil {
			return err
		}
		a.log.Info("Shared file", "name", desc.FileName, "id", desc.FileID, "hash", desc.Key())
	}
	fmt.Print(ui.RenderShared(s.node.Shared()))
	fmt.Println(style.HelpStyle.Render("Press ctrl+c to stop sharing."))

	// joining peers are answered on their greeting; periodic announcements
	// cover relays that drop broadcasts
	var tick <-chan time.Time
	if a.cfg.Room == "" && reannounce > 0 {
		ticker := time.NewTicker(reannounce)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case err := <-s.done:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-tick:
			if err := s.node.Reannounce(ctx); err != nil {
				a.log.Warn("Failed to re-announce files", "error", err)
			}
		}
	}
}
