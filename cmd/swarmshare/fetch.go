package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rescp17/swarmshare/internal/style"
	"github.com/rescp17/swarmshare/internal/util"
	"github.com/rescp17/swarmshare/pkg/download"
	"github.com/rescp17/swarmshare/pkg/node"
	"github.com/rescp17/swarmshare/pkg/transfer"
	"github.com/rescp17/swarmshare/pkg/ui"
)

func newListCmd(a *app) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List files announced by peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			s, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			fmt.Print(ui.RenderOffers(s.node.Available()))
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "How long to collect announcements")
	return cmd
}

func newFetchCmd(a *app) *cobra.Command {
	var (
		outDir string
		wait   time.Duration
		plain  bool
	)
	cmd := &cobra.Command{
		Use:   "fetch <id-or-hash>",
		Short: "Download a file from every peer sharing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runFetch(cmd.Context(), args[0], outDir, wait, plain)
		},
	}
	cmd.Flags().StringVarP(&outDir, "output", "o", ".", "Directory to write the file to")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "How long to wait for the file to be announced")
	cmd.Flags().BoolVar(&plain, "plain", false, "Log progress instead of drawing a progress bar")
	return cmd
}

func (a *app) runFetch(ctx context.Context, key, outDir string, wait time.Duration, plain bool) error {
	if err := util.CheckOutputDir(outDir); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	offer, err := awaitOffer(ctx, s.node, key, wait)
	if err != nil {
		return err
	}
	desc := offer.Descriptor
	a.log.Info("Found file", "name", desc.FileName, "size", humanize.Bytes(uint64(desc.FileSize)), "peers", len(offer.Peers))

	path, err := util.OutputPath(outDir, desc.FileName)
	if err != nil {
		return err
	}
	out, err := os.CreateTemp(outDir, "."+filepath.Base(path)+".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(out.Name())

	var written int64
	if plain {
		written, err = s.node.Download(ctx, desc.Key(), out, func(u download.Update) {
			a.log.Info("Download progress", "status", u.Status, "chunks", u.Received, "total", u.Total)
		})
	} else {
		written, err = a.fetchWithProgress(ctx, s.node, desc, out)
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(out.Name(), path); err != nil {
		return err
	}
	fmt.Printf("%s %s (%s)\n", style.SuccessStyle.Render("Saved"), path, humanize.Bytes(uint64(written)))
	return nil
}

// fetchWithProgress runs the download under a progress view. Quitting the
// view cancels the download.
func (a *app) fetchWithProgress(ctx context.Context, n *node.Node, desc *transfer.FileDescriptor, out *os.File) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan tea.Msg, 64)
	go func() {
		written, err := n.Download(ctx, desc.Key(), out, func(u download.Update) {
			select {
			case events <- ui.UpdateMsg(u):
			default:
			}
		})
		events <- ui.DoneMsg{Written: written, Err: err}
	}()

	final, err := tea.NewProgram(ui.NewDownloadModel(desc, events, cancel), tea.WithContext(ctx)).Run()
	if m, ok := final.(ui.DownloadModel); ok && err == nil && m.Done() {
		return m.Written(), m.Err()
	}
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		a.log.Warn("Progress view failed", "error", err)
	}
	// the view ended before the download reported back
	cancel()
	for msg := range events {
		if d, ok := msg.(ui.DoneMsg); ok {
			return d.Written, d.Err
		}
	}
	return 0, transfer.ErrDownloadCancelled
}

// awaitOffer waits until key is announced by at least one peer.
func awaitOffer(ctx context.Context, n *node.Node, key string, wait time.Duration) (node.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		for _, o := range n.Available() {
			if o.Descriptor.Key() == key || o.Descriptor.FileID == key {
				return o, nil
			}
		}
		select {
		case <-ctx.Done():
			return node.Offer{}, fmt.Errorf("%w: %s was not announced within %s", transfer.ErrNoSeedersAvailable, key, wait)
		case <-tick.C:
		}
	}
}
