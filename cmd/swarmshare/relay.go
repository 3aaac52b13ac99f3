package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rescp17/swarmshare/pkg/discovery"
	"github.com/rescp17/swarmshare/pkg/signaling"
)

const shutdownTimeout = 5 * time.Second

func newRelayCmd(a *app) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay peers rendezvous on",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("listen") {
				a.cfg.RelayListen = listen
			}
			return a.runRelay(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":7420", "Address the relay listens on")
	return cmd
}

func (a *app) runRelay(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.RelayListen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.RelayListen, err)
	}
	hub := signaling.NewHub(a.log)
	srv := &http.Server{
		Handler:           signaling.NewServer(hub, a.log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("Relay listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if a.cfg.Announce {
		port := ln.Addr().(*net.TCPAddr).Port
		g.Go(func() error {
			adapter := &discovery.MDNSAdapter{Log: a.log}
			err := adapter.Announce(ctx, discovery.ServiceInfo{
				Name:   relayInstanceName(port),
				Type:   discovery.DefaultServiceType,
				Domain: discovery.DefaultDomain,
				Port:   port,
			})
			if err != nil {
				// the relay stays usable by URL without mDNS
				a.log.Warn("mDNS announcement failed", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func relayInstanceName(port int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "swarmshare"
	}
	return host + "-" + strconv.Itoa(port)
}
