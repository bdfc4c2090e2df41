package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gitzhang10/pocbft/config"
	"github.com/gitzhang10/pocbft/node"
	"github.com/gitzhang10/pocbft/sign"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pocbft",
		Short:        "Round-robin BFT block production and finality node",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newKeygenCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		prefix string
		name   string
		wait   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a validator node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.LoadConfig(prefix, name)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, conf, wait)
		},
	}
	cmd.Flags().StringVar(&prefix, "env-prefix", "", "prefix of environment variables overriding the config")
	cmd.Flags().StringVar(&name, "config", "config", "config file name, searched in ./ and ./config")
	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "time given to the other nodes to start listening")
	return cmd
}

func runNode(ctx context.Context, conf *config.Config, wait time.Duration) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n, err := node.NewNode(conf, reg)
	if err != nil {
		return err
	}
	if err := n.StartP2PListen(); err != nil {
		return err
	}
	// wait for each node to start
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(wait):
	}
	if err := n.EstablishP2PConns(); err != nil {
		return err
	}
	fmt.Println("node starts the consensus!", "address:", n.Address())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(ctx) })
	if conf.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              conf.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a fresh set of node keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			edPriv, edPub := sign.GenED25519Keys()
			blsPriv, blsPub := sign.GenBLSKeys()
			signer := sign.NewKeySigner()
			address, err := signer.AddKey(blsPriv)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "privkeyed: %s\n", hex.EncodeToString(edPriv))
			fmt.Fprintf(out, "pubkeyed: %s\n", hex.EncodeToString(edPub))
			fmt.Fprintf(out, "blskey: %s\n", hex.EncodeToString(blsPriv))
			fmt.Fprintf(out, "blspub: %s\n", hex.EncodeToString(blsPub))
			fmt.Fprintf(out, "address: %s\n", address)
			return nil
		},
	}
}
