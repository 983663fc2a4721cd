package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"P2PCanvas/internal/bridge"
	"P2PCanvas/internal/config"
	"P2PCanvas/internal/metrics"
	canvasnet "P2PCanvas/internal/net"
	"P2PCanvas/internal/session"
)

type runFlags struct {
	topic    string
	listen   []string
	peers    []string
	httpAddr string
	noMDNS   bool
	logLevel string
}

func NewRunCommand() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the canvas and serve the browser bridge",
		Long: "Starts a libp2p node, joins the canvas topic and serves the WebSocket bridge.\n" +
			"Every flag falls back to its CANVAS_* environment variable.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&f.topic, "topic", "", "canvas topic (CANVAS_TOPIC)")
	cmd.Flags().StringSliceVar(&f.listen, "listen", nil, "libp2p listen multiaddrs (CANVAS_LISTEN)")
	cmd.Flags().StringSliceVar(&f.peers, "peer", nil, "peer multiaddr to dial, repeatable (CANVAS_PEERS)")
	cmd.Flags().StringVar(&f.httpAddr, "http", "", "bridge listen address (CANVAS_HTTP_ADDR)")
	cmd.Flags().BoolVar(&f.noMDNS, "no-mdns", false, "disable local network discovery")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (CANVAS_LOG_LEVEL)")

	return cmd
}

// apply overrides cfg with the flags set on the command line.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("topic") {
		cfg.Topic = f.topic
	}
	if flags.Changed("listen") {
		cfg.ListenAddrs = f.listen
	}
	if flags.Changed("peer") {
		cfg.Peers = f.peers
	}
	if flags.Changed("http") {
		cfg.HTTPAddr = f.httpAddr
	}
	if f.noMDNS {
		cfg.MDNS = false
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.Level()
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	node, err := canvasnet.NewNode(ctx, canvasnet.Options{ListenAddrs: cfg.ListenAddrs, Logger: logger})
	if err != nil {
		return err
	}
	defer node.Close()
	for _, a := range node.FullAddrs() {
		logger.Info("dial this board with", "addr", a.String())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sess := session.New(node, cfg.Topic, session.WithLogger(logger), session.WithMetrics(m))
	if !sess.Joined() {
		if err := sess.Join(); err != nil {
			return fmt.Errorf("join %q: %w", cfg.Topic, err)
		}
	}
	defer func() {
		if err := sess.Leave(); err != nil && !errors.Is(err, session.ErrNotStarted) {
			logger.Warn("leave canvas", "error", err)
		}
	}()

	for _, addr := range cfg.Peers {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := node.Connect(dctx, addr); err != nil {
			logger.Warn("could not dial peer", "addr", addr, "error", err)
		}
		cancel()
	}

	if cfg.MDNS {
		if err := startDiscovery(ctx, node, cfg.MDNSInterval, logger); err != nil {
			logger.Warn("mDNS discovery disabled", "error", err)
		}
	}

	br := bridge.New(sess, bridge.WithLogger(logger), bridge.WithGatherer(reg))
	defer br.Close()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           br.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridge listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve bridge: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// startDiscovery advertises the node over mDNS and dials every board found
// until ctx is done.
func startDiscovery(ctx context.Context, node *canvasnet.Node, interval time.Duration, logger *slog.Logger) error {
	port, err := node.TCPPort()
	if err != nil {
		return err
	}
	adv, err := canvasnet.Advertise(node.ID(), port, logger)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		if err := adv.Shutdown(); err != nil {
			logger.Debug("mDNS shutdown", "error", err)
		}
	}()

	go canvasnet.Browse(ctx, node.ID(), interval, func(info peer.AddrInfo) {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := node.ConnectPeer(dctx, info); err != nil {
			logger.Debug("dial discovered board", "peer", info.ID, "error", err)
		}
	}, logger)
	return nil
}
