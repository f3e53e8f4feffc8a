package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gosuda/kcprelay/config"
	"github.com/gosuda/kcprelay/controlplane"
	"github.com/gosuda/kcprelay/relay"
	kcptransport "github.com/gosuda/kcprelay/transport/kcp"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "kcprelay-server",
	Short: "KCP-based relay server for host-authoritative multiplayer sessions",
	RunE:  runServer,
}

func init() {
	goFlags := flag.NewFlagSet("kcprelay-server", flag.ContinueOnError)
	config.RegisterFlags(goFlags, &cfg)
	rootCmd.PersistentFlags().AddGoFlagSet(goFlags)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("[server] execute root command")
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := relay.NewEventHub()
	core := relay.NewRelayCore(hub, log.Logger)
	core.Start()
	defer core.Stop()

	kcpOpts := kcptransport.Options{
		DualMode:          cfg.KcpDualMode,
		NoDelay:           cfg.KcpNoDelay,
		Interval:          cfg.KcpIntervalMs,
		Timeout:           cfg.KcpTimeout(),
		RecvBufferSize:    cfg.KcpRecvBufferSize,
		SendBufferSize:    cfg.KcpSendBufferSize,
		FastResend:        cfg.KcpFastResend,
		ReceiveWindowSize: cfg.KcpReceiveWindowSize,
		SendWindowSize:    cfg.KcpSendWindowSize,
		MaxRetransmit:     cfg.KcpMaxRetransmit,
	}
	kcpAddr := fmt.Sprintf(":%d", cfg.KcpPort)
	kcpServer, err := kcptransport.Listen(kcpAddr, core, kcpOpts, log.Logger)
	if err != nil {
		return fmt.Errorf("bind kcp listener: %w", err)
	}
	kcpServer.Start()
	log.Info().Str("addr", kcpAddr).Msg("[server] kcp data plane listening")

	httpAddr := fmt.Sprintf("%s:%d", cfg.HttpAddress, cfg.HttpPort)
	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("bind http listener: %w", err)
	}
	httpSrv := &http.Server{
		Handler:           controlplane.New(core, hub, log.Logger),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("addr", httpAddr).Msg("[server] http control plane listening")
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http control plane: %w", err)
		}
		return nil
	})

	<-gctx.Done()
	log.Info().Msg("[server] shutting down...")

	core.Shutdown()
	hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("[server] http shutdown error")
	}
	if err := kcpServer.Stop(); err != nil {
		log.Error().Err(err).Msg("[server] kcp shutdown error")
	}

	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("[server] shutdown with error")
		return err
	}

	log.Info().Msg("[server] shutdown complete")
	return nil
}
