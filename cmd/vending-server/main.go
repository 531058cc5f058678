package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vending-controller/internal/auth"
	"vending-controller/internal/config"
	"vending-controller/internal/cursor"
	"vending-controller/internal/handler"
	"vending-controller/internal/ledger"
	"vending-controller/internal/logging"
	"vending-controller/internal/nostr"
	"vending-controller/internal/relayclient"
	"vending-controller/internal/server"
	"vending-controller/internal/settlement"
)

const connectTimeout = 30 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:           "vending-server",
		Short:         "Lock and settle user funds for vending sessions",
		Version:       handler.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configPath, config.OSEnv())
			if err != nil {
				return err
			}
			if debug {
				cfg.Log.Level = "debug"
			}
			if _, err := logging.Configure("vending-server", cfg.Log.Level, cfg.Log.Pretty); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	return cmd
}

func run(ctx context.Context, cfg config.ServerConfig) error {
	keys, err := nostr.LoadOrGenerateKeys(cfg.KeyFile)
	if err != nil {
		return err
	}
	store, err := cursor.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	bot, err := ledger.ReadKeypairFile(cfg.Ledger.KeypairPath)
	if err != nil {
		return err
	}
	gate, err := ledger.NewSolanaGate(ledger.SolanaConfig{
		RPCURL:    cfg.Ledger.RPCURL,
		ProgramID: cfg.Ledger.ProgramID,
		Bot:       bot,
		Timeout:   cfg.Ledger.Timeout,
	})
	if err != nil {
		return err
	}

	client, err := relayclient.New(ctx, cfg.Relay.URLs, keys, cfg.Relay.Session, relayclient.Options{})
	if err != nil {
		return err
	}
	defer client.Close()

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err = client.WaitConnected(waitCtx)
	cancel()
	if err != nil {
		return err
	}

	coord := settlement.New(client, gate, store, settlement.Config{
		PrepaidAmount:  cfg.PrepaidAmount,
		TransferAmount: cfg.TransferAmount,
		Backtrack:      cfg.Backtrack,
		CheckInterval:  cfg.Relay.CheckInterval,
	})

	log.Info().
		Str("pubkey", keys.PublicKey().Hex()).
		Str("session", cfg.Relay.Session).
		Str("database", cfg.Database.Driver).
		Str("bot", bot.PublicKey().String()).
		Msg("server started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-coord.Ready():
			log.Info().Msg("settlement is live")
		case <-gctx.Done():
		}
		return nil
	})
	if cfg.Admin.Addr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := server.NewAdminRouter(server.AdminDeps{
			Component: "vending-server",
			TokenConfig: auth.TokenConfig{
				Secret: cfg.Admin.TokenSecret,
				Expiry: cfg.Admin.TokenExpiry,
				Issuer: cfg.Admin.TokenIssuer,
			},
			RateLimit: cfg.Admin.RateLimit,
			Cursor:    store,
		})
		g.Go(func() error {
			return server.Run(gctx, server.NewHTTPServer(cfg.Admin.Addr, router), server.TLSFiles{})
		})
	}
	return g.Wait()
}
