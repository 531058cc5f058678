package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vending-controller/internal/auth"
	"vending-controller/internal/config"
	"vending-controller/internal/handler"
	"vending-controller/internal/ledger"
	"vending-controller/internal/logging"
	"vending-controller/internal/node"
	"vending-controller/internal/nostr"
	"vending-controller/internal/relayclient"
	"vending-controller/internal/server"
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
		Use:           "vending-node",
		Short:         "Drive the Available/Working state of vending machines",
		Version:       handler.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadNodeConfig(configPath, config.OSEnv())
			if err != nil {
				return err
			}
			if debug {
				cfg.Log.Level = "debug"
			}
			if _, err := logging.Configure("vending-node", cfg.Log.Level, cfg.Log.Pretty); err != nil {
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

func parseKeys(raw []string) ([]nostr.PublicKey, error) {
	out := make([]nostr.PublicKey, 0, len(raw))
	for _, s := range raw {
		pk, err := nostr.ParsePublicKey(s)
		if err != nil {
			return nil, errors.Wrapf(err, "parse public key %q", s)
		}
		out = append(out, pk)
	}
	return out, nil
}

func run(ctx context.Context, cfg config.NodeConfig) error {
	keys, err := nostr.LoadOrGenerateKeys(cfg.KeyFile)
	if err != nil {
		return err
	}
	admin, err := nostr.ParsePublicKey(cfg.AdminPubkey)
	if err != nil {
		return errors.Wrap(err, "parse admin pubkey")
	}
	trusted, err := parseKeys(cfg.TrustedPubkeys)
	if err != nil {
		return err
	}
	machines, err := parseKeys(cfg.Machines)
	if err != nil {
		return err
	}

	var bot solana.PrivateKey
	if cfg.Ledger.KeypairPath != "" {
		if bot, err = ledger.ReadKeypairFile(cfg.Ledger.KeypairPath); err != nil {
			return err
		}
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

	coord, err := node.New(client, gate, node.Config{
		AdminKey:      admin,
		TrustedKeys:   trusted,
		Machines:      machines,
		Class:         cfg.Class,
		PrepaidAmount: cfg.PrepaidAmount,
		PayAmount:     cfg.PayAmount,
		AutoRevert:    cfg.AutoRevert,
		ReasonPolicy:  cfg.ReasonPolicy,
		CheckInterval: cfg.Relay.CheckInterval,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("pubkey", keys.PublicKey().Hex()).
		Str("class", cfg.Class).
		Str("session", cfg.Relay.Session).
		Int("machines", len(machines)).
		Dur("auto_revert", cfg.AutoRevert).
		Msg("node started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	if cfg.Admin.Addr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := server.NewAdminRouter(server.AdminDeps{
			Component: "vending-node",
			TokenConfig: auth.TokenConfig{
				Secret: cfg.Admin.TokenSecret,
				Expiry: cfg.Admin.TokenExpiry,
				Issuer: cfg.Admin.TokenIssuer,
			},
			RateLimit: cfg.Admin.RateLimit,
			Machines:  coord,
		})
		g.Go(func() error {
			return server.Run(gctx, server.NewHTTPServer(cfg.Admin.Addr, router), server.TLSFiles{})
		})
	}
	return g.Wait()
}
