package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"vending-controller/internal/config"
	"vending-controller/internal/handler"
	"vending-controller/internal/logging"
	"vending-controller/internal/nostr"
	"vending-controller/internal/relayclient"
)

const connectTimeout = 15 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:           "vendingctl",
		Short:         "Keys, signed requests and event inspection for vending machines",
		Version:       handler.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if debug {
				level = "debug"
			}
			_, err := logging.Configure("vendingctl", level, true)
			return err
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.AddCommand(
		keygenCmd(),
		ed25519KeygenCmd(),
		signCmd(),
		requestCmd(),
		stopCmd(),
		watchCmd(),
		tokenCmd(),
	)
	return cmd
}

// relayFlags selects the relays and the signing key of commands that talk to
// relays.
type relayFlags struct {
	urls    []string
	session string
	keyFile string
}

func (f *relayFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.urls, "relay", []string{config.DefaultRelayURL}, "Relay websocket URLs")
	cmd.Flags().StringVar(&f.session, "session", config.ChargerSession, "Session tag of the controller")
	cmd.Flags().StringVar(&f.keyFile, "key", "data/user.key", "Nostr key file, generated when missing")
}

func (f *relayFlags) connect(ctx context.Context) (*relayclient.Client, error) {
	keys, err := nostr.LoadOrGenerateKeys(f.keyFile)
	if err != nil {
		return nil, err
	}
	client, err := relayclient.New(ctx, f.urls, keys, f.session, relayclient.Options{})
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.WaitConnected(waitCtx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
