package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"vending-controller/internal/model"
	"vending-controller/internal/nostr"
)

type watchLine struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Author    string        `json:"author"`
	Relay     string        `json:"relay"`
	Kind      string        `json:"kind"`
	Message   model.Message `json:"message,omitempty"`
	Raw       string        `json:"raw,omitempty"`
}

func watchCmd() *cobra.Command {
	var (
		rf       relayFlags
		machines []string
		since    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print requests and statuses mentioning machines as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys := make([]nostr.PublicKey, 0, len(machines))
			for _, m := range machines {
				pk, err := nostr.ParsePublicKey(m)
				if err != nil {
					return errors.Wrapf(err, "parse machine pubkey %q", m)
				}
				keys = append(keys, pk)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			client, err := rf.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			notes := client.Notifications()
			subID, err := client.Subscribe(ctx, time.Now().Add(-since), keys)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				select {
				case <-ctx.Done():
					return nil
				case n, ok := <-notes.C():
					if !ok {
						return notes.Err()
					}
					switch m := n.Message.(type) {
					case nostr.EOSEMessage:
						if m.SubscriptionID == subID {
							fmt.Fprintln(cmd.ErrOrStderr(), "-- live --")
						}
					case nostr.EventMessage:
						if m.SubscriptionID != subID {
							continue
						}
						if err := enc.Encode(describe(n.RelayURL, &m.Event)); err != nil {
							return err
						}
					}
				}
			}
		},
	}

	rf.register(cmd)
	cmd.Flags().StringSliceVar(&machines, "machine", nil, "Machine public keys to watch")
	cmd.Flags().DurationVar(&since, "since", time.Hour, "Replay events this far back")
	_ = cmd.MarkFlagRequired("machine")
	return cmd
}

func describe(relay string, ev *nostr.Event) watchLine {
	line := watchLine{
		ID:        ev.ID.String(),
		CreatedAt: ev.Time().UTC(),
		Author:    ev.PubKey.Hex(),
		Relay:     relay,
	}
	msg, err := model.DecodeMessage(ev.Content)
	if err != nil {
		line.Kind = "unknown"
		line.Raw = ev.Content
		return line
	}
	switch msg.(type) {
	case model.Request:
		line.Kind = "request"
	case model.StatusUpdate:
		line.Kind = "status"
	}
	line.Message = msg
	return line
}
