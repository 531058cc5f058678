package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"vending-controller/internal/auth"
	"vending-controller/internal/config"
	"vending-controller/internal/ledger"
	"vending-controller/internal/model"
	"vending-controller/internal/nostr"
	"vending-controller/internal/relayclient"
)

// signFlags produce a session payload carrying a fresh recover_info.
type signFlags struct {
	keypair    string
	nonce      uint64
	deadlineIn time.Duration
	rpcURL     string
	programID  string
}

func (f *signFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.keypair, "keypair", "data/user.json", "User ed25519 keypair (solana-keygen JSON)")
	cmd.Flags().Uint64Var(&f.nonce, "nonce", 0, "Nonce to sign for; read from the ledger when omitted")
	cmd.Flags().DurationVar(&f.deadlineIn, "deadline", 5*time.Minute, "How long the signature stays valid")
	cmd.Flags().StringVar(&f.rpcURL, "rpc-url", config.DefaultRPCURL, "Solana JSON-RPC endpoint")
	cmd.Flags().StringVar(&f.programID, "program-id", config.DefaultProgramID, "balance-payment program id")
}

func (f *signFlags) payload(cmd *cobra.Command) (model.SessionPayload, error) {
	key, err := ledger.ReadKeypairFile(f.keypair)
	if err != nil {
		return model.SessionPayload{}, err
	}
	user := key.PublicKey().String()

	nonce := f.nonce
	if !cmd.Flags().Changed("nonce") {
		gate, err := ledger.NewSolanaGate(ledger.SolanaConfig{RPCURL: f.rpcURL, ProgramID: f.programID})
		if err != nil {
			return model.SessionPayload{}, err
		}
		if nonce, err = gate.UserNonce(cmd.Context(), user); err != nil {
			return model.SessionPayload{}, errors.Wrap(err, "read user nonce")
		}
	}

	deadline := time.Now().Add(f.deadlineIn).Unix()
	ri := auth.SignRecoverInfo(ed25519.PrivateKey(key), auth.NewPayload(), nonce, deadline)
	encoded, err := ri.Encode()
	if err != nil {
		return model.SessionPayload{}, err
	}
	return model.SessionPayload{User: user, Nonce: nonce, RecoverInfo: encoded}, nil
}

func signCmd() *cobra.Command {
	var sf signFlags

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print a session payload with a signed recover_info",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := sf.payload(cmd)
			if err != nil {
				return err
			}
			out, err := p.Encode()
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}

	sf.register(cmd)
	return cmd
}

func requestCmd() *cobra.Command {
	var (
		rf      relayFlags
		sf      signFlags
		machine string
		wait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Ask a machine to start working for the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			mention, err := nostr.ParsePublicKey(machine)
			if err != nil {
				return errors.Wrap(err, "parse machine pubkey")
			}
			p, err := sf.payload(cmd)
			if err != nil {
				return err
			}
			encoded, err := p.Encode()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			client, err := rf.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			ev, err := client.SendEvent(ctx, mention.Hex(), model.Request{
				ToStatus: model.StatusWorking,
				Reason:   model.ReasonUserRequest,
				Payload:  encoded,
			})
			if err != nil {
				return err
			}
			fmt.Println(ev.ID.String())
			if wait <= 0 {
				return nil
			}
			return awaitStatus(ctx, client, mention, ev, wait)
		},
	}

	rf.register(cmd)
	sf.register(cmd)
	cmd.Flags().StringVar(&machine, "machine", "", "Machine public key (hex or npub)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait this long for the node's answer")
	_ = cmd.MarkFlagRequired("machine")
	return cmd
}

// awaitStatus prints the first status the node publishes for request.
func awaitStatus(ctx context.Context, client *relayclient.Client, machine nostr.PublicKey, request *nostr.Event, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	notes := client.Notifications()
	subID, err := client.Subscribe(ctx, request.Time(), []nostr.PublicKey{machine})
	if err != nil {
		return err
	}
	defer client.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			return errors.New("no status published for the request")
		case n, ok := <-notes.C():
			if !ok {
				return notes.Err()
			}
			m, isEvent := n.Message.(nostr.EventMessage)
			if !isEvent || m.SubscriptionID != subID {
				continue
			}
			msg, err := model.DecodeMessage(m.Event.Content)
			if err != nil {
				continue
			}
			if st, isStatus := msg.(model.StatusUpdate); isStatus && st.InitialRequest == request.ID {
				fmt.Printf("%s %s\n", st.Status, st.Reason)
				return nil
			}
		}
	}
}

func stopCmd() *cobra.Command {
	var (
		rf             relayFlags
		machine        string
		initialRequest string
		payload        string
		reason         string
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask a machine to stop its current session (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			mention, err := nostr.ParsePublicKey(machine)
			if err != nil {
				return errors.Wrap(err, "parse machine pubkey")
			}
			r, err := model.ParseReason(reason)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			client, err := rf.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			req := model.Request{ToStatus: model.StatusAvailable, Reason: r, Payload: payload}
			if initialRequest != "" {
				if req.InitialRequest, err = nostr.ParseEventID(initialRequest); err != nil {
					return errors.Wrap(err, "parse initial request")
				}
			}
			if initialRequest == "" || payload == "" {
				last, err := lastStatus(ctx, client, mention)
				if err != nil {
					return err
				}
				if initialRequest == "" {
					req.InitialRequest = last.InitialRequest
				}
				if payload == "" {
					req.Payload = last.Payload
				}
			}

			ev, err := client.SendEvent(ctx, mention.Hex(), req)
			if err != nil {
				return err
			}
			fmt.Println(ev.ID.String())
			return nil
		},
	}

	rf.register(cmd)
	cmd.Flags().StringVar(&machine, "machine", "", "Machine public key (hex or npub)")
	cmd.Flags().StringVar(&initialRequest, "initial-request", "", "Request id of the session to stop; defaults to the current one")
	cmd.Flags().StringVar(&payload, "payload", "", "Session payload; defaults to the current one")
	cmd.Flags().StringVar(&reason, "reason", model.ReasonAdminRequest.String(), "AdminRequest or Reset")
	_ = cmd.MarkFlagRequired("machine")
	return cmd
}

// lastStatus fetches the newest status published for machine.
func lastStatus(ctx context.Context, client *relayclient.Client, machine nostr.PublicKey) (model.StatusUpdate, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	notes := client.Notifications()
	subID, err := client.SubscribeLastEvent(ctx, time.Now(), nil, machine)
	if err != nil {
		return model.StatusUpdate{}, err
	}

	var (
		found model.StatusUpdate
		ok    bool
	)
	for {
		select {
		case <-ctx.Done():
			return model.StatusUpdate{}, ctx.Err()
		case n, open := <-notes.C():
			if !open {
				return model.StatusUpdate{}, notes.Err()
			}
			switch m := n.Message.(type) {
			case nostr.EventMessage:
				if m.SubscriptionID != subID {
					continue
				}
				msg, err := model.DecodeMessage(m.Event.Content)
				if err != nil {
					continue
				}
				found, ok = msg.(model.StatusUpdate)
			case nostr.EOSEMessage:
				if m.SubscriptionID != subID {
					continue
				}
				if !ok {
					return model.StatusUpdate{}, errors.New("last event of the machine is not a status; pass --initial-request and --payload")
				}
				return found, nil
			}
		}
	}
}
