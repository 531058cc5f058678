package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"vending-controller/internal/nostr"
)

func keygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a nostr key file and its .pub companion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil {
				return errors.Errorf("%s already exists", out)
			}
			keys, err := nostr.GenerateKeys()
			if err != nil {
				return err
			}
			if err := nostr.WriteKeys(out, keys); err != nil {
				return err
			}
			fmt.Println(keys.PublicKey().Hex())
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "data/user.key", "Key file to write")
	return cmd
}

func ed25519KeygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "ed25519-keygen",
		Short: "Generate a solana-keygen compatible ed25519 keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil {
				return errors.Errorf("%s already exists", out)
			}
			key, err := solana.NewRandomPrivateKey()
			if err != nil {
				return errors.Wrap(err, "generate keypair")
			}
			if err := writeKeypairFile(out, key); err != nil {
				return err
			}
			fmt.Println(key.PublicKey().String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "data/user.json", "Keypair file to write")
	return cmd
}

// writeKeypairFile stores key as a JSON array of bytes, the format
// solana-keygen uses.
func writeKeypairFile(path string, key solana.PrivateKey) error {
	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrap(err, "create keypair dir")
		}
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o600), "write keypair %s", path)
}
