package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vending-controller/internal/auth"
	"vending-controller/internal/ledger"
	"vending-controller/internal/model"
	"vending-controller/internal/nostr"
)

func TestWriteKeypairFile_RoundTrip(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "user.json")
	require.NoError(t, writeKeypairFile(path, key))

	loaded, err := ledger.ReadKeypairFile(path)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), loaded.PublicKey())
}

func TestSignFlags_PayloadVerifies(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "user.json")
	require.NoError(t, writeKeypairFile(path, key))

	var sf signFlags
	cmd := &cobra.Command{Use: "sign"}
	sf.register(cmd)
	require.NoError(t, cmd.Flags().Set("keypair", path))
	require.NoError(t, cmd.Flags().Set("nonce", "4"))
	require.NoError(t, cmd.Flags().Set("deadline", "1m"))
	cmd.SetContext(context.Background())

	payload, err := sf.payload(cmd)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().String(), payload.User)
	assert.Equal(t, uint64(4), payload.Nonce)

	ri, err := auth.ParseRecoverInfo(payload.RecoverInfo)
	require.NoError(t, err)
	assert.NoError(t, ri.Check(key.PublicKey().Bytes(), 4, time.Now()))
	assert.Error(t, ri.Check(key.PublicKey().Bytes(), 5, time.Now()))
	assert.Error(t, ri.Check(key.PublicKey().Bytes(), 4, time.Now().Add(2*time.Minute)))
}

func TestDescribe(t *testing.T) {
	keys, err := nostr.GenerateKeys()
	require.NoError(t, err)

	content, err := model.EncodeMessage(model.StatusUpdate{Status: model.StatusWorking, Reason: model.ReasonUserRequest})
	require.NoError(t, err)
	ev := nostr.NewEvent(keys, 1573, content, nil, time.Unix(100, 0))
	line := describe("ws://relay", ev)
	assert.Equal(t, "status", line.Kind)
	assert.Equal(t, keys.PublicKey().Hex(), line.Author)
	assert.Empty(t, line.Raw)

	ev = nostr.NewEvent(keys, 1573, "hello", nil, time.Unix(100, 0))
	line = describe("ws://relay", ev)
	assert.Equal(t, "unknown", line.Kind)
	assert.Equal(t, "hello", line.Raw)
	assert.Nil(t, line.Message)
}
