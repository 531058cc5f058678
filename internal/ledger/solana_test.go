package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vending-controller/internal/auth"
	"vending-controller/internal/config"
)

type fakeAccount struct {
	data     []byte
	lamports uint64
}

type fakeChain struct {
	accounts map[solana.PublicKey]fakeAccount
	sent     []*solana.Transaction
	txErr    error
	readErr  error
}

func (f *fakeChain) Account(_ context.Context, pk solana.PublicKey) ([]byte, uint64, error) {
	if f.readErr != nil {
		return nil, 0, f.readErr
	}
	acc, ok := f.accounts[pk]
	if !ok {
		return nil, 0, errors.Wrap(ErrAccountNotFound, pk.String())
	}
	return acc.data, acc.lamports, nil
}

func (f *fakeChain) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{1, 2, 3}, nil
}

func (f *fakeChain) Send(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeChain) Status(context.Context, solana.Signature) (bool, error, error) {
	return true, f.txErr, nil
}

type fixture struct {
	gate     *SolanaGate
	chain    *fakeChain
	userPriv ed25519.PrivateKey
	user     solana.PublicKey
	treasury solana.PublicKey
	now      time.Time
}

func newFixture(t *testing.T, nonce, locked, vaultLamports uint64) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	bot, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	chain := &fakeChain{accounts: map[solana.PublicKey]fakeAccount{}}
	gate, err := newSolanaGate(chain, SolanaConfig{ProgramID: config.DefaultProgramID, Bot: bot})
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	gate.now = func() time.Time { return now }

	user := solana.PublicKeyFromBytes(pub)
	treasury := solana.NewWallet().PublicKey()

	userAddr, err := gate.addrs.user(user)
	require.NoError(t, err)
	userData, err := encodeAccount("UserAccount", userAccount{Nonce: nonce, LockedAmount: locked})
	require.NoError(t, err)
	chain.accounts[userAddr] = fakeAccount{data: userData}

	vaultAddr, err := gate.addrs.vault(user)
	require.NoError(t, err)
	chain.accounts[vaultAddr] = fakeAccount{lamports: vaultLamports}

	globalAddr, err := gate.addrs.global()
	require.NoError(t, err)
	globalData, err := encodeAccount("GlobalAccount", globalAccount{Bot: bot.PublicKey(), Treasury: treasury})
	require.NoError(t, err)
	chain.accounts[globalAddr] = fakeAccount{data: globalData}

	return &fixture{gate: gate, chain: chain, userPriv: priv, user: user, treasury: treasury, now: now}
}

func (f *fixture) recoverInfo(t *testing.T, nonce uint64, deadline int64) string {
	t.Helper()
	ri := auth.SignRecoverInfo(f.userPriv, auth.NewPayload(), nonce, deadline)
	s, err := ri.Encode()
	require.NoError(t, err)
	return s
}

func TestAnchorDiscriminator(t *testing.T) {
	sum := sha256.Sum256([]byte("global:lock"))
	assert.Equal(t, sum[:8], anchorDiscriminator("global", "lock"))
}

func TestAccountRoundTrip(t *testing.T) {
	vault := solana.NewWallet().PublicKey()
	data, err := encodeAccount("UserAccount", userAccount{Nonce: 5, LockedAmount: 7, Vault: vault})
	require.NoError(t, err)
	assert.Len(t, data, 8+8+8+32)

	var acc userAccount
	require.NoError(t, decodeAccount("UserAccount", data, &acc))
	assert.Equal(t, uint64(5), acc.Nonce)
	assert.Equal(t, vault, acc.Vault)

	assert.Error(t, decodeAccount("GlobalAccount", data, &globalAccount{}))
	assert.Error(t, decodeAccount("UserAccount", data[:4], &acc))
}

func TestCheckEligible(t *testing.T) {
	ctx := context.Background()

	t.Run("eligible", func(t *testing.T) {
		f := newFixture(t, 5, 0, 20_000_000)
		ok, err := f.gate.CheckEligible(ctx, f.user.String(), 5, 10_000_000, f.recoverInfo(t, 5, f.now.Unix()+60))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("deadline equal to now is valid", func(t *testing.T) {
		f := newFixture(t, 5, 0, 20_000_000)
		ok, err := f.gate.CheckEligible(ctx, f.user.String(), 5, 10_000_000, f.recoverInfo(t, 5, f.now.Unix()))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("nonce mismatch", func(t *testing.T) {
		f := newFixture(t, 6, 0, 20_000_000)
		ok, err := f.gate.CheckEligible(ctx, f.user.String(), 5, 10_000_000, f.recoverInfo(t, 5, f.now.Unix()+60))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("signed for another nonce", func(t *testing.T) {
		f := newFixture(t, 5, 0, 20_000_000)
		ok, err := f.gate.CheckEligible(ctx, f.user.String(), 5, 10_000_000, f.recoverInfo(t, 4, f.now.Unix()+60))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t, 5, 0, 20_000_000)
		ok, err := f.gate.CheckEligible(ctx, f.user.String(), 5, 10_000_000, f.recoverInfo(t, 5, f.now.Unix()-1))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("insufficient after locks", func(t *testing.T) {
		f := newFixture(t, 5, 15_000_000, 20_000_000)
		ok, err := f.gate.CheckEligible(ctx, f.user.String(), 5, 10_000_000, f.recoverInfo(t, 5, f.now.Unix()+60))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("locked exceeds vault", func(t *testing.T) {
		f := newFixture(t, 5, 30_000_000, 20_000_000)
		ok, err := f.gate.CheckEligible(ctx, f.user.String(), 5, 1, f.recoverInfo(t, 5, f.now.Unix()+60))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("rpc failure is an error", func(t *testing.T) {
		f := newFixture(t, 5, 0, 20_000_000)
		f.chain.readErr = errors.New("connection refused")
		_, err := f.gate.CheckEligible(ctx, f.user.String(), 5, 10_000_000, f.recoverInfo(t, 5, f.now.Unix()+60))
		assert.Error(t, err)
	})

	t.Run("bad user address", func(t *testing.T) {
		f := newFixture(t, 5, 0, 20_000_000)
		_, err := f.gate.CheckEligible(ctx, "not-base58-0OIl", 5, 1, f.recoverInfo(t, 5, f.now.Unix()+60))
		assert.Error(t, err)
	})
}

func TestLockBuildsSignedTransaction(t *testing.T) {
	f := newFixture(t, 5, 0, 20_000_000)
	sig, err := f.gate.Lock(context.Background(), f.user.String(), 10_000_000, f.recoverInfo(t, 5, f.now.Unix()+60))
	require.NoError(t, err)
	require.Len(t, f.chain.sent, 1)

	tx := f.chain.sent[0]
	assert.Equal(t, tx.Signatures[0].String(), sig)
	require.Len(t, tx.Message.Instructions, 1)
	data := []byte(tx.Message.Instructions[0].Data)
	assert.True(t, bytes.HasPrefix(data, anchorDiscriminator("global", "lock")))
	assert.Len(t, data, 8+64+64+8+8)

	lockAddr, err := f.gate.addrs.lock(f.user, 5)
	require.NoError(t, err)
	assert.Contains(t, tx.Message.AccountKeys, lockAddr)
	assert.Equal(t, f.gate.bot.PublicKey(), tx.Message.AccountKeys[0])
}

func TestSettleUsesTreasuryAndNonce(t *testing.T) {
	f := newFixture(t, 6, 10_000_000, 20_000_000)
	_, err := f.gate.Settle(context.Background(), f.user.String(), 5, 5_000_000)
	require.NoError(t, err)
	require.Len(t, f.chain.sent, 1)

	tx := f.chain.sent[0]
	data := []byte(tx.Message.Instructions[0].Data)
	assert.True(t, bytes.HasPrefix(data, anchorDiscriminator("global", "settle")))
	assert.Len(t, data, 8+8+8)

	lockAddr, err := f.gate.addrs.lock(f.user, 5)
	require.NoError(t, err)
	assert.Contains(t, tx.Message.AccountKeys, lockAddr)
	assert.Contains(t, tx.Message.AccountKeys, f.treasury)
}

func TestPayAndFailedTransaction(t *testing.T) {
	f := newFixture(t, 5, 0, 20_000_000)
	_, err := f.gate.Pay(context.Background(), f.user.String(), 5_000_000, f.recoverInfo(t, 5, f.now.Unix()+60))
	require.NoError(t, err)
	data := []byte(f.chain.sent[0].Message.Instructions[0].Data)
	assert.True(t, bytes.HasPrefix(data, anchorDiscriminator("global", "pay")))

	f.chain.txErr = errors.New("InsufficientFunds")
	_, err = f.gate.Pay(context.Background(), f.user.String(), 5_000_000, f.recoverInfo(t, 5, f.now.Unix()+60))
	assert.True(t, errors.Is(err, ErrTransactionFailed))
}

func TestSubmitRequiresBot(t *testing.T) {
	chain := &fakeChain{accounts: map[solana.PublicKey]fakeAccount{}}
	gate, err := newSolanaGate(chain, SolanaConfig{ProgramID: config.DefaultProgramID})
	require.NoError(t, err)
	_, err = gate.submit(context.Background(), "lock", nil, nil)
	assert.Error(t, err)
}

func TestUserNonce(t *testing.T) {
	f := newFixture(t, 42, 0, 0)
	nonce, err := f.gate.UserNonce(context.Background(), f.user.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), nonce)

	_, err = f.gate.UserNonce(context.Background(), solana.NewWallet().PublicKey().String())
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	_, err = f.gate.UserNonce(context.Background(), "not-base58!")
	assert.Error(t, err)
}
