package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"vending-controller/internal/auth"
)

const (
	DefaultTimeout = 10 * time.Second
	pollInterval   = 500 * time.Millisecond
)

// chain is the slice of the RPC API the gate needs.
type chain interface {
	Account(ctx context.Context, pk solana.PublicKey) (data []byte, lamports uint64, err error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	// Status reports whether sig has landed, and its execution error if any.
	Status(ctx context.Context, sig solana.Signature) (landed bool, txErr error, err error)
}

type rpcChain struct {
	client *rpc.Client
}

func (c rpcChain) Account(ctx context.Context, pk solana.PublicKey) ([]byte, uint64, error) {
	res, err := c.client.GetAccountInfoWithOpts(ctx, pk, &rpc.GetAccountInfoOpts{Commitment: rpc.CommitmentProcessed})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, 0, errors.Wrap(ErrAccountNotFound, pk.String())
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "get account %s", pk)
	}
	if res == nil || res.Value == nil {
		return nil, 0, errors.Wrap(ErrAccountNotFound, pk.String())
	}
	var data []byte
	if res.Value.Data != nil {
		data = res.Value.Data.GetBinary()
	}
	return data, res.Value.Lamports, nil
}

func (c rpcChain) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	res, err := c.client.GetLatestBlockhash(ctx, rpc.CommitmentProcessed)
	if err != nil {
		return solana.Hash{}, errors.Wrap(err, "get latest blockhash")
	}
	return res.Value.Blockhash, nil
}

func (c rpcChain) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{PreflightCommitment: rpc.CommitmentProcessed})
	if err != nil {
		return solana.Signature{}, errors.Wrap(err, "send transaction")
	}
	return sig, nil
}

func (c rpcChain) Status(ctx context.Context, sig solana.Signature) (bool, error, error) {
	res, err := c.client.GetSignatureStatuses(ctx, false, sig)
	if err != nil {
		return false, nil, errors.Wrap(err, "get signature status")
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return false, nil, nil
	}
	if res.Value[0].Err != nil {
		return true, fmt.Errorf("%v", res.Value[0].Err), nil
	}
	return true, nil, nil
}

type SolanaConfig struct {
	RPCURL    string
	ProgramID string
	// Bot signs and pays for lock, settle and pay. Read-only gates may leave
	// it empty.
	Bot     solana.PrivateKey
	Timeout time.Duration
}

// SolanaGate talks to the balance-payment program over JSON-RPC.
type SolanaGate struct {
	chain   chain
	addrs   addresses
	bot     solana.PrivateKey
	timeout time.Duration
	now     func() time.Time
}

func NewSolanaGate(cfg SolanaConfig) (*SolanaGate, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("rpc url is required")
	}
	return newSolanaGate(rpcChain{client: rpc.New(cfg.RPCURL)}, cfg)
}

func newSolanaGate(c chain, cfg SolanaConfig) (*SolanaGate, error) {
	program, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return nil, errors.Wrap(err, "parse program id")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &SolanaGate{
		chain:   c,
		addrs:   addresses{program: program},
		bot:     cfg.Bot,
		timeout: cfg.Timeout,
		now:     time.Now,
	}, nil
}

// ReadKeypairFile loads a solana-keygen JSON keypair.
func ReadKeypairFile(path string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read keypair %s", path)
	}
	return key, nil
}

func (g *SolanaGate) readUser(ctx context.Context, user solana.PublicKey) (solana.PublicKey, userAccount, error) {
	addr, err := g.addrs.user(user)
	if err != nil {
		return solana.PublicKey{}, userAccount{}, err
	}
	data, _, err := g.chain.Account(ctx, addr)
	if err != nil {
		return solana.PublicKey{}, userAccount{}, err
	}
	var acc userAccount
	if err := decodeAccount("UserAccount", data, &acc); err != nil {
		return solana.PublicKey{}, userAccount{}, err
	}
	return addr, acc, nil
}

func (g *SolanaGate) readTreasury(ctx context.Context) (solana.PublicKey, solana.PublicKey, error) {
	addr, err := g.addrs.global()
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, err
	}
	data, _, err := g.chain.Account(ctx, addr)
	if err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, err
	}
	var acc globalAccount
	if err := decodeAccount("GlobalAccount", data, &acc); err != nil {
		return solana.PublicKey{}, solana.PublicKey{}, err
	}
	return addr, acc.Treasury, nil
}

// UserNonce returns the nonce the next recover_info of user must be signed
// for.
func (g *SolanaGate) UserNonce(ctx context.Context, user string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	userKey, err := solana.PublicKeyFromBase58(user)
	if err != nil {
		return 0, errors.Wrap(err, "parse user address")
	}
	_, acc, err := g.readUser(ctx, userKey)
	if err != nil {
		return 0, err
	}
	return acc.Nonce, nil
}

func (g *SolanaGate) CheckEligible(ctx context.Context, user string, nonce, amount uint64, recoverInfo string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	userKey, err := solana.PublicKeyFromBase58(user)
	if err != nil {
		return false, errors.Wrap(err, "parse user address")
	}
	ri, err := auth.ParseRecoverInfo(recoverInfo)
	if err != nil {
		return false, err
	}
	_, acc, err := g.readUser(ctx, userKey)
	if err != nil {
		return false, err
	}

	logger := log.With().Str("user", user).Uint64("nonce", nonce).Logger()
	if acc.Nonce != nonce {
		logger.Error().Uint64("ledger_nonce", acc.Nonce).Msg("nonce mismatch")
		return false, nil
	}
	if err := ri.Check(userKey.Bytes(), acc.Nonce, g.now()); err != nil {
		logger.Error().Err(err).Msg("recover info rejected")
		return false, nil
	}

	vaultAddr, err := g.addrs.vault(userKey)
	if err != nil {
		return false, err
	}
	_, lamports, err := g.chain.Account(ctx, vaultAddr)
	if err != nil {
		return false, err
	}
	if lamports < acc.LockedAmount || lamports-acc.LockedAmount < amount {
		logger.Error().Uint64("vault", lamports).Uint64("locked", acc.LockedAmount).Uint64("required", amount).Msg("insufficient funds")
		return false, nil
	}

	logger.Info().Msg("user is eligible")
	return true, nil
}

func (g *SolanaGate) Lock(ctx context.Context, user string, amount uint64, recoverInfo string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	userKey, err := solana.PublicKeyFromBase58(user)
	if err != nil {
		return "", errors.Wrap(err, "parse user address")
	}
	ri, err := auth.ParseRecoverInfo(recoverInfo)
	if err != nil {
		return "", err
	}
	userAddr, acc, err := g.readUser(ctx, userKey)
	if err != nil {
		return "", err
	}
	globalAddr, err := g.addrs.global()
	if err != nil {
		return "", err
	}
	lockAddr, err := g.addrs.lock(userKey, acc.Nonce)
	if err != nil {
		return "", err
	}
	vaultAddr, err := g.addrs.vault(userKey)
	if err != nil {
		return "", err
	}

	data, err := instructionData("lock", lockArgs{RecoverInfo: toRecoverInfoArgs(ri), Amount: amount})
	if err != nil {
		return "", err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(globalAddr, false, false),
		solana.NewAccountMeta(userAddr, true, false),
		solana.NewAccountMeta(userKey, true, false),
		solana.NewAccountMeta(lockAddr, true, false),
		solana.NewAccountMeta(vaultAddr, false, false),
	}
	return g.submit(ctx, "lock", accounts, data)
}

func (g *SolanaGate) Settle(ctx context.Context, user string, nonce, amount uint64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	userKey, err := solana.PublicKeyFromBase58(user)
	if err != nil {
		return "", errors.Wrap(err, "parse user address")
	}
	globalAddr, treasury, err := g.readTreasury(ctx)
	if err != nil {
		return "", err
	}
	userAddr, err := g.addrs.user(userKey)
	if err != nil {
		return "", err
	}
	lockAddr, err := g.addrs.lock(userKey, nonce)
	if err != nil {
		return "", err
	}
	vaultAddr, err := g.addrs.vault(userKey)
	if err != nil {
		return "", err
	}

	data, err := instructionData("settle", settleArgs{Nonce: nonce, AmountToTransfer: amount})
	if err != nil {
		return "", err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(globalAddr, false, false),
		solana.NewAccountMeta(userAddr, true, false),
		solana.NewAccountMeta(userKey, true, false),
		solana.NewAccountMeta(treasury, true, false),
		solana.NewAccountMeta(lockAddr, true, false),
		solana.NewAccountMeta(vaultAddr, true, false),
	}
	return g.submit(ctx, "settle", accounts, data)
}

func (g *SolanaGate) Pay(ctx context.Context, user string, amount uint64, recoverInfo string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	userKey, err := solana.PublicKeyFromBase58(user)
	if err != nil {
		return "", errors.Wrap(err, "parse user address")
	}
	ri, err := auth.ParseRecoverInfo(recoverInfo)
	if err != nil {
		return "", err
	}
	globalAddr, treasury, err := g.readTreasury(ctx)
	if err != nil {
		return "", err
	}
	userAddr, err := g.addrs.user(userKey)
	if err != nil {
		return "", err
	}
	vaultAddr, err := g.addrs.vault(userKey)
	if err != nil {
		return "", err
	}

	data, err := instructionData("pay", payArgs{RecoverInfo: toRecoverInfoArgs(ri), AmountToTransfer: amount})
	if err != nil {
		return "", err
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(globalAddr, false, false),
		solana.NewAccountMeta(userAddr, true, false),
		solana.NewAccountMeta(userKey, true, false),
		solana.NewAccountMeta(treasury, true, false),
		solana.NewAccountMeta(vaultAddr, true, false),
	}
	return g.submit(ctx, "pay", accounts, data)
}

// submit appends the bot, payer and system program accounts, signs with the
// bot key and waits until the transaction lands.
func (g *SolanaGate) submit(ctx context.Context, name string, accounts solana.AccountMetaSlice, data []byte) (string, error) {
	if len(g.bot) == 0 {
		return "", errors.New("no bot keypair configured")
	}
	bot := g.bot.PublicKey()
	accounts = append(accounts,
		solana.NewAccountMeta(bot, false, true),
		solana.NewAccountMeta(bot, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	)
	ix := solana.NewInstruction(g.addrs.program, accounts, data)

	blockhash, err := g.chain.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, blockhash, solana.TransactionPayer(bot))
	if err != nil {
		return "", errors.Wrapf(err, "build %s transaction", name)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(bot) {
			return &g.bot
		}
		return nil
	}); err != nil {
		return "", errors.Wrapf(err, "sign %s transaction", name)
	}

	sig, err := g.chain.Send(ctx, tx)
	if err != nil {
		return "", err
	}
	if err := g.confirm(ctx, sig); err != nil {
		return sig.String(), errors.Wrapf(err, "%s %s", name, sig)
	}
	log.Info().Str("instruction", name).Str("signature", sig.String()).Msg("transaction confirmed")
	return sig.String(), nil
}

func (g *SolanaGate) confirm(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		landed, txErr, err := g.chain.Status(ctx, sig)
		if err != nil {
			return err
		}
		if landed {
			if txErr != nil {
				return errors.Wrap(ErrTransactionFailed, txErr.Error())
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ErrNotConfirmed, ctx.Err().Error())
		case <-ticker.C:
		}
	}
}
