package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/pkg/errors"

	"vending-controller/internal/auth"
)

const discriminatorSize = 8

const (
	seedGlobal = "GLOBAL"
	seedUser   = "USER"
	seedVault  = "VAULT"
	seedLock   = "LOCK"
)

type userAccount struct {
	Nonce        uint64
	LockedAmount uint64
	Vault        solana.PublicKey
}

type globalAccount struct {
	Authority solana.PublicKey
	Bot       solana.PublicKey
	Treasury  solana.PublicKey
}

type recoverInfoArgs struct {
	Signature [64]byte
	Payload   [64]byte
	Deadline  int64
}

type lockArgs struct {
	RecoverInfo recoverInfoArgs
	Amount      uint64
}

type settleArgs struct {
	Nonce            uint64
	AmountToTransfer uint64
}

type payArgs struct {
	RecoverInfo      recoverInfoArgs
	AmountToTransfer uint64
}

func anchorDiscriminator(namespace, name string) []byte {
	sum := sha256.Sum256([]byte(namespace + ":" + name))
	return sum[:discriminatorSize]
}

func instructionData(name string, args any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(anchorDiscriminator("global", name))
	if err := bin.NewBorshEncoder(&buf).Encode(args); err != nil {
		return nil, errors.Wrapf(err, "encode %s args", name)
	}
	return buf.Bytes(), nil
}

func decodeAccount(name string, data []byte, out any) error {
	if len(data) < discriminatorSize {
		return fmt.Errorf("%s data too short: %d bytes", name, len(data))
	}
	if !bytes.Equal(data[:discriminatorSize], anchorDiscriminator("account", name)) {
		return fmt.Errorf("%s has wrong discriminator", name)
	}
	if err := bin.NewBorshDecoder(data[discriminatorSize:]).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s", name)
	}
	return nil
}

func encodeAccount(name string, v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(anchorDiscriminator("account", name))
	if err := bin.NewBorshEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toRecoverInfoArgs(ri auth.RecoverInfo) recoverInfoArgs {
	return recoverInfoArgs{Signature: ri.Signature, Payload: ri.Payload, Deadline: ri.Deadline}
}

// addresses derives the program accounts of one user.
type addresses struct {
	program solana.PublicKey
}

func (a addresses) find(seeds ...[]byte) (solana.PublicKey, error) {
	pk, _, err := solana.FindProgramAddress(seeds, a.program)
	if err != nil {
		return solana.PublicKey{}, errors.Wrap(err, "derive program address")
	}
	return pk, nil
}

func (a addresses) global() (solana.PublicKey, error) { return a.find([]byte(seedGlobal)) }

func (a addresses) user(user solana.PublicKey) (solana.PublicKey, error) {
	return a.find([]byte(seedUser), user.Bytes())
}

func (a addresses) vault(user solana.PublicKey) (solana.PublicKey, error) {
	return a.find([]byte(seedVault), user.Bytes())
}

func (a addresses) lock(user solana.PublicKey, nonce uint64) (solana.PublicKey, error) {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], nonce)
	return a.find([]byte(seedLock), user.Bytes(), le[:])
}
