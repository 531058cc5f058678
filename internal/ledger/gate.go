package ledger

import (
	"context"

	"github.com/pkg/errors"
)

// Gate is the payment program seen from the coordinators. Every error is
// terminal for the event that triggered the call.
type Gate interface {
	// CheckEligible reports whether user can be charged amount under the
	// signed authorization. Policy failures are a false result; errors mean
	// the ledger could not be read.
	CheckEligible(ctx context.Context, user string, nonce, amount uint64, recoverInfo string) (bool, error)
	// Lock reserves amount from the user's vault and returns the transaction
	// signature.
	Lock(ctx context.Context, user string, amount uint64, recoverInfo string) (string, error)
	// Settle transfers amount of the lock taken at nonce to the treasury and
	// releases the rest.
	Settle(ctx context.Context, user string, nonce, amount uint64) (string, error)
	// Pay transfers amount to the treasury immediately.
	Pay(ctx context.Context, user string, amount uint64, recoverInfo string) (string, error)
}

var (
	ErrAccountNotFound   = errors.New("ledger account not found")
	ErrTransactionFailed = errors.New("transaction failed")
	ErrNotConfirmed      = errors.New("transaction not confirmed")
)
