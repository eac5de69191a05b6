package escrow

import (
	"context"
	"math/big"
)

// Transferer moves released or refunded funds out of escrow custody.
type Transferer interface {
	Transfer(ctx context.Context, to string, amount *big.Int) (txHash string, err error)
}

// DepositVerifier confirms that an activation transaction actually funded
// the escrow account.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, txHash, from string, amount *big.Int) error
}

// LedgerTransferer keeps releases off chain: the session ledger is the
// record of account and payouts are settled out of band.
type LedgerTransferer struct{}

// Transfer always succeeds with an empty hash.
func (LedgerTransferer) Transfer(context.Context, string, *big.Int) (string, error) {
	return "", nil
}
