package settlement

import (
	"context"
	"math/big"

	"empleadora/escrow"
)

// TransferStatus reports the confirmation progress of a submitted transfer.
type TransferStatus struct {
	Found         bool
	Confirmations uint64
	Reverted      bool
}

// AccountEvent notifies about wallet account or network changes. The executor
// re-validates the chain identifier whenever the network changes.
type AccountEvent struct {
	Address [20]byte
	ChainID *big.Int
}

// WalletGateway abstracts the wallet that holds the escrow vault's signing
// authority. Submission and confirmation are distinct stages: SubmitTransfer
// returns as soon as the transfer is broadcast, and TransferStatus is polled
// until the transfer reaches the required confirmation depth. A broadcast
// transfer cannot be cancelled; retries must reuse the same deterministic
// request identifier, which is handed to the wallet so the daemon can refuse
// a second broadcast for a request it has already signed.
type WalletGateway interface {
	Address() [20]byte
	ChainID(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context, asset escrow.Asset, addr [20]byte) (*big.Int, error)
	SubmitTransfer(ctx context.Context, requestID [32]byte, from, to [20]byte, amount *big.Int, asset escrow.Asset) ([32]byte, error)
	TransferStatus(ctx context.Context, ref [32]byte) (TransferStatus, error)
	AccountEvents() <-chan AccountEvent
}
