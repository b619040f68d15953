package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"empleadora/escrow"
)

var (
	ErrInsufficientBalance = errors.New("settlement: insufficient balance")
	ErrAssetNotSupported   = errors.New("settlement: asset not supported")
	ErrTransferRejected    = errors.New("settlement: transfer rejected")
	ErrTransferReverted    = errors.New("settlement: transfer reverted")
	ErrWrongNetwork        = errors.New("settlement: wallet connected to wrong network")
)

// TransferKind distinguishes the three value movements a milestone can cause.
type TransferKind string

const (
	TransferFund    TransferKind = "fund"
	TransferRelease TransferKind = "release"
	TransferRefund  TransferKind = "refund"
)

// RequestID derives the deterministic idempotency key for a settlement
// attempt. Retries after timeouts must reuse this identifier, never a fresh
// one, so the settlement layer collapses duplicates.
func RequestID(projectID [32]byte, milestoneIndex uint64, kind TransferKind) [32]byte {
	var idx [8]byte
	for i := 0; i < 8; i++ {
		idx[i] = byte(milestoneIndex >> (56 - 8*i))
	}
	return ethcrypto.Keccak256Hash(projectID[:], idx[:], []byte(kind))
}

type inflightTransfer struct {
	done    chan struct{}
	receipt *escrow.SettlementReceipt
	err     error
}

// Executor performs the value movement backing milestone transitions. Funds
// always move through the escrow vault: funding deposits into the vault and
// release/refund pay out of it. Paying the freelancer directly on funding
// would defeat the milestone-approval safeguard and is deliberately
// impossible here.
type Executor struct {
	gateway       WalletGateway
	chainID       *big.Int
	vault         [20]byte
	confirmations uint64
	pollInterval  time.Duration
	allowedTokens map[[20]byte]bool

	mu       sync.Mutex
	inflight map[[32]byte]*inflightTransfer
	pending  map[[32]byte][32]byte
}

// Option adjusts executor behaviour.
type Option func(*Executor)

// WithConfirmationDepth overrides the number of confirmations required before
// a transfer is treated as settled.
func WithConfirmationDepth(depth uint64) Option {
	return func(e *Executor) {
		if depth > 0 {
			e.confirmations = depth
		}
	}
}

// WithPollInterval overrides the confirmation polling cadence.
func WithPollInterval(interval time.Duration) Option {
	return func(e *Executor) {
		if interval > 0 {
			e.pollInterval = interval
		}
	}
}

// WithAllowedToken whitelists a token contract for settlement. The native
// asset is always allowed.
func WithAllowedToken(contract [20]byte) Option {
	return func(e *Executor) {
		e.allowedTokens[contract] = true
	}
}

// NewExecutor creates an executor bound to one escrow deployment: transfers
// are accepted only on the expected chain and settle into the given vault.
func NewExecutor(gateway WalletGateway, chainID *big.Int, vault [20]byte, opts ...Option) *Executor {
	e := &Executor{
		gateway:       gateway,
		chainID:       new(big.Int).Set(chainID),
		vault:         vault,
		confirmations: 3,
		pollInterval:  2 * time.Second,
		allowedTokens: make(map[[20]byte]bool),
		inflight:      make(map[[32]byte]*inflightTransfer),
		pending:       make(map[[32]byte][32]byte),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Vault returns the escrow holding address.
func (e *Executor) Vault() [20]byte { return e.vault }

// SettleFunding moves the milestone amount from the payer into the escrow
// vault and returns a confirmed receipt. Concurrent calls for the same
// milestone share one underlying transfer.
func (e *Executor) SettleFunding(ctx context.Context, project *escrow.Project, milestone *escrow.Milestone, payer [20]byte) (*escrow.SettlementReceipt, error) {
	if project == nil || milestone == nil {
		return nil, fmt.Errorf("%w: project and milestone required", ErrTransferRejected)
	}
	if err := e.verifyNetwork(ctx); err != nil {
		return nil, err
	}
	if err := e.checkAsset(milestone.Asset); err != nil {
		return nil, err
	}
	balance, err := e.gateway.Balance(ctx, milestone.Asset, payer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferRejected, err)
	}
	if balance == nil || balance.Cmp(milestone.Amount) < 0 {
		return nil, ErrInsufficientBalance
	}
	requestID := RequestID(project.ID, milestone.Index, TransferFund)
	return e.transferOnce(ctx, requestID, payer, e.vault, milestone.Amount, milestone.Asset, payer)
}

// SettleRelease pays the escrow-held amount for a milestone out to the
// freelancer. The milestone state is checked first so a duplicate invocation
// fails instead of paying twice.
func (e *Executor) SettleRelease(ctx context.Context, project *escrow.Project, milestone *escrow.Milestone) (*escrow.SettlementReceipt, error) {
	if project == nil || milestone == nil {
		return nil, fmt.Errorf("%w: project and milestone required", ErrTransferRejected)
	}
	if milestone.Status == escrow.MilestoneReleased {
		return nil, escrow.ErrAlreadyReleased
	}
	if milestone.Status != escrow.MilestoneFunded {
		return nil, escrow.ErrNotFunded
	}
	if err := e.verifyNetwork(ctx); err != nil {
		return nil, err
	}
	requestID := RequestID(project.ID, milestone.Index, TransferRelease)
	return e.transferOnce(ctx, requestID, e.vault, project.Freelancer, milestone.Amount, milestone.Asset, project.Client)
}

// SettleRefund returns the escrow-held amount for a milestone to the client.
func (e *Executor) SettleRefund(ctx context.Context, project *escrow.Project, milestone *escrow.Milestone) (*escrow.SettlementReceipt, error) {
	if project == nil || milestone == nil {
		return nil, fmt.Errorf("%w: project and milestone required", ErrTransferRejected)
	}
	if milestone.Status == escrow.MilestoneRefunded {
		return nil, escrow.ErrAlreadyRefunded
	}
	if milestone.Status != escrow.MilestoneFunded {
		return nil, escrow.ErrNotFunded
	}
	if err := e.verifyNetwork(ctx); err != nil {
		return nil, err
	}
	requestID := RequestID(project.ID, milestone.Index, TransferRefund)
	return e.transferOnce(ctx, requestID, e.vault, project.Client, milestone.Amount, milestone.Asset, project.Client)
}

// transferOnce collapses concurrent attempts with the same request id onto a
// single submission. All waiters share the submitter's receipt or error.
func (e *Executor) transferOnce(ctx context.Context, requestID [32]byte, from, to [20]byte, amount *big.Int, asset escrow.Asset, receiptFrom [20]byte) (*escrow.SettlementReceipt, error) {
	e.mu.Lock()
	if op, ok := e.inflight[requestID]; ok {
		e.mu.Unlock()
		select {
		case <-op.done:
			return cloneReceipt(op.receipt), op.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	op := &inflightTransfer{done: make(chan struct{})}
	e.inflight[requestID] = op
	e.mu.Unlock()

	op.receipt, op.err = e.transfer(ctx, requestID, from, to, amount, asset, receiptFrom)
	close(op.done)

	e.mu.Lock()
	delete(e.inflight, requestID)
	e.mu.Unlock()
	return cloneReceipt(op.receipt), op.err
}

// transfer broadcasts at most one wallet transfer per request id. The tx
// reference is remembered before confirmation, so a retry after a timed-out
// confirmation wait resumes polling the original broadcast instead of paying
// a second time. The reference is forgotten only once the transfer reaches a
// terminal state.
func (e *Executor) transfer(ctx context.Context, requestID [32]byte, from, to [20]byte, amount *big.Int, asset escrow.Asset, receiptFrom [20]byte) (*escrow.SettlementReceipt, error) {
	e.mu.Lock()
	ref, resumed := e.pending[requestID]
	e.mu.Unlock()
	if !resumed {
		var err error
		ref, err = e.gateway.SubmitTransfer(ctx, requestID, from, to, amount, asset)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferRejected, err)
		}
		e.mu.Lock()
		e.pending[requestID] = ref
		e.mu.Unlock()
	}
	if err := e.awaitConfirmation(ctx, ref); err != nil {
		if errors.Is(err, ErrTransferReverted) {
			e.mu.Lock()
			delete(e.pending, requestID)
			e.mu.Unlock()
		}
		return nil, err
	}
	e.mu.Lock()
	delete(e.pending, requestID)
	e.mu.Unlock()
	return &escrow.SettlementReceipt{
		TxRef:  ref,
		Amount: new(big.Int).Set(amount),
		Asset:  asset,
		From:   receiptFrom,
	}, nil
}

// awaitConfirmation polls the gateway until the transfer reaches the required
// depth. A reverted transfer is terminal; timeouts surface the caller's
// context error so the caller can retry with the same request id.
func (e *Executor) awaitConfirmation(ctx context.Context, ref [32]byte) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		status, err := e.gateway.TransferStatus(ctx, ref)
		if err == nil && status.Found {
			if status.Reverted {
				return ErrTransferReverted
			}
			if status.Confirmations >= e.confirmations {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Executor) verifyNetwork(ctx context.Context) error {
	chainID, err := e.gateway.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrongNetwork, err)
	}
	if chainID == nil || chainID.Cmp(e.chainID) != 0 {
		return fmt.Errorf("%w: expected chain %s, wallet reports %s", ErrWrongNetwork, e.chainID, chainID)
	}
	return nil
}

func (e *Executor) checkAsset(asset escrow.Asset) error {
	if asset.Native() {
		return nil
	}
	if e.allowedTokens[asset.Token] {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrAssetNotSupported, asset)
}

func cloneReceipt(r *escrow.SettlementReceipt) *escrow.SettlementReceipt {
	return r.Clone()
}

// IsSettlementError reports whether err originated in the settlement layer.
func IsSettlementError(err error) bool {
	for _, target := range []error{
		ErrInsufficientBalance, ErrAssetNotSupported,
		ErrTransferRejected, ErrTransferReverted, ErrWrongNetwork,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
