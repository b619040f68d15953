package arbiter

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"empleadora/escrow"
	"empleadora/settlement"
	"empleadora/storage"
)

type stubWallet struct {
	mu       sync.Mutex
	chainID  *big.Int
	balances map[[20]byte]*big.Int
	nextRef  byte
	events   chan settlement.AccountEvent
}

func newStubWallet() *stubWallet {
	return &stubWallet{
		chainID:  big.NewInt(1337),
		balances: make(map[[20]byte]*big.Int),
		events:   make(chan settlement.AccountEvent),
	}
}

func (w *stubWallet) credit(addr [20]byte, amount int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[addr] == nil {
		w.balances[addr] = big.NewInt(0)
	}
	w.balances[addr].Add(w.balances[addr], big.NewInt(amount))
}

func (w *stubWallet) balance(addr [20]byte) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[addr] == nil {
		return 0
	}
	return w.balances[addr].Int64()
}

func (w *stubWallet) Address() [20]byte { return [20]byte{0xEE} }

func (w *stubWallet) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(w.chainID), nil
}

func (w *stubWallet) Balance(_ context.Context, _ escrow.Asset, addr [20]byte) (*big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[addr] == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(w.balances[addr]), nil
}

func (w *stubWallet) SubmitTransfer(_ context.Context, _ [32]byte, from, to [20]byte, amount *big.Int, _ escrow.Asset) ([32]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[from] == nil {
		w.balances[from] = big.NewInt(0)
	}
	if w.balances[to] == nil {
		w.balances[to] = big.NewInt(0)
	}
	w.balances[from].Sub(w.balances[from], amount)
	w.balances[to].Add(w.balances[to], amount)
	w.nextRef++
	var ref [32]byte
	ref[0] = w.nextRef
	return ref, nil
}

func (w *stubWallet) TransferStatus(context.Context, [32]byte) (settlement.TransferStatus, error) {
	return settlement.TransferStatus{Found: true, Confirmations: 10}, nil
}

func (w *stubWallet) AccountEvents() <-chan settlement.AccountEvent { return w.events }

func addr(fill byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = fill
	}
	return a
}

type fixture struct {
	ledger     *escrow.Ledger
	wallet     *stubWallet
	arb        *Arbiter
	project    *escrow.Project
	client     [20]byte
	freelancer [20]byte
	vault      [20]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		wallet:     newStubWallet(),
		client:     addr(0x01),
		freelancer: addr(0x02),
		vault:      addr(0xEC),
	}
	authority := addr(0xAD)
	f.ledger = escrow.NewLedger(storage.NewLedgerStore(storage.NewMemDB()))
	f.ledger.SetArbiter(authority)
	exec := settlement.NewExecutor(f.wallet, big.NewInt(1337), f.vault,
		settlement.WithConfirmationDepth(1),
		settlement.WithPollInterval(time.Millisecond),
	)
	f.arb = New(f.ledger, exec, authority, []string{"ops@empleadora"})

	milestones := []*escrow.Milestone{
		{Title: "design", Amount: big.NewInt(100), Asset: escrow.NativeAsset()},
	}
	project, err := f.ledger.CreateProject(f.client, f.freelancer, "job-1", milestones, nil)
	require.NoError(t, err)
	f.project = project

	// Milestone funded: vault already holds the escrowed amount.
	f.wallet.credit(f.vault, 100)
	receipt := &escrow.SettlementReceipt{TxRef: [32]byte{0xF0}, Amount: big.NewInt(100), Asset: escrow.NativeAsset(), From: f.client}
	require.NoError(t, f.ledger.FundMilestone(project.ID, 0, receipt))
	return f
}

func TestRefundRequiresRosterMembership(t *testing.T) {
	f := newFixture(t)
	_, err := f.arb.RefundMilestone(context.Background(), "intruder", f.project.ID, 0)
	require.ErrorIs(t, err, escrow.ErrUnauthorized)
	require.Equal(t, int64(100), f.wallet.balance(f.vault), "no value may move for an unknown subject")
}

func TestRefundRequiresOpenDispute(t *testing.T) {
	f := newFixture(t)
	_, err := f.arb.RefundMilestone(context.Background(), "ops@empleadora", f.project.ID, 0)
	require.ErrorIs(t, err, escrow.ErrNotDisputed)
}

func TestDisputedRefundReturnsFundsToClient(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.RaiseDispute(f.project.ID, f.client, "work abandoned")
	require.NoError(t, err)

	receipt, err := f.arb.RefundMilestone(context.Background(), "ops@empleadora", f.project.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	require.Equal(t, int64(100), f.wallet.balance(f.client))
	require.Zero(t, f.wallet.balance(f.vault))

	project, err := f.ledger.Project(f.project.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.MilestoneRefunded, project.Milestone(0).Status)
	// All milestones settled, so the refund also closes the dispute.
	require.Equal(t, escrow.ProjectCompleted, project.Status)
	rec, err := f.ledger.Dispute(f.project.ID)
	require.NoError(t, err)
	require.True(t, rec.Resolved)
}

func TestAdminRaiseAndResolveDispute(t *testing.T) {
	f := newFixture(t)

	_, err := f.arb.RaiseDispute("intruder", f.project.ID, "report")
	require.ErrorIs(t, err, escrow.ErrUnauthorized)

	rec, err := f.arb.RaiseDispute("ops@empleadora", f.project.ID, "client reported fraud")
	require.NoError(t, err)
	require.False(t, rec.Resolved)

	project, err := f.ledger.Project(f.project.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.ProjectDisputed, project.Status)

	resolved, err := f.arb.ResolveDispute("ops@empleadora", f.project.ID)
	require.NoError(t, err)
	require.True(t, resolved.Resolved)

	project, err = f.ledger.Project(f.project.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.ProjectOpen, project.Status)
}
