package arbiter

import (
	"context"
	"fmt"
	"strings"

	"empleadora/escrow"
	"empleadora/settlement"
)

// Arbiter drives the administrative half of the dispute workflow. It is the
// only component that acts with the ledger's arbiter authority: refunds and
// dispute resolutions go through here, never through the party-facing
// handlers. Unknown admin subjects are rejected, so a misconfigured roster
// fails closed.
type Arbiter struct {
	ledger    *escrow.Ledger
	exec      *settlement.Executor
	authority [20]byte
	admins    map[string]struct{}
}

// New creates an arbiter acting with the given authority address. The roster
// lists the admin subjects allowed to invoke it.
func New(ledger *escrow.Ledger, exec *settlement.Executor, authority [20]byte, admins []string) *Arbiter {
	roster := make(map[string]struct{}, len(admins))
	for _, subject := range admins {
		subject = strings.TrimSpace(subject)
		if subject == "" {
			continue
		}
		roster[subject] = struct{}{}
	}
	return &Arbiter{
		ledger:    ledger,
		exec:      exec,
		authority: authority,
		admins:    roster,
	}
}

// Authority returns the address the arbiter signs ledger transitions with.
func (a *Arbiter) Authority() [20]byte { return a.authority }

// Authorize checks an admin subject against the roster.
func (a *Arbiter) Authorize(subject string) error {
	if _, ok := a.admins[subject]; !ok {
		return fmt.Errorf("%w: admin %q not on the arbiter roster", escrow.ErrUnauthorized, subject)
	}
	return nil
}

// RaiseDispute freezes a project on behalf of an admin. Party-initiated
// disputes go through the ledger directly; this path exists for support staff
// intervening on a reported engagement.
func (a *Arbiter) RaiseDispute(subject string, projectID [32]byte, reason string) (*escrow.DisputeRecord, error) {
	if err := a.Authorize(subject); err != nil {
		return nil, err
	}
	return a.ledger.RaiseDispute(projectID, a.authority, reason)
}

// RefundMilestone returns a funded milestone's escrowed amount to the client.
// The ledger precondition check runs before any value moves, and the refund is
// committed only after the settlement confirms.
func (a *Arbiter) RefundMilestone(ctx context.Context, subject string, projectID [32]byte, index uint64) (*escrow.SettlementReceipt, error) {
	if err := a.Authorize(subject); err != nil {
		return nil, err
	}
	if _, err := a.ledger.AuthorizeRefund(projectID, index, a.authority); err != nil {
		return nil, err
	}
	project, err := a.ledger.Project(projectID)
	if err != nil {
		return nil, err
	}
	milestone := project.Milestone(index)
	if milestone == nil {
		return nil, escrow.ErrMilestoneNotFound
	}
	receipt, err := a.exec.SettleRefund(ctx, project, milestone)
	if err != nil {
		return nil, err
	}
	if err := a.ledger.RefundMilestone(projectID, index, a.authority, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// ResolveDispute closes an open dispute without moving funds, returning the
// project to its normal flow.
func (a *Arbiter) ResolveDispute(subject string, projectID [32]byte) (*escrow.DisputeRecord, error) {
	if err := a.Authorize(subject); err != nil {
		return nil, err
	}
	return a.ledger.ResolveDispute(projectID, a.authority)
}
