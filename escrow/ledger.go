package escrow

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// State is the persistence backend the ledger writes through. Implementations
// must be safe for use by a single ledger; the ledger serializes access.
type State interface {
	ProjectPut(*Project) error
	ProjectGet(id [32]byte) (*Project, bool)
	ProjectList() ([]*Project, error)
	DisputePut(*DisputeRecord) error
	DisputeGet(projectID [32]byte) (*DisputeRecord, bool)
	// EventAppend assigns the next sequence number and persists the event.
	EventAppend(*Event) error
	EventsByProject(projectID [32]byte) ([]*Event, error)
}

// Notifier receives every committed audit event. Used by the gateway to fan
// events out to webhook subscribers.
type Notifier interface {
	Notify(*Event)
}

// Ledger is the single source of truth for project and milestone state. Every
// transition uses the milestone's current status as a compare-and-swap guard
// under the ledger mutex, so concurrent competing requests resolve to exactly
// one successful transition per milestone per transition type.
type Ledger struct {
	mu       sync.Mutex
	state    State
	notifier Notifier
	arbiter  [20]byte
	nowFn    func() int64
}

// NewLedger creates a ledger over the supplied state backend.
func NewLedger(state State) *Ledger {
	return &Ledger{
		state: state,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNotifier configures the event fan-out hook. Passing nil disables it.
func (l *Ledger) SetNotifier(n Notifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifier = n
}

// SetArbiter configures the administrative authority trusted for dispute
// refunds and resolutions.
func (l *Ledger) SetArbiter(addr [20]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.arbiter = addr
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger) now() int64 { return l.nowFn() }

// emit appends the event to the audit log and fans it out. Append failures
// are returned so the caller can unwind its transition: a committed
// transition without an audit entry must never be observable.
func (l *Ledger) emit(evt *Event) error {
	if evt == nil {
		return nil
	}
	evt.Timestamp = l.now()
	if err := l.state.EventAppend(evt); err != nil {
		return fmt.Errorf("escrow: append audit event: %w", err)
	}
	if l.notifier != nil {
		l.notifier.Notify(evt)
	}
	return nil
}

// restoreProject writes back a pre-transition snapshot, best effort.
func (l *Ledger) restoreProject(prev *Project) {
	if prev != nil {
		_ = l.state.ProjectPut(prev)
	}
}

// ProjectID derives the deterministic ledger identifier for an engagement.
func ProjectID(client, freelancer [20]byte, externalID string) [32]byte {
	return ethcrypto.Keccak256Hash(client[:], freelancer[:], []byte(externalID))
}

// CreateProject validates and persists a new project. Milestone indices are
// assigned from the supplied order and are immutable afterwards. Creation is
// idempotent: resubmitting an identical definition returns the stored project,
// while an identifier collision with a different definition is rejected.
func (l *Ledger) CreateProject(client, freelancer [20]byte, externalID string, milestones []*Milestone, metadata []byte) (*Project, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ordered := make([]*Milestone, len(milestones))
	for i, m := range milestones {
		clone := m.Clone()
		if clone == nil {
			return nil, fmt.Errorf("%w: milestone must not be nil", ErrInvalidMilestone)
		}
		clone.Index = uint64(i)
		clone.Status = MilestoneCreated
		ordered[i] = clone
	}

	now := l.now()
	project := &Project{
		ID:         ProjectID(client, freelancer, externalID),
		ExternalID: externalID,
		Client:     client,
		Freelancer: freelancer,
		Status:     ProjectOpen,
		Milestones: ordered,
		Metadata:   append([]byte(nil), metadata...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := project.Validate(); err != nil {
		return nil, err
	}

	if existing, ok := l.state.ProjectGet(project.ID); ok {
		if !sameDefinition(existing, project) {
			return nil, fmt.Errorf("%w: identifier already exists with different definition", ErrInvalidProject)
		}
		return existing.Clone(), nil
	}

	if err := l.state.ProjectPut(project); err != nil {
		return nil, err
	}
	if err := l.emit(NewProjectCreatedEvent(project)); err != nil {
		return nil, err
	}
	return project.Clone(), nil
}

// Project returns a clone of the stored project.
func (l *Ledger) Project(id [32]byte) (*Project, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	project, ok := l.state.ProjectGet(id)
	if !ok {
		return nil, ErrProjectNotFound
	}
	return project.Clone(), nil
}

// Projects returns clones of all stored projects.
func (l *Ledger) Projects() ([]*Project, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, err := l.state.ProjectList()
	if err != nil {
		return nil, err
	}
	projects := make([]*Project, 0, len(stored))
	for _, p := range stored {
		projects = append(projects, p.Clone())
	}
	return projects, nil
}

// Dispute returns the dispute record for a project. A project that was never
// disputed has no record, which is a lookup miss, not a state conflict.
func (l *Ledger) Dispute(projectID [32]byte) (*DisputeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.state.ProjectGet(projectID); !ok {
		return nil, ErrProjectNotFound
	}
	rec, ok := l.state.DisputeGet(projectID)
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return rec.Clone(), nil
}

// OpenDisputes counts projects currently frozen by an unresolved dispute.
func (l *Ledger) OpenDisputes() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	projects, err := l.state.ProjectList()
	if err != nil {
		return 0, err
	}
	open := 0
	for _, p := range projects {
		if rec, ok := l.state.DisputeGet(p.ID); ok && !rec.Resolved {
			open++
		}
	}
	return open, nil
}

// Events returns the audit history for a project in append order.
func (l *Ledger) Events(projectID [32]byte) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.state.ProjectGet(projectID); !ok {
		return nil, ErrProjectNotFound
	}
	return l.state.EventsByProject(projectID)
}

// AuthorizeFunding checks the funding preconditions for a milestone without
// mutating state. Callers run settlement only after this passes; the eventual
// FundMilestone call re-checks the same guard before committing.
func (l *Ledger) AuthorizeFunding(id [32]byte, index uint64, payer [20]byte) (*Milestone, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	project, milestone, err := l.lookup(id, index)
	if err != nil {
		return nil, err
	}
	if payer != project.Client {
		return nil, fmt.Errorf("%w: only the client may fund a milestone", ErrUnauthorized)
	}
	if err := l.fundGuard(project, milestone); err != nil {
		return nil, err
	}
	return milestone.Clone(), nil
}

// FundMilestone commits the Created -> Funded transition against a confirmed
// settlement receipt. The settled amount and asset must match the milestone's
// declared values exactly.
func (l *Ledger) FundMilestone(id [32]byte, index uint64, receipt *SettlementReceipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	project, milestone, err := l.lookup(id, index)
	if err != nil {
		return err
	}
	if receipt == nil {
		return fmt.Errorf("%w: settlement receipt required", ErrInvalidMilestone)
	}
	if err := l.fundGuard(project, milestone); err != nil {
		return err
	}
	if receipt.From != project.Client {
		return fmt.Errorf("%w: receipt payer is not the project client", ErrUnauthorized)
	}
	if receipt.Asset != milestone.Asset {
		return ErrAssetMismatch
	}
	if receipt.Amount == nil || receipt.Amount.Cmp(milestone.Amount) != 0 {
		return ErrAmountMismatch
	}

	prev := project.Clone()
	from := milestone.Status
	now := l.now()
	milestone.Status = MilestoneFunded
	milestone.FundingTx = receipt.TxRef
	milestone.FundedAt = now
	project.UpdatedAt = now
	if err := l.state.ProjectPut(project); err != nil {
		return err
	}
	if err := l.emit(NewMilestoneFundedEvent(project, milestone, from)); err != nil {
		l.restoreProject(prev)
		return err
	}
	return nil
}

// AuthorizeRelease checks the release preconditions: the caller must be the
// project client, the milestone funded, and the project not disputed.
func (l *Ledger) AuthorizeRelease(id [32]byte, index uint64, caller [20]byte) (*Milestone, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	project, milestone, err := l.lookup(id, index)
	if err != nil {
		return nil, err
	}
	if caller != project.Client {
		return nil, fmt.Errorf("%w: only the client may approve a release", ErrUnauthorized)
	}
	if err := l.releaseGuard(project, milestone); err != nil {
		return nil, err
	}
	return milestone.Clone(), nil
}

// ReleaseMilestone commits the Funded -> Released transition once the payout
// settlement has confirmed.
func (l *Ledger) ReleaseMilestone(id [32]byte, index uint64, caller [20]byte, receipt *SettlementReceipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	project, milestone, err := l.lookup(id, index)
	if err != nil {
		return err
	}
	if caller != project.Client {
		return fmt.Errorf("%w: only the client may approve a release", ErrUnauthorized)
	}
	if err := l.releaseGuard(project, milestone); err != nil {
		return err
	}
	if receipt == nil {
		return fmt.Errorf("%w: settlement receipt required", ErrInvalidMilestone)
	}

	prev := project.Clone()
	from := milestone.Status
	now := l.now()
	milestone.Status = MilestoneReleased
	milestone.ReleaseTx = receipt.TxRef
	milestone.ReleasedAt = now
	project.UpdatedAt = now
	if project.Settled() {
		project.Status = ProjectCompleted
	}
	if err := l.state.ProjectPut(project); err != nil {
		return err
	}
	if err := l.emit(NewMilestoneReleasedEvent(project, milestone, from)); err != nil {
		l.restoreProject(prev)
		return err
	}
	return nil
}

// AuthorizeRefund checks the refund preconditions: arbiter authority, an open
// dispute, and a funded milestone.
func (l *Ledger) AuthorizeRefund(id [32]byte, index uint64, caller [20]byte) (*Milestone, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	project, milestone, err := l.lookup(id, index)
	if err != nil {
		return nil, err
	}
	if err := l.refundGuard(project, milestone, caller); err != nil {
		return nil, err
	}
	return milestone.Clone(), nil
}

// RefundMilestone commits the Funded -> Refunded transition once the refund
// settlement has confirmed. Only reachable while the project is disputed.
func (l *Ledger) RefundMilestone(id [32]byte, index uint64, caller [20]byte, receipt *SettlementReceipt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	project, milestone, err := l.lookup(id, index)
	if err != nil {
		return err
	}
	if err := l.refundGuard(project, milestone, caller); err != nil {
		return err
	}
	if receipt == nil {
		return fmt.Errorf("%w: settlement receipt required", ErrInvalidMilestone)
	}

	prev := project.Clone()
	from := milestone.Status
	now := l.now()
	milestone.Status = MilestoneRefunded
	milestone.RefundTx = receipt.TxRef
	milestone.RefundedAt = now
	project.UpdatedAt = now
	var prevRec *DisputeRecord
	if project.Settled() {
		project.Status = ProjectCompleted
		if rec, ok := l.state.DisputeGet(project.ID); ok && !rec.Resolved {
			prevRec = rec.Clone()
			rec.Resolved = true
			rec.ResolvedAt = now
			if err := l.state.DisputePut(rec); err != nil {
				return err
			}
		}
	}
	if err := l.state.ProjectPut(project); err != nil {
		if prevRec != nil {
			_ = l.state.DisputePut(prevRec)
		}
		return err
	}
	if err := l.emit(NewMilestoneRefundedEvent(project, milestone, from)); err != nil {
		l.restoreProject(prev)
		if prevRec != nil {
			_ = l.state.DisputePut(prevRec)
		}
		return err
	}
	return nil
}

// RaiseDispute freezes a project. The caller must be a project party or the
// configured arbiter. Raising a dispute twice is a no-op returning the
// existing record: concurrent UI retries are expected and must not error.
func (l *Ledger) RaiseDispute(id [32]byte, caller [20]byte, reason string) (*DisputeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	project, ok := l.state.ProjectGet(id)
	if !ok {
		return nil, ErrProjectNotFound
	}
	if caller != project.Client && caller != project.Freelancer && !l.isArbiter(caller) {
		return nil, fmt.Errorf("%w: dispute requires a project party or arbiter", ErrUnauthorized)
	}
	if rec, ok := l.state.DisputeGet(id); ok && !rec.Resolved {
		return rec.Clone(), nil
	}

	prev := project.Clone()
	now := l.now()
	rec := &DisputeRecord{
		ProjectID: id,
		Reason:    reason,
		RaisedBy:  caller,
		RaisedAt:  now,
	}
	if err := l.state.DisputePut(rec); err != nil {
		return nil, err
	}
	project.Status = ProjectDisputed
	project.UpdatedAt = now
	if err := l.state.ProjectPut(project); err != nil {
		return nil, err
	}
	if err := l.emit(NewDisputeRaisedEvent(project, rec)); err != nil {
		// Unwind the freeze. The record stays but is closed, so no
		// transition remains blocked by an unaudited dispute.
		l.restoreProject(prev)
		rec.Resolved = true
		rec.ResolvedAt = now
		_ = l.state.DisputePut(rec)
		return nil, err
	}
	return rec.Clone(), nil
}

// ResolveDispute closes an open dispute and unfreezes the project. Arbiter
// authority only.
func (l *Ledger) ResolveDispute(id [32]byte, caller [20]byte) (*DisputeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	project, ok := l.state.ProjectGet(id)
	if !ok {
		return nil, ErrProjectNotFound
	}
	if !l.isArbiter(caller) {
		return nil, fmt.Errorf("%w: dispute resolution requires the arbiter", ErrUnauthorized)
	}
	rec, ok := l.state.DisputeGet(id)
	if !ok || rec.Resolved {
		return nil, ErrNotDisputed
	}

	prev := project.Clone()
	prevRec := rec.Clone()
	now := l.now()
	rec.Resolved = true
	rec.ResolvedAt = now
	if err := l.state.DisputePut(rec); err != nil {
		return nil, err
	}
	if project.Settled() {
		project.Status = ProjectCompleted
	} else {
		project.Status = ProjectOpen
	}
	project.UpdatedAt = now
	if err := l.state.ProjectPut(project); err != nil {
		_ = l.state.DisputePut(prevRec)
		return nil, err
	}
	if err := l.emit(NewDisputeResolvedEvent(project, rec)); err != nil {
		l.restoreProject(prev)
		_ = l.state.DisputePut(prevRec)
		return nil, err
	}
	return rec.Clone(), nil
}

// SubmitDeliverable attaches an opaque content reference to a milestone. Only
// the freelancer may submit, and only before the milestone reaches a terminal
// state. The reference is stored as-is; content is never validated here.
func (l *Ledger) SubmitDeliverable(id [32]byte, index uint64, caller [20]byte, reference string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	project, milestone, err := l.lookup(id, index)
	if err != nil {
		return err
	}
	if caller != project.Freelancer {
		return fmt.Errorf("%w: only the freelancer may submit a deliverable", ErrUnauthorized)
	}
	if milestone.Status.Terminal() {
		if milestone.Status == MilestoneReleased {
			return ErrAlreadyReleased
		}
		return ErrAlreadyRefunded
	}
	if reference == "" {
		return fmt.Errorf("%w: deliverable reference required", ErrInvalidMilestone)
	}

	prev := project.Clone()
	now := l.now()
	milestone.Deliverable = reference
	project.UpdatedAt = now
	if err := l.state.ProjectPut(project); err != nil {
		return err
	}
	if err := l.emit(NewDeliverableSubmittedEvent(project, milestone)); err != nil {
		l.restoreProject(prev)
		return err
	}
	return nil
}

func (l *Ledger) lookup(id [32]byte, index uint64) (*Project, *Milestone, error) {
	project, ok := l.state.ProjectGet(id)
	if !ok {
		return nil, nil, ErrProjectNotFound
	}
	milestone := project.Milestone(index)
	if milestone == nil {
		return nil, nil, ErrMilestoneNotFound
	}
	return project, milestone, nil
}

func (l *Ledger) disputeOpen(projectID [32]byte) bool {
	rec, ok := l.state.DisputeGet(projectID)
	return ok && !rec.Resolved
}

func (l *Ledger) isArbiter(caller [20]byte) bool {
	return l.arbiter != ([20]byte{}) && caller == l.arbiter
}

func (l *Ledger) fundGuard(project *Project, milestone *Milestone) error {
	if l.disputeOpen(project.ID) {
		return ErrProjectDisputed
	}
	switch milestone.Status {
	case MilestoneCreated:
		return nil
	case MilestoneRefunded:
		return ErrAlreadyRefunded
	default:
		return ErrAlreadyFunded
	}
}

func (l *Ledger) releaseGuard(project *Project, milestone *Milestone) error {
	if l.disputeOpen(project.ID) {
		return ErrProjectDisputed
	}
	switch milestone.Status {
	case MilestoneFunded:
		return nil
	case MilestoneCreated:
		return ErrNotFunded
	case MilestoneReleased:
		return ErrAlreadyReleased
	default:
		return ErrAlreadyRefunded
	}
}

func (l *Ledger) refundGuard(project *Project, milestone *Milestone, caller [20]byte) error {
	if !l.isArbiter(caller) {
		return fmt.Errorf("%w: refunds require the arbiter", ErrUnauthorized)
	}
	if !l.disputeOpen(project.ID) {
		return ErrNotDisputed
	}
	switch milestone.Status {
	case MilestoneFunded:
		return nil
	case MilestoneCreated:
		return ErrNotFunded
	case MilestoneReleased:
		return ErrAlreadyReleased
	default:
		return ErrAlreadyRefunded
	}
}

func sameDefinition(a, b *Project) bool {
	if a.Client != b.Client || a.Freelancer != b.Freelancer || a.ExternalID != b.ExternalID {
		return false
	}
	if len(a.Milestones) != len(b.Milestones) {
		return false
	}
	for i := range a.Milestones {
		am, bm := a.Milestones[i], b.Milestones[i]
		if am.Title != bm.Title || am.Asset != bm.Asset {
			return false
		}
		if cmpAmount(am.Amount, bm.Amount) != 0 {
			return false
		}
	}
	return true
}

func cmpAmount(a, b *big.Int) int {
	if a == nil {
		a = big.NewInt(0)
	}
	if b == nil {
		b = big.NewInt(0)
	}
	return a.Cmp(b)
}
