package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ProjectStatus represents the lifecycle of an engagement between a client and
// a freelancer.
type ProjectStatus uint8

const (
	// ProjectOpen marks projects accepting funding and release actions.
	ProjectOpen ProjectStatus = iota
	// ProjectDisputed marks projects frozen by an open dispute. No funding or
	// release transitions are accepted until the dispute is resolved.
	ProjectDisputed
	// ProjectCompleted marks projects whose milestones have all reached a
	// terminal state (released or refunded). Completed projects are never
	// deleted and keep their full audit history.
	ProjectCompleted
)

// String returns the canonical lowercase label used in API payloads and events.
func (s ProjectStatus) String() string {
	switch s {
	case ProjectOpen:
		return "open"
	case ProjectDisputed:
		return "disputed"
	case ProjectCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MilestoneStatus represents the state of an individual payable unit of work.
type MilestoneStatus uint8

const (
	// MilestoneCreated indicates the milestone is awaiting funding.
	MilestoneCreated MilestoneStatus = iota
	// MilestoneFunded indicates the amount is held by the escrow vault and is
	// awaiting client approval.
	MilestoneFunded
	// MilestoneReleased indicates the escrowed amount was paid out to the
	// freelancer. Terminal.
	MilestoneReleased
	// MilestoneRefunded indicates the escrowed amount was returned to the
	// client by an arbiter decision. Terminal, distinct from awaiting funding:
	// a refunded milestone accepts no further deposits.
	MilestoneRefunded
)

// String returns the canonical lowercase label used in API payloads and events.
func (s MilestoneStatus) String() string {
	switch s {
	case MilestoneCreated:
		return "created"
	case MilestoneFunded:
		return "funded"
	case MilestoneReleased:
		return "released"
	case MilestoneRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Valid reports whether the status value is within the supported range.
func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestoneCreated, MilestoneFunded, MilestoneReleased, MilestoneRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the milestone accepts further transitions.
func (s MilestoneStatus) Terminal() bool {
	return s == MilestoneReleased || s == MilestoneRefunded
}

// Asset identifies the currency a milestone settles in: the chain's native
// coin or a specific fungible token contract. The zero token address denotes
// the native coin.
type Asset struct {
	Token [20]byte
}

// NativeAsset returns the asset descriptor for the chain's native coin.
func NativeAsset() Asset { return Asset{} }

// TokenAsset returns the asset descriptor for a fungible token contract.
func TokenAsset(contract [20]byte) Asset { return Asset{Token: contract} }

// Native reports whether the asset is the chain's native coin.
func (a Asset) Native() bool { return a.Token == ([20]byte{}) }

// String returns "native" for the native coin or the checksummed token
// contract address otherwise.
func (a Asset) String() string {
	if a.Native() {
		return "native"
	}
	return common.BytesToAddress(a.Token[:]).Hex()
}

// ParseAsset parses the canonical asset representation produced by String.
func ParseAsset(raw string) (Asset, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, "native") || trimmed == "" {
		return NativeAsset(), nil
	}
	if !common.IsHexAddress(trimmed) {
		return Asset{}, fmt.Errorf("%w: unsupported asset %q", ErrInvalidMilestone, raw)
	}
	addr := common.HexToAddress(trimmed)
	var token [20]byte
	copy(token[:], addr.Bytes())
	if token == ([20]byte{}) {
		return NativeAsset(), nil
	}
	return TokenAsset(token), nil
}

// Milestone captures a single funding leg of a project. Amounts are integers
// in the asset's smallest unit; decimal conversion happens at the UI boundary
// only.
type Milestone struct {
	Index       uint64
	Title       string
	Amount      *big.Int
	Asset       Asset
	Status      MilestoneStatus
	Deliverable string
	FundingTx   [32]byte
	ReleaseTx   [32]byte
	RefundTx    [32]byte
	FundedAt    int64
	ReleasedAt  int64
	RefundedAt  int64
}

// Clone returns a deep copy of the milestone so callers can safely mutate the
// copy without affecting stored state.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	}
	return &clone
}

// Validate ensures the milestone fields are sane prior to persistence.
func (m *Milestone) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: milestone must not be nil", ErrInvalidMilestone)
	}
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("%w: title required", ErrInvalidMilestone)
	}
	if m.Amount == nil || m.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidMilestone)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: invalid status %d", ErrInvalidMilestone, m.Status)
	}
	return nil
}

// Project aggregates ordered milestones under a shared engagement between a
// client and a freelancer. The milestone set and order are fixed at creation.
type Project struct {
	ID         [32]byte
	ExternalID string
	Client     [20]byte
	Freelancer [20]byte
	Status     ProjectStatus
	Milestones []*Milestone
	Metadata   []byte
	CreatedAt  int64
	UpdatedAt  int64
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	clone := *p
	if len(p.Milestones) > 0 {
		clone.Milestones = make([]*Milestone, len(p.Milestones))
		for i, m := range p.Milestones {
			clone.Milestones[i] = m.Clone()
		}
	}
	if len(p.Metadata) > 0 {
		clone.Metadata = make([]byte, len(p.Metadata))
		copy(clone.Metadata, p.Metadata)
	}
	return &clone
}

// Milestone returns the milestone with the supplied index.
func (p *Project) Milestone(index uint64) *Milestone {
	if p == nil {
		return nil
	}
	for _, m := range p.Milestones {
		if m != nil && m.Index == index {
			return m
		}
	}
	return nil
}

// Settled reports whether every milestone has reached a terminal state.
func (p *Project) Settled() bool {
	if p == nil {
		return false
	}
	for _, m := range p.Milestones {
		if m == nil {
			continue
		}
		if !m.Status.Terminal() {
			return false
		}
	}
	return true
}

// Validate checks the project definition: both parties present, distinct, and
// milestone indices contiguous from zero.
func (p *Project) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: project must not be nil", ErrInvalidProject)
	}
	if p.Client == ([20]byte{}) {
		return fmt.Errorf("%w: client identity required", ErrInvalidProject)
	}
	if p.Freelancer == ([20]byte{}) {
		return fmt.Errorf("%w: freelancer identity required", ErrInvalidProject)
	}
	if p.Client == p.Freelancer {
		return fmt.Errorf("%w: client and freelancer must differ", ErrInvalidProject)
	}
	if len(p.Milestones) == 0 {
		return fmt.Errorf("%w: at least one milestone required", ErrInvalidProject)
	}
	for i, m := range p.Milestones {
		if err := m.Validate(); err != nil {
			return err
		}
		if m.Index != uint64(i) {
			return fmt.Errorf("%w: milestone index %d out of order", ErrInvalidProject, m.Index)
		}
	}
	return nil
}

// SanitizeProject clones and validates the supplied project so callers receive
// deterministic, mutation-safe payloads.
func SanitizeProject(p *Project) (*Project, error) {
	if p == nil {
		return nil, errors.New("escrow: nil project")
	}
	clone := p.Clone()
	if err := clone.Validate(); err != nil {
		return nil, err
	}
	return clone, nil
}

// DisputeRecord associates a project with an administrative freeze.
type DisputeRecord struct {
	ProjectID  [32]byte
	Reason     string
	RaisedBy   [20]byte
	RaisedAt   int64
	Resolved   bool
	ResolvedAt int64
}

// Clone returns a copy safe for modification.
func (d *DisputeRecord) Clone() *DisputeRecord {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

// SettlementReceipt is the confirmed transfer proof the settlement layer hands
// to the ledger. Ledger transitions are applied only against confirmed
// receipts, never at submission time.
type SettlementReceipt struct {
	TxRef  [32]byte
	Amount *big.Int
	Asset  Asset
	From   [20]byte
}

// Clone returns a deep copy of the receipt.
func (r *SettlementReceipt) Clone() *SettlementReceipt {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Amount != nil {
		clone.Amount = new(big.Int).Set(r.Amount)
	}
	return &clone
}
