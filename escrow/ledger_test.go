package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"testing"
)

type mockState struct {
	projects   map[[32]byte]*Project
	disputes   map[[32]byte]*DisputeRecord
	events     []*Event
	nextSeq    int64
	failAppend error
}

func newMockState() *mockState {
	return &mockState{
		projects: make(map[[32]byte]*Project),
		disputes: make(map[[32]byte]*DisputeRecord),
	}
}

func (s *mockState) ProjectPut(p *Project) error {
	s.projects[p.ID] = p.Clone()
	return nil
}

func (s *mockState) ProjectGet(id [32]byte) (*Project, bool) {
	p, ok := s.projects[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (s *mockState) ProjectList() ([]*Project, error) {
	out := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (s *mockState) DisputePut(rec *DisputeRecord) error {
	s.disputes[rec.ProjectID] = rec.Clone()
	return nil
}

func (s *mockState) DisputeGet(id [32]byte) (*DisputeRecord, bool) {
	rec, ok := s.disputes[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

func (s *mockState) EventAppend(evt *Event) error {
	if s.failAppend != nil {
		return s.failAppend
	}
	s.nextSeq++
	evt.Sequence = s.nextSeq
	s.events = append(s.events, evt)
	return nil
}

func (s *mockState) EventsByProject(id [32]byte) ([]*Event, error) {
	var out []*Event
	for _, evt := range s.events {
		if evt.ProjectID == id {
			out = append(out, evt)
		}
	}
	return out, nil
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	testClient     = newTestAddress(0x11)
	testFreelancer = newTestAddress(0x22)
	testArbiter    = newTestAddress(0xAD)
)

func testMilestones(amounts ...int64) []*Milestone {
	out := make([]*Milestone, len(amounts))
	for i, amt := range amounts {
		out[i] = &Milestone{
			Title:  "milestone",
			Amount: big.NewInt(amt),
			Asset:  NativeAsset(),
		}
	}
	return out
}

func newTestLedger(t *testing.T) (*Ledger, *mockState) {
	t.Helper()
	state := newMockState()
	ledger := NewLedger(state)
	ledger.SetArbiter(testArbiter)
	ledger.SetNowFunc(func() int64 { return 1_700_000_000 })
	return ledger, state
}

func fundReceipt(m *Milestone) *SettlementReceipt {
	return &SettlementReceipt{
		TxRef:  [32]byte{0xF0, byte(m.Index)},
		Amount: new(big.Int).Set(m.Amount),
		Asset:  m.Asset,
		From:   testClient,
	}
}

func mustCreate(t *testing.T, ledger *Ledger, amounts ...int64) *Project {
	t.Helper()
	project, err := ledger.CreateProject(testClient, testFreelancer, "job-1", testMilestones(amounts...), nil)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return project
}

func TestCreateProjectIdempotent(t *testing.T) {
	ledger, _ := newTestLedger(t)
	first := mustCreate(t, ledger, 100, 200)
	second, err := ledger.CreateProject(testClient, testFreelancer, "job-1", testMilestones(100, 200), nil)
	if err != nil {
		t.Fatalf("idempotent create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected identical project ids")
	}
	if _, err := ledger.CreateProject(testClient, testFreelancer, "job-1", testMilestones(100, 999), nil); !errors.Is(err, ErrInvalidProject) {
		t.Fatalf("expected definition conflict, got %v", err)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	ledger, _ := newTestLedger(t)
	if _, err := ledger.CreateProject(testClient, testClient, "job", testMilestones(10), nil); !errors.Is(err, ErrInvalidProject) {
		t.Fatalf("expected invalid project for same parties, got %v", err)
	}
	if _, err := ledger.CreateProject(testClient, testFreelancer, "job", nil, nil); !errors.Is(err, ErrInvalidProject) {
		t.Fatalf("expected invalid project without milestones, got %v", err)
	}
	bad := testMilestones(10)
	bad[0].Amount = big.NewInt(0)
	if _, err := ledger.CreateProject(testClient, testFreelancer, "job", bad, nil); !errors.Is(err, ErrInvalidMilestone) {
		t.Fatalf("expected invalid milestone for zero amount, got %v", err)
	}
}

func TestFundReleaseFlow(t *testing.T) {
	ledger, _ := newTestLedger(t)
	project := mustCreate(t, ledger, 100, 200)

	if err := ledger.FundMilestone(project.ID, 0, fundReceipt(project.Milestones[0])); err != nil {
		t.Fatalf("fund milestone 0: %v", err)
	}
	got, err := ledger.Project(project.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Milestone(0).Status != MilestoneFunded {
		t.Fatalf("expected funded, got %s", got.Milestone(0).Status)
	}

	// Second funding attempt must be rejected, never double-credited.
	if err := ledger.FundMilestone(project.ID, 0, fundReceipt(project.Milestones[0])); !errors.Is(err, ErrAlreadyFunded) {
		t.Fatalf("expected AlreadyFunded, got %v", err)
	}

	release := &SettlementReceipt{TxRef: [32]byte{0x51}, Amount: big.NewInt(100), Asset: NativeAsset(), From: testClient}
	if err := ledger.ReleaseMilestone(project.ID, 0, testClient, release); err != nil {
		t.Fatalf("release milestone 0: %v", err)
	}
	got, _ = ledger.Project(project.ID)
	if got.Milestone(0).Status != MilestoneReleased {
		t.Fatalf("expected released, got %s", got.Milestone(0).Status)
	}
	if got.Status == ProjectCompleted {
		t.Fatalf("project must not complete with milestone 1 pending")
	}
}

func TestFundRejectsAmountAndAssetMismatch(t *testing.T) {
	ledger, _ := newTestLedger(t)
	project := mustCreate(t, ledger, 100)

	wrongAmount := fundReceipt(project.Milestones[0])
	wrongAmount.Amount = big.NewInt(99)
	if err := ledger.FundMilestone(project.ID, 0, wrongAmount); !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected AmountMismatch, got %v", err)
	}

	wrongAsset := fundReceipt(project.Milestones[0])
	wrongAsset.Asset = TokenAsset(newTestAddress(0x77))
	if err := ledger.FundMilestone(project.ID, 0, wrongAsset); !errors.Is(err, ErrAssetMismatch) {
		t.Fatalf("expected AssetMismatch, got %v", err)
	}

	wrongPayer := fundReceipt(project.Milestones[0])
	wrongPayer.From = testFreelancer
	if err := ledger.FundMilestone(project.ID, 0, wrongPayer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestReleaseRequiresFundingAndClient(t *testing.T) {
	ledger, _ := newTestLedger(t)
	project := mustCreate(t, ledger, 100)
	receipt := fundReceipt(project.Milestones[0])

	if err := ledger.ReleaseMilestone(project.ID, 0, testClient, receipt); !errors.Is(err, ErrNotFunded) {
		t.Fatalf("expected NotFunded, got %v", err)
	}
	if err := ledger.FundMilestone(project.ID, 0, receipt); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := ledger.ReleaseMilestone(project.ID, 0, testFreelancer, receipt); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected Unauthorized for freelancer approve, got %v", err)
	}
	if err := ledger.ReleaseMilestone(project.ID, 0, testClient, receipt); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := ledger.ReleaseMilestone(project.ID, 0, testClient, receipt); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("expected AlreadyReleased, got %v", err)
	}
}

func TestDisputeFreezesTransitions(t *testing.T) {
	ledger, _ := newTestLedger(t)
	project := mustCreate(t, ledger, 100, 200)
	if err := ledger.FundMilestone(project.ID, 1, fundReceipt(project.Milestones[1])); err != nil {
		t.Fatalf("fund milestone 1: %v", err)
	}

	rec, err := ledger.RaiseDispute(project.ID, testFreelancer, "work rejected")
	if err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	if rec.Resolved {
		t.Fatalf("new dispute must be open")
	}

	// Raising again is a no-op returning the existing record.
	again, err := ledger.RaiseDispute(project.ID, testClient, "duplicate")
	if err != nil {
		t.Fatalf("idempotent dispute: %v", err)
	}
	if again.RaisedAt != rec.RaisedAt || again.Reason != rec.Reason {
		t.Fatalf("expected existing dispute record, got %+v", again)
	}
	if open, err := ledger.OpenDisputes(); err != nil || open != 1 {
		t.Fatalf("expected one open dispute, got %d (%v)", open, err)
	}

	if err := ledger.FundMilestone(project.ID, 0, fundReceipt(project.Milestones[0])); !errors.Is(err, ErrProjectDisputed) {
		t.Fatalf("expected ProjectDisputed on fund, got %v", err)
	}
	receipt := fundReceipt(project.Milestones[1])
	if err := ledger.ReleaseMilestone(project.ID, 1, testClient, receipt); !errors.Is(err, ErrProjectDisputed) {
		t.Fatalf("expected ProjectDisputed on release, got %v", err)
	}

	if _, err := ledger.ResolveDispute(project.ID, testArbiter); err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}
	if open, err := ledger.OpenDisputes(); err != nil || open != 0 {
		t.Fatalf("expected no open disputes after resolution, got %d (%v)", open, err)
	}
	if err := ledger.ReleaseMilestone(project.ID, 1, testClient, receipt); err != nil {
		t.Fatalf("release after resolution: %v", err)
	}
}

func TestDisputeAuthorization(t *testing.T) {
	ledger, _ := newTestLedger(t)
	project := mustCreate(t, ledger, 100)
	outsider := newTestAddress(0x99)
	if _, err := ledger.RaiseDispute(project.ID, outsider, "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected Unauthorized for outsider, got %v", err)
	}
	if _, err := ledger.ResolveDispute(project.ID, testClient); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected Unauthorized resolve for client, got %v", err)
	}
}

func TestRefundRequiresDisputeAndFunding(t *testing.T) {
	ledger, _ := newTestLedger(t)
	project := mustCreate(t, ledger, 100, 200)
	refund := &SettlementReceipt{TxRef: [32]byte{0xAB}, Amount: big.NewInt(200), Asset: NativeAsset(), From: testClient}

	if err := ledger.RefundMilestone(project.ID, 1, testArbiter, refund); !errors.Is(err, ErrNotDisputed) {
		t.Fatalf("expected NotDisputed, got %v", err)
	}
	if err := ledger.FundMilestone(project.ID, 1, fundReceipt(project.Milestones[1])); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := ledger.RaiseDispute(project.ID, testClient, "stalled"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	// Unfunded milestone cannot be refunded even under dispute.
	if err := ledger.RefundMilestone(project.ID, 0, testArbiter, refund); !errors.Is(err, ErrNotFunded) {
		t.Fatalf("expected NotFunded, got %v", err)
	}
	// Arbiter authority is mandatory.
	if err := ledger.RefundMilestone(project.ID, 1, testClient, refund); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}

	if err := ledger.RefundMilestone(project.ID, 1, testArbiter, refund); err != nil {
		t.Fatalf("refund: %v", err)
	}
	got, _ := ledger.Project(project.ID)
	if got.Milestone(1).Status != MilestoneRefunded {
		t.Fatalf("expected refunded, got %s", got.Milestone(1).Status)
	}
	// Approval after refund is a state conflict.
	if err := ledger.ReleaseMilestone(project.ID, 1, testClient, refund); !IsStateConflict(err) {
		t.Fatalf("expected state conflict after refund, got %v", err)
	}
	// A refunded milestone never accepts funding again.
	if _, err := ledger.ResolveDispute(project.ID, testArbiter); !errors.Is(err, ErrNotDisputed) {
		// Refunding the last funded milestone settles nothing else here, so
		// the dispute may have auto-resolved; both outcomes are acceptable as
		// long as funding stays rejected.
		t.Logf("resolve after refund: %v", err)
	}
	if err := ledger.FundMilestone(project.ID, 1, fundReceipt(project.Milestones[1])); !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("expected AlreadyRefunded, got %v", err)
	}
}

func TestSubmitDeliverable(t *testing.T) {
	ledger, _ := newTestLedger(t)
	project := mustCreate(t, ledger, 100)

	if err := ledger.SubmitDeliverable(project.ID, 0, testClient, "bafy-cid"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected Unauthorized for client submit, got %v", err)
	}
	if err := ledger.SubmitDeliverable(project.ID, 0, testFreelancer, ""); !errors.Is(err, ErrInvalidMilestone) {
		t.Fatalf("expected validation error for empty reference, got %v", err)
	}
	if err := ledger.SubmitDeliverable(project.ID, 0, testFreelancer, "bafy-cid"); err != nil {
		t.Fatalf("submit deliverable: %v", err)
	}
	got, _ := ledger.Project(project.ID)
	if got.Milestone(0).Deliverable != "bafy-cid" {
		t.Fatalf("deliverable not stored")
	}
}

func TestConcurrentFundingSingleTransition(t *testing.T) {
	ledger, state := newTestLedger(t)
	project := mustCreate(t, ledger, 100)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			errs[slot] = ledger.FundMilestone(project.ID, 0, fundReceipt(project.Milestones[0]))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrAlreadyFunded) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one successful funding, got %d", succeeded)
	}
	funded := 0
	for _, evt := range state.events {
		if evt.Type == EventTypeMilestoneFunded {
			funded++
		}
	}
	if funded != 1 {
		t.Fatalf("expected one funded event, got %d", funded)
	}
}

// TestReleasedImpliesFundedInvariant drives random transition sequences and
// checks that a released milestone was always funded first.
func TestReleasedImpliesFundedInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		ledger, _ := newTestLedger(t)
		project := mustCreate(t, ledger, 100, 200, 300)
		fundedSeen := make(map[uint64]bool)
		for step := 0; step < 30; step++ {
			idx := uint64(rng.Intn(3))
			m := project.Milestones[idx]
			switch rng.Intn(5) {
			case 0:
				if ledger.FundMilestone(project.ID, idx, fundReceipt(m)) == nil {
					fundedSeen[idx] = true
				}
			case 1:
				receipt := fundReceipt(m)
				if ledger.ReleaseMilestone(project.ID, idx, testClient, receipt) == nil && !fundedSeen[idx] {
					t.Fatalf("trial %d: released milestone %d without funding", trial, idx)
				}
			case 2:
				_, _ = ledger.RaiseDispute(project.ID, testClient, "fuzz")
			case 3:
				_, _ = ledger.ResolveDispute(project.ID, testArbiter)
			case 4:
				_ = ledger.RefundMilestone(project.ID, idx, testArbiter, fundReceipt(m))
			}
			got, err := ledger.Project(project.ID)
			if err != nil {
				t.Fatalf("trial %d: get project: %v", trial, err)
			}
			for _, ms := range got.Milestones {
				if ms.Status == MilestoneReleased && !fundedSeen[ms.Index] {
					t.Fatalf("trial %d: invariant violated for milestone %d", trial, ms.Index)
				}
			}
		}
	}
}

func TestAuditTrail(t *testing.T) {
	ledger, _ := newTestLedger(t)
	project := mustCreate(t, ledger, 100)
	if err := ledger.FundMilestone(project.ID, 0, fundReceipt(project.Milestones[0])); err != nil {
		t.Fatalf("fund: %v", err)
	}
	receipt := fundReceipt(project.Milestones[0])
	if err := ledger.ReleaseMilestone(project.ID, 0, testClient, receipt); err != nil {
		t.Fatalf("release: %v", err)
	}

	events, err := ledger.Events(project.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var types []string
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	want := []string{EventTypeProjectCreated, EventTypeMilestoneFunded, EventTypeMilestoneReleased}
	if len(types) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Fatalf("event sequence not strictly increasing")
		}
	}
}

func TestTransitionEventsCarryOldStatus(t *testing.T) {
	ledger, state := newTestLedger(t)
	project := mustCreate(t, ledger, 100)
	receipt := fundReceipt(project.Milestones[0])
	if err := ledger.FundMilestone(project.ID, 0, receipt); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := ledger.ReleaseMilestone(project.ID, 0, testClient, receipt); err != nil {
		t.Fatalf("release: %v", err)
	}

	byType := make(map[string]*Event)
	for _, evt := range state.events {
		byType[evt.Type] = evt
	}
	funded := byType[EventTypeMilestoneFunded]
	if funded == nil || funded.Attributes["oldStatus"] != "created" || funded.Attributes["status"] != "funded" {
		t.Fatalf("funded event must record the created -> funded transition, got %+v", funded)
	}
	released := byType[EventTypeMilestoneReleased]
	if released == nil || released.Attributes["oldStatus"] != "funded" || released.Attributes["status"] != "released" {
		t.Fatalf("released event must record the funded -> released transition, got %+v", released)
	}
}

func TestRefundEventCarriesOldStatus(t *testing.T) {
	ledger, state := newTestLedger(t)
	project := mustCreate(t, ledger, 100)
	receipt := fundReceipt(project.Milestones[0])
	if err := ledger.FundMilestone(project.ID, 0, receipt); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := ledger.RaiseDispute(project.ID, testClient, "stalled"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := ledger.RefundMilestone(project.ID, 0, testArbiter, receipt); err != nil {
		t.Fatalf("refund: %v", err)
	}
	for _, evt := range state.events {
		if evt.Type == EventTypeMilestoneRefunded {
			if evt.Attributes["oldStatus"] != "funded" || evt.Attributes["status"] != "refunded" {
				t.Fatalf("refunded event must record the funded -> refunded transition, got %+v", evt.Attributes)
			}
			return
		}
	}
	t.Fatalf("no refunded event emitted")
}

func TestEventAppendFailureRollsBackTransition(t *testing.T) {
	ledger, state := newTestLedger(t)
	project := mustCreate(t, ledger, 100)

	appendErr := errors.New("disk full")
	state.failAppend = appendErr
	err := ledger.FundMilestone(project.ID, 0, fundReceipt(project.Milestones[0]))
	if !errors.Is(err, appendErr) {
		t.Fatalf("expected append failure to surface, got %v", err)
	}

	// The transition must not stay committed without its audit entry.
	got, getErr := ledger.Project(project.ID)
	if getErr != nil {
		t.Fatalf("get project: %v", getErr)
	}
	if got.Milestone(0).Status != MilestoneCreated {
		t.Fatalf("expected rollback to created, got %s", got.Milestone(0).Status)
	}

	// Once the log accepts writes again the same funding goes through.
	state.failAppend = nil
	if err := ledger.FundMilestone(project.ID, 0, fundReceipt(project.Milestones[0])); err != nil {
		t.Fatalf("fund after recovery: %v", err)
	}
	funded := 0
	for _, evt := range state.events {
		if evt.Type == EventTypeMilestoneFunded {
			funded++
		}
	}
	if funded != 1 {
		t.Fatalf("expected exactly one funded event, got %d", funded)
	}
}

func TestEventAppendFailureUnwindsDispute(t *testing.T) {
	ledger, state := newTestLedger(t)
	project := mustCreate(t, ledger, 100)

	appendErr := errors.New("disk full")
	state.failAppend = appendErr
	if _, err := ledger.RaiseDispute(project.ID, testClient, "stalled"); !errors.Is(err, appendErr) {
		t.Fatalf("expected append failure to surface, got %v", err)
	}
	state.failAppend = nil

	// No unaudited freeze may remain: funding must still succeed.
	if err := ledger.FundMilestone(project.ID, 0, fundReceipt(project.Milestones[0])); err != nil {
		t.Fatalf("fund after failed dispute: %v", err)
	}
	got, _ := ledger.Project(project.ID)
	if got.Status == ProjectDisputed {
		t.Fatalf("project must not stay disputed after a failed raise")
	}
}
