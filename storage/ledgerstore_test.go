package storage

import (
	"bytes"
	"math/big"
	"testing"

	"empleadora/escrow"
)

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func sampleProject() *escrow.Project {
	client := testAddr(0x01)
	freelancer := testAddr(0x02)
	return &escrow.Project{
		ID:         escrow.ProjectID(client, freelancer, "job-7"),
		ExternalID: "job-7",
		Client:     client,
		Freelancer: freelancer,
		Status:     escrow.ProjectOpen,
		Milestones: []*escrow.Milestone{
			{Index: 0, Title: "design", Amount: big.NewInt(100), Asset: escrow.NativeAsset(), Status: escrow.MilestoneFunded, FundingTx: [32]byte{0xAA}, FundedAt: 10},
			{Index: 1, Title: "build", Amount: big.NewInt(200), Asset: escrow.TokenAsset(testAddr(0x77)), Status: escrow.MilestoneCreated},
		},
		Metadata:  []byte("meta"),
		CreatedAt: 1,
		UpdatedAt: 10,
	}
}

func TestProjectRoundTrip(t *testing.T) {
	store := NewLedgerStore(NewMemDB())
	project := sampleProject()
	if err := store.ProjectPut(project); err != nil {
		t.Fatalf("put: %v", err)
	}
	loaded, ok := store.ProjectGet(project.ID)
	if !ok {
		t.Fatalf("project not found after put")
	}
	if loaded.Client != project.Client || loaded.Freelancer != project.Freelancer {
		t.Fatalf("parties corrupted")
	}
	if len(loaded.Milestones) != 2 {
		t.Fatalf("expected 2 milestones, got %d", len(loaded.Milestones))
	}
	m0 := loaded.Milestone(0)
	if m0.Status != escrow.MilestoneFunded || m0.FundingTx != ([32]byte{0xAA}) {
		t.Fatalf("milestone 0 state corrupted: %+v", m0)
	}
	if m0.Amount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("milestone 0 amount corrupted: %s", m0.Amount)
	}
	m1 := loaded.Milestone(1)
	if m1.Asset.Native() {
		t.Fatalf("milestone 1 asset should be a token")
	}
	if string(loaded.Metadata) != "meta" {
		t.Fatalf("metadata corrupted")
	}

	list, err := store.ProjectList()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one project, got %d", len(list))
	}
}

func TestDisputeRoundTrip(t *testing.T) {
	store := NewLedgerStore(NewMemDB())
	project := sampleProject()
	rec := &escrow.DisputeRecord{ProjectID: project.ID, Reason: "stalled", RaisedBy: project.Client, RaisedAt: 42}
	if err := store.DisputePut(rec); err != nil {
		t.Fatalf("put dispute: %v", err)
	}
	loaded, ok := store.DisputeGet(project.ID)
	if !ok {
		t.Fatalf("dispute not found")
	}
	if loaded.Reason != "stalled" || loaded.RaisedBy != project.Client || loaded.Resolved {
		t.Fatalf("dispute corrupted: %+v", loaded)
	}
}

func TestEventSequenceAndOrder(t *testing.T) {
	store := NewLedgerStore(NewMemDB())
	project := sampleProject()
	for i := 0; i < 25; i++ {
		evt := &escrow.Event{Type: escrow.EventTypeMilestoneFunded, ProjectID: project.ID, Attributes: map[string]string{}, Timestamp: int64(i)}
		if err := store.EventAppend(evt); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if evt.Sequence != int64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, evt.Sequence)
		}
	}
	events, err := store.EventsByProject(project.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 25 {
		t.Fatalf("expected 25 events, got %d", len(events))
	}
	for i, evt := range events {
		if evt.Sequence != int64(i+1) {
			t.Fatalf("events out of order at %d: seq %d", i, evt.Sequence)
		}
	}
}

func TestLedgerStoreBackedLedger(t *testing.T) {
	store := NewLedgerStore(NewMemDB())
	ledger := escrow.NewLedger(store)
	ledger.SetArbiter(testAddr(0xAD))

	milestones := []*escrow.Milestone{{Title: "work", Amount: big.NewInt(50), Asset: escrow.NativeAsset()}}
	project, err := ledger.CreateProject(testAddr(0x01), testAddr(0x02), "job", milestones, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	receipt := &escrow.SettlementReceipt{TxRef: [32]byte{1}, Amount: big.NewInt(50), Asset: escrow.NativeAsset(), From: testAddr(0x01)}
	if err := ledger.FundMilestone(project.ID, 0, receipt); err != nil {
		t.Fatalf("fund: %v", err)
	}
	events, err := ledger.Events(project.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected create+fund events, got %d", len(events))
	}
}
