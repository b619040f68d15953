package storage

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"empleadora/escrow"
)

const (
	projectKeyPrefix = "escrow/project/"
	disputeKeyPrefix = "escrow/dispute/"
	eventKeyPrefix   = "escrow/event/"
	sequenceKey      = "escrow/eventseq"
)

// LedgerStore persists ledger state in a key-value database. It implements
// escrow.State with stable JSON encodings so snapshots survive upgrades.
type LedgerStore struct {
	db Database

	seqMu sync.Mutex
}

// NewLedgerStore wraps the supplied database.
func NewLedgerStore(db Database) *LedgerStore {
	return &LedgerStore{db: db}
}

type storedMilestone struct {
	Index       uint64 `json:"index"`
	Title       string `json:"title"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset"`
	Status      uint8  `json:"status"`
	Deliverable string `json:"deliverable,omitempty"`
	FundingTx   string `json:"fundingTx,omitempty"`
	ReleaseTx   string `json:"releaseTx,omitempty"`
	RefundTx    string `json:"refundTx,omitempty"`
	FundedAt    int64  `json:"fundedAt,omitempty"`
	ReleasedAt  int64  `json:"releasedAt,omitempty"`
	RefundedAt  int64  `json:"refundedAt,omitempty"`
}

type storedProject struct {
	ID         string            `json:"id"`
	ExternalID string            `json:"externalId,omitempty"`
	Client     string            `json:"client"`
	Freelancer string            `json:"freelancer"`
	Status     uint8             `json:"status"`
	Milestones []storedMilestone `json:"milestones"`
	Metadata   string            `json:"metadata,omitempty"`
	CreatedAt  int64             `json:"createdAt"`
	UpdatedAt  int64             `json:"updatedAt"`
}

type storedDispute struct {
	ProjectID  string `json:"projectId"`
	Reason     string `json:"reason"`
	RaisedBy   string `json:"raisedBy"`
	RaisedAt   int64  `json:"raisedAt"`
	Resolved   bool   `json:"resolved"`
	ResolvedAt int64  `json:"resolvedAt,omitempty"`
}

type storedEvent struct {
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	ProjectID  string            `json:"projectId"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

// ProjectPut persists the project.
func (s *LedgerStore) ProjectPut(p *escrow.Project) error {
	if p == nil {
		return errors.New("storage: nil project")
	}
	encoded, err := json.Marshal(encodeProject(p))
	if err != nil {
		return err
	}
	return s.db.Put(projectKey(p.ID), encoded)
}

// ProjectGet loads a project by id.
func (s *LedgerStore) ProjectGet(id [32]byte) (*escrow.Project, bool) {
	raw, err := s.db.Get(projectKey(id))
	if err != nil {
		return nil, false
	}
	var stored storedProject
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false
	}
	project, err := decodeProject(stored)
	if err != nil {
		return nil, false
	}
	return project, true
}

// ProjectList returns all stored projects.
func (s *LedgerStore) ProjectList() ([]*escrow.Project, error) {
	var projects []*escrow.Project
	err := s.db.IteratePrefix([]byte(projectKeyPrefix), func(_, value []byte) error {
		var stored storedProject
		if err := json.Unmarshal(value, &stored); err != nil {
			return err
		}
		project, err := decodeProject(stored)
		if err != nil {
			return err
		}
		projects = append(projects, project)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// DisputePut persists the dispute record.
func (s *LedgerStore) DisputePut(rec *escrow.DisputeRecord) error {
	if rec == nil {
		return errors.New("storage: nil dispute record")
	}
	encoded, err := json.Marshal(storedDispute{
		ProjectID:  hex.EncodeToString(rec.ProjectID[:]),
		Reason:     rec.Reason,
		RaisedBy:   hex.EncodeToString(rec.RaisedBy[:]),
		RaisedAt:   rec.RaisedAt,
		Resolved:   rec.Resolved,
		ResolvedAt: rec.ResolvedAt,
	})
	if err != nil {
		return err
	}
	return s.db.Put(disputeKey(rec.ProjectID), encoded)
}

// DisputeGet loads the dispute record for a project.
func (s *LedgerStore) DisputeGet(projectID [32]byte) (*escrow.DisputeRecord, bool) {
	raw, err := s.db.Get(disputeKey(projectID))
	if err != nil {
		return nil, false
	}
	var stored storedDispute
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, false
	}
	raisedBy, err := decodeAddress(stored.RaisedBy)
	if err != nil {
		return nil, false
	}
	return &escrow.DisputeRecord{
		ProjectID:  projectID,
		Reason:     stored.Reason,
		RaisedBy:   raisedBy,
		RaisedAt:   stored.RaisedAt,
		Resolved:   stored.Resolved,
		ResolvedAt: stored.ResolvedAt,
	}, true
}

// EventAppend assigns the next global sequence and persists the event under
// its project's history.
func (s *LedgerStore) EventAppend(evt *escrow.Event) error {
	if evt == nil {
		return errors.New("storage: nil event")
	}
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	seq, err := s.nextSequence()
	if err != nil {
		return err
	}
	evt.Sequence = seq
	encoded, err := json.Marshal(storedEvent{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		ProjectID:  hex.EncodeToString(evt.ProjectID[:]),
		Attributes: evt.Attributes,
		Timestamp:  evt.Timestamp,
	})
	if err != nil {
		return err
	}
	return s.db.Put(eventKey(evt.ProjectID, seq), encoded)
}

// EventsByProject returns the audit history for a project in append order.
func (s *LedgerStore) EventsByProject(projectID [32]byte) ([]*escrow.Event, error) {
	prefix := fmt.Sprintf("%s%s/", eventKeyPrefix, hex.EncodeToString(projectID[:]))
	var events []*escrow.Event
	err := s.db.IteratePrefix([]byte(prefix), func(_, value []byte) error {
		var stored storedEvent
		if err := json.Unmarshal(value, &stored); err != nil {
			return err
		}
		events = append(events, &escrow.Event{
			Sequence:   stored.Sequence,
			Type:       stored.Type,
			ProjectID:  projectID,
			Attributes: stored.Attributes,
			Timestamp:  stored.Timestamp,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *LedgerStore) nextSequence() (int64, error) {
	var current int64
	raw, err := s.db.Get([]byte(sequenceKey))
	switch {
	case err == nil:
		if len(raw) != 8 {
			return 0, errors.New("storage: corrupt event sequence")
		}
		current = int64(binary.BigEndian.Uint64(raw))
	case errors.Is(err, ErrKeyNotFound):
		current = 0
	default:
		return 0, err
	}
	next := current + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	if err := s.db.Put([]byte(sequenceKey), buf); err != nil {
		return 0, err
	}
	return next, nil
}

func projectKey(id [32]byte) []byte {
	return []byte(projectKeyPrefix + hex.EncodeToString(id[:]))
}

func disputeKey(id [32]byte) []byte {
	return []byte(disputeKeyPrefix + hex.EncodeToString(id[:]))
}

func eventKey(projectID [32]byte, seq int64) []byte {
	// Zero-padded sequence keeps lexicographic order equal to append order.
	return []byte(fmt.Sprintf("%s%s/%020d", eventKeyPrefix, hex.EncodeToString(projectID[:]), seq))
}

func encodeProject(p *escrow.Project) storedProject {
	stored := storedProject{
		ID:         hex.EncodeToString(p.ID[:]),
		ExternalID: p.ExternalID,
		Client:     hex.EncodeToString(p.Client[:]),
		Freelancer: hex.EncodeToString(p.Freelancer[:]),
		Status:     uint8(p.Status),
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
	if len(p.Metadata) > 0 {
		stored.Metadata = hex.EncodeToString(p.Metadata)
	}
	stored.Milestones = make([]storedMilestone, 0, len(p.Milestones))
	for _, m := range p.Milestones {
		if m == nil {
			continue
		}
		amount := "0"
		if m.Amount != nil {
			amount = m.Amount.String()
		}
		stored.Milestones = append(stored.Milestones, storedMilestone{
			Index:       m.Index,
			Title:       m.Title,
			Amount:      amount,
			Asset:       m.Asset.String(),
			Status:      uint8(m.Status),
			Deliverable: m.Deliverable,
			FundingTx:   encodeTx(m.FundingTx),
			ReleaseTx:   encodeTx(m.ReleaseTx),
			RefundTx:    encodeTx(m.RefundTx),
			FundedAt:    m.FundedAt,
			ReleasedAt:  m.ReleasedAt,
			RefundedAt:  m.RefundedAt,
		})
	}
	return stored
}

func decodeProject(stored storedProject) (*escrow.Project, error) {
	id, err := decodeHash(stored.ID)
	if err != nil {
		return nil, err
	}
	client, err := decodeAddress(stored.Client)
	if err != nil {
		return nil, err
	}
	freelancer, err := decodeAddress(stored.Freelancer)
	if err != nil {
		return nil, err
	}
	project := &escrow.Project{
		ID:         id,
		ExternalID: stored.ExternalID,
		Client:     client,
		Freelancer: freelancer,
		Status:     escrow.ProjectStatus(stored.Status),
		CreatedAt:  stored.CreatedAt,
		UpdatedAt:  stored.UpdatedAt,
	}
	if stored.Metadata != "" {
		meta, err := hex.DecodeString(stored.Metadata)
		if err != nil {
			return nil, err
		}
		project.Metadata = meta
	}
	project.Milestones = make([]*escrow.Milestone, 0, len(stored.Milestones))
	for _, sm := range stored.Milestones {
		amount, ok := new(big.Int).SetString(sm.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("storage: corrupt milestone amount %q", sm.Amount)
		}
		asset, err := escrow.ParseAsset(sm.Asset)
		if err != nil {
			return nil, err
		}
		milestone := &escrow.Milestone{
			Index:       sm.Index,
			Title:       sm.Title,
			Amount:      amount,
			Asset:       asset,
			Status:      escrow.MilestoneStatus(sm.Status),
			Deliverable: sm.Deliverable,
			FundedAt:    sm.FundedAt,
			ReleasedAt:  sm.ReleasedAt,
			RefundedAt:  sm.RefundedAt,
		}
		if milestone.FundingTx, err = decodeTx(sm.FundingTx); err != nil {
			return nil, err
		}
		if milestone.ReleaseTx, err = decodeTx(sm.ReleaseTx); err != nil {
			return nil, err
		}
		if milestone.RefundTx, err = decodeTx(sm.RefundTx); err != nil {
			return nil, err
		}
		project.Milestones = append(project.Milestones, milestone)
	}
	return project, nil
}

func encodeTx(ref [32]byte) string {
	if ref == ([32]byte{}) {
		return ""
	}
	return hex.EncodeToString(ref[:])
}

func decodeTx(raw string) ([32]byte, error) {
	if raw == "" {
		return [32]byte{}, nil
	}
	return decodeHash(raw)
}

func decodeHash(raw string) ([32]byte, error) {
	var out [32]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, err
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("storage: expected 32-byte value, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func decodeAddress(raw string) ([20]byte, error) {
	var out [20]byte
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return out, err
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("storage: expected 20-byte value, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
