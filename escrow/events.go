package escrow

import (
	"encoding/hex"
	"strconv"
)

const (
	EventTypeProjectCreated       = "project.created"
	EventTypeMilestoneFunded      = "milestone.funded"
	EventTypeMilestoneReleased    = "milestone.released"
	EventTypeMilestoneRefunded    = "milestone.refunded"
	EventTypeDeliverableSubmitted = "milestone.deliverable"
	EventTypeDisputeRaised        = "project.disputed"
	EventTypeDisputeResolved      = "project.dispute_resolved"
)

// Event is one immutable entry of the append-only audit log. The sequence is
// assigned by the ledger state on append and is unique across all projects.
type Event struct {
	Sequence   int64
	Type       string
	ProjectID  [32]byte
	Attributes map[string]string
	Timestamp  int64
}

// NewProjectCreatedEvent returns the canonical payload for a new project.
func NewProjectCreatedEvent(p *Project) *Event {
	evt := newProjectEvent(EventTypeProjectCreated, p)
	if p != nil {
		evt.Attributes["milestones"] = strconv.Itoa(len(p.Milestones))
	}
	return evt
}

// NewMilestoneFundedEvent returns the payload emitted when a confirmed
// settlement moves a milestone to funded. The from status records the state
// the milestone transitioned out of.
func NewMilestoneFundedEvent(p *Project, m *Milestone, from MilestoneStatus) *Event {
	evt := newProjectEvent(EventTypeMilestoneFunded, p)
	addMilestoneAttrs(evt, m, from)
	if m != nil {
		evt.Attributes["txRef"] = hex.EncodeToString(m.FundingTx[:])
	}
	return evt
}

// NewMilestoneReleasedEvent returns the payload emitted when escrowed funds
// are paid out to the freelancer.
func NewMilestoneReleasedEvent(p *Project, m *Milestone, from MilestoneStatus) *Event {
	evt := newProjectEvent(EventTypeMilestoneReleased, p)
	addMilestoneAttrs(evt, m, from)
	if m != nil {
		evt.Attributes["txRef"] = hex.EncodeToString(m.ReleaseTx[:])
	}
	return evt
}

// NewMilestoneRefundedEvent returns the payload emitted when an arbiter
// returns escrowed funds to the client.
func NewMilestoneRefundedEvent(p *Project, m *Milestone, from MilestoneStatus) *Event {
	evt := newProjectEvent(EventTypeMilestoneRefunded, p)
	addMilestoneAttrs(evt, m, from)
	if m != nil {
		evt.Attributes["txRef"] = hex.EncodeToString(m.RefundTx[:])
	}
	return evt
}

// NewDeliverableSubmittedEvent returns the payload emitted when a freelancer
// attaches a work reference to a milestone.
func NewDeliverableSubmittedEvent(p *Project, m *Milestone) *Event {
	evt := newProjectEvent(EventTypeDeliverableSubmitted, p)
	if m != nil {
		addMilestoneAttrs(evt, m, m.Status)
		evt.Attributes["deliverable"] = m.Deliverable
	}
	return evt
}

// NewDisputeRaisedEvent returns the payload emitted when a project is frozen.
func NewDisputeRaisedEvent(p *Project, rec *DisputeRecord) *Event {
	evt := newProjectEvent(EventTypeDisputeRaised, p)
	if rec != nil {
		evt.Attributes["raisedBy"] = hex.EncodeToString(rec.RaisedBy[:])
		evt.Attributes["reason"] = rec.Reason
	}
	return evt
}

// NewDisputeResolvedEvent returns the payload emitted when a dispute closes.
func NewDisputeResolvedEvent(p *Project, rec *DisputeRecord) *Event {
	evt := newProjectEvent(EventTypeDisputeResolved, p)
	if rec != nil {
		evt.Attributes["resolvedAt"] = strconv.FormatInt(rec.ResolvedAt, 10)
	}
	return evt
}

func newProjectEvent(eventType string, p *Project) *Event {
	attrs := make(map[string]string)
	evt := &Event{Type: eventType, Attributes: attrs}
	if p == nil {
		return evt
	}
	evt.ProjectID = p.ID
	attrs["projectId"] = hex.EncodeToString(p.ID[:])
	attrs["client"] = hex.EncodeToString(p.Client[:])
	attrs["freelancer"] = hex.EncodeToString(p.Freelancer[:])
	attrs["projectStatus"] = p.Status.String()
	return evt
}

func addMilestoneAttrs(evt *Event, m *Milestone, from MilestoneStatus) {
	if evt == nil || m == nil {
		return
	}
	evt.Attributes["milestoneIndex"] = strconv.FormatUint(m.Index, 10)
	evt.Attributes["oldStatus"] = from.String()
	evt.Attributes["status"] = m.Status.String()
	evt.Attributes["asset"] = m.Asset.String()
	if m.Amount != nil {
		evt.Attributes["amount"] = m.Amount.String()
	}
}
