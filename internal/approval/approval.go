// Package approval implements the Approval Gate of spec §4.11: a
// pending-request store that blocks or permits a tool call awaiting
// human sign-off. It is a mutex-guarded per-project map, the same
// shape as costguard's requestWindow bookkeeping, generalized to a
// resolve-once request store, and implements
// internal/toolregistry.ApprovalChecker so the registry never imports
// this package.
package approval

import (
	"sync"
	"time"

	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
)

// Decision is the human's verdict on a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Notifier is invoked once per new request, so a caller can page a
// human (Slack, Telegram, email) without the gate owning delivery.
type Notifier func(req model.ApprovalRequest)

// Gate is the Approval Gate: one instance per process, all projects
// share it (state is keyed by project and trace internally).
type Gate struct {
	mu       sync.Mutex
	requests map[ids.ApprovalId]*model.ApprovalRequest
	notify   Notifier
	now      func() time.Time
}

// New builds an empty Gate. notify may be nil to skip notification.
func New(notify Notifier) *Gate {
	return &Gate{
		requests: make(map[ids.ApprovalId]*model.ApprovalRequest),
		notify:   notify,
		now:      time.Now,
	}
}

// Request stores a pending approval and fires the notifier, returning
// the new request's id.
func (g *Gate) Request(projectID ids.ProjectId, sessionID ids.SessionId, traceID ids.TraceId, toolID string, input []byte) ids.ApprovalId {
	req := &model.ApprovalRequest{
		ID:          ids.NewApprovalId(),
		ProjectID:   projectID,
		SessionID:   sessionID,
		TraceID:     traceID,
		ToolID:      toolID,
		Input:       input,
		Status:      model.ApprovalPending,
		RequestedAt: g.now(),
	}

	g.mu.Lock()
	g.requests[req.ID] = req
	g.mu.Unlock()

	if g.notify != nil {
		g.notify(*req)
	}
	return req.ID
}

// Resolve sets the terminal state for approvalID. A second resolve
// call (the request is already non-pending) is a no-op, never an
// error — spec §4.11's exact wording.
func (g *Gate) Resolve(approvalID ids.ApprovalId, decision Decision, resolver string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[approvalID]
	if !ok {
		return corerr.New(corerr.CodeNotFound, "approval request not found: "+string(approvalID))
	}
	if req.Status != model.ApprovalPending {
		return nil
	}

	now := g.now()
	switch decision {
	case DecisionApprove:
		req.Status = model.ApprovalApproved
	case DecisionReject:
		req.Status = model.ApprovalRejected
	default:
		return corerr.New(corerr.CodeValidation, "unknown approval decision: "+string(decision))
	}
	req.ResolvedAt = &now
	req.ResolvedBy = resolver
	return nil
}

// Expire marks a still-pending request as expired. The gate itself
// never calls this on a timer — expiry is policy-driven by the caller
// (spec §4.11: "Expiry is policy-driven, not enforced by the gate
// itself").
func (g *Gate) Expire(approvalID ids.ApprovalId) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[approvalID]
	if !ok {
		return corerr.New(corerr.CodeNotFound, "approval request not found: "+string(approvalID))
	}
	if req.Status != model.ApprovalPending {
		return nil
	}
	now := g.now()
	req.Status = model.ApprovalExpired
	req.ResolvedAt = &now
	return nil
}

// ListPending returns every still-pending request for projectID,
// oldest first.
func (g *Gate) ListPending(projectID ids.ProjectId) []model.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []model.ApprovalRequest
	for _, req := range g.requests {
		if req.ProjectID == projectID && req.Status == model.ApprovalPending {
			out = append(out, *req)
		}
	}
	sortByRequestedAt(out)
	return out
}

// IsPreApproved implements internal/toolregistry.ApprovalChecker: a
// tool call is pre-approved once some request for this trace and tool
// has resolved Approved. Approval is keyed on (traceID, toolID), not a
// specific ApprovalId, since the runner does not know a request's id
// until after it asks for one.
func (g *Gate) IsPreApproved(traceID string, toolID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, req := range g.requests {
		if string(req.TraceID) == traceID && req.ToolID == toolID && req.Status == model.ApprovalApproved {
			return true
		}
	}
	return false
}

func sortByRequestedAt(reqs []model.ApprovalRequest) {
	for i := 1; i < len(reqs); i++ {
		for j := i; j > 0 && reqs[j].RequestedAt.Before(reqs[j-1].RequestedAt); j-- {
			reqs[j], reqs[j-1] = reqs[j-1], reqs[j]
		}
	}
}
