package service

import (
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// resolveAfterDecision applies the approval-mode rule after a verdict has
// been counted and returns the request's next status, or "" when it stays
// open. For SEQUENTIAL mode it may advance req.CurrentLevel in place.
//
// decisions must include the just-recorded verdict. Delegated slots never
// count: the delegate's spawned slot carries the obligation forward.
func resolveAfterDecision(req *repository.ApprovalRequest, decisions []*repository.ApprovalDecision) string {
	switch req.ApprovalMode {
	case repository.ModeAny:
		// First verdict resolves the request, either way.
		if req.ReceivedApprovals > 0 {
			return repository.StatusApproved
		}
		if req.ReceivedRejections > 0 {
			return repository.StatusRejected
		}
		return ""

	case repository.ModeAll:
		if req.ReceivedRejections > 0 {
			return repository.StatusRejected
		}
		// Scoped to the current level so that after an escalation only the
		// escalation slots gate approval, not abandoned earlier ones.
		if openSlots(decisions, req.CurrentLevel) == 0 {
			return repository.StatusApproved
		}
		return ""

	case repository.ModeSequential:
		if req.ReceivedRejections > 0 {
			return repository.StatusRejected
		}
		// The level resolves once no open slot remains at it.
		if openSlots(decisions, req.CurrentLevel) > 0 {
			return ""
		}
		if req.CurrentLevel >= req.MaxLevel {
			return repository.StatusApproved
		}
		req.CurrentLevel++
		return ""

	case repository.ModeMajority:
		decided := req.ReceivedApprovals + req.ReceivedRejections
		if decided < req.RequiredApprovals {
			return ""
		}
		// Ties reject.
		if req.ReceivedApprovals > req.ReceivedRejections {
			return repository.StatusApproved
		}
		return repository.StatusRejected
	}
	return ""
}

// openSlots counts undecided decision slots; level 0 means all levels.
func openSlots(decisions []*repository.ApprovalDecision, level int) int {
	n := 0
	for _, d := range decisions {
		if !d.IsOpen() {
			continue
		}
		if level == 0 || d.ApprovalLevel == level {
			n++
		}
	}
	return n
}

// activeSlot returns the open slot approverID may act on, honoring the
// active level in SEQUENTIAL mode. The second return reports whether the
// approver holds any slot at all (open or decided) at the active level.
func activeSlot(req *repository.ApprovalRequest, decisions []*repository.ApprovalDecision, approverID string) (*repository.ApprovalDecision, bool) {
	var assigned bool
	for _, d := range decisions {
		if d.ApproverID != approverID {
			continue
		}
		if req.ApprovalMode == repository.ModeSequential && d.ApprovalLevel != req.CurrentLevel {
			continue
		}
		assigned = true
		if d.IsOpen() {
			return d, true
		}
	}
	return nil, assigned
}
