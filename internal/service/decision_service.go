package service

import (
	"context"
	"fmt"
	"slices"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/metrics"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// Condition carries conditional-approval metadata attached to an APPROVED
// decision on leave entities.
type Condition struct {
	Type    string `json:"type"`
	Details string `json:"details,omitempty"`
}

// Decide records an approver's verdict and applies the approval-mode
// transition rule. verdict is APPROVED or REJECTED; delegation has its own
// entry point.
func (s *ApprovalService) Decide(ctx context.Context, requestID, approverID, verdict string, notes *string, cond *Condition) (*repository.ApprovalRequest, error) {
	if verdict != repository.DecisionApproved && verdict != repository.DecisionRejected {
		return nil, errors.InvalidInput("verdict", fmt.Sprintf("unknown verdict %q", verdict))
	}

	unlock := s.locks.lock(requestID)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		req, err := s.requests.GetByID(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if !req.Open() {
			return nil, errors.New(errors.ErrCodeRequestNotPending,
				fmt.Sprintf("request already resolved with status %s", req.Status))
		}
		if cond != nil {
			if verdict != repository.DecisionApproved {
				return nil, errors.InvalidInput("condition", "conditions apply to approvals only")
			}
			if req.EntityType != repository.EntityLeave {
				return nil, errors.InvalidInput("condition", "conditional approval is supported for leave requests only")
			}
			if !slices.Contains(repository.ConditionTypes, cond.Type) {
				return nil, errors.InvalidInput("condition", fmt.Sprintf("unknown condition type %q", cond.Type))
			}
		}

		decisions, err := s.decisions.GetByRequestID(ctx, requestID)
		if err != nil {
			return nil, err
		}
		slot, assigned := activeSlot(req, decisions, approverID)
		if slot == nil {
			if assigned {
				return nil, errors.New(errors.ErrCodeAlreadyDecided,
					"approver has already decided on this request")
			}
			return nil, errors.New(errors.ErrCodeNotAnAssignedApprover,
				"approver has no open decision at the active level")
		}
		if approverID == req.RequesterID && !req.AllowSelfApproval {
			return nil, errors.New(errors.ErrCodeSelfApprovalNotAllowed,
				"requester may not approve their own request")
		}

		now := s.now()
		slot.Decision = strPtr(verdict)
		slot.DecisionNotes = notes
		slot.DecidedAt = &now
		if cond != nil {
			slot.ConditionType = strPtr(cond.Type)
			if cond.Details != "" {
				slot.ConditionDetails = strPtr(cond.Details)
			}
		}

		statusBefore := req.Status
		if verdict == repository.DecisionApproved {
			req.ReceivedApprovals++
		} else {
			req.ReceivedRejections++
		}
		if next := resolveAfterDecision(req, decisions); next != "" {
			req.Status = next
			req.ResolvedAt = &now
		}

		err = s.requests.ApplyDecision(ctx, req, slot)
		if err == repository.ErrVersionConflict {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		s.afterDecision(ctx, req, slot, statusBefore, verdict, cond)
		return req, nil
	}

	metrics.LockConflicts.Inc()
	return nil, errors.Wrap(lastErr, errors.ErrCodeConcurrentModification,
		"decision lost the update race repeatedly; retry")
}

// afterDecision handles the non-transactional side effects of a committed
// verdict: metrics, logs, audit and notification fan-out.
func (s *ApprovalService) afterDecision(ctx context.Context, req *repository.ApprovalRequest, slot *repository.ApprovalDecision, statusBefore, verdict string, cond *Condition) {
	metrics.Decisions.WithLabelValues(verdict).Inc()
	resolved := !req.Open()
	if resolved {
		metrics.RequestsResolved.WithLabelValues(req.Status).Inc()
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("approver_id", slot.ApproverID).
		Str("verdict", verdict).
		Str("status", req.Status).
		Int("level", slot.ApprovalLevel).
		Msg("Decision recorded")

	action := repository.AuditApproved
	if verdict == repository.DecisionRejected {
		action = repository.AuditRejected
	}
	meta := map[string]any{"level": slot.ApprovalLevel}
	if cond != nil {
		meta["condition_type"] = cond.Type
	}
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:    req.ID,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		Action:       action,
		ActorID:      slot.ApproverID,
		StatusBefore: strPtr(statusBefore),
		StatusAfter:  strPtr(req.Status),
		Metadata:     meta,
	})

	event := "decision_recorded"
	recipients := []string{req.RequesterID}
	if resolved {
		event = "approval_resolved"
	}
	s.dispatch.PublishApprovalEvent(ctx, event, req.ID, req.EntityType, slot.ApproverID,
		recipients, map[string]any{"verdict": verdict, "status": req.Status})
}

// Delegate hands an open decision slot to another approver at the same
// level. Counters and request status are unchanged; the delegate inherits
// the obligation to decide.
func (s *ApprovalService) Delegate(ctx context.Context, requestID, approverID, delegateID string, notes *string) (*repository.ApprovalRequest, error) {
	if delegateID == "" {
		return nil, errors.InvalidInput("delegate_to", "delegate_to is required")
	}
	if delegateID == approverID {
		return nil, errors.InvalidInput("delegate_to", "cannot delegate to yourself")
	}

	unlock := s.locks.lock(requestID)
	defer unlock()

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.Open() {
		return nil, errors.New(errors.ErrCodeRequestNotPending,
			fmt.Sprintf("request already resolved with status %s", req.Status))
	}
	if delegateID == req.RequesterID && !req.AllowSelfApproval {
		return nil, errors.New(errors.ErrCodeSelfApprovalNotAllowed,
			"cannot delegate the decision to the requester")
	}

	decisions, err := s.decisions.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	slot, assigned := activeSlot(req, decisions, approverID)
	if slot == nil {
		if assigned {
			return nil, errors.New(errors.ErrCodeAlreadyDecided,
				"approver has already decided on this request")
		}
		return nil, errors.New(errors.ErrCodeNotAnAssignedApprover,
			"approver has no open decision at the active level")
	}
	for _, d := range decisions {
		if d.ApproverID == delegateID && d.ApprovalLevel == slot.ApprovalLevel && d.IsOpen() {
			return nil, errors.New(errors.ErrCodeConflict,
				"delegate already holds an open decision at this level")
		}
	}

	spawned, err := s.decisions.Delegate(ctx, slot, delegateID, notes, s.now())
	if err != nil {
		return nil, err
	}

	metrics.Decisions.WithLabelValues(repository.DecisionDelegated).Inc()
	s.log.Info().
		Str("request_id", req.ID).
		Str("approver_id", approverID).
		Str("delegate_id", delegateID).
		Int("level", slot.ApprovalLevel).
		Msg("Decision delegated")

	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:  req.ID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Action:     repository.AuditDelegated,
		ActorID:    approverID,
		Metadata: map[string]any{
			"delegated_to": delegateID,
			"level":        slot.ApprovalLevel,
			"new_slot_id":  spawned.ID,
		},
	})
	s.dispatch.PublishApprovalEvent(ctx, "approval_delegated", req.ID, req.EntityType, approverID,
		[]string{delegateID}, map[string]any{"title": req.Title})

	return req, nil
}
