package service

import (
	"context"
	goerrors "errors"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/metrics"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// SweepExpirations applies the configured expiration action to every open
// request whose deadline has passed. Returns the number of requests acted
// on. Each request is processed under its own lock so a sweep never blocks
// decisions on unrelated requests.
func (s *ApprovalService) SweepExpirations(ctx context.Context, batchSize int) (int, error) {
	expired, err := s.requests.ListExpiring(ctx, s.now(), batchSize)
	if err != nil {
		return 0, err
	}

	acted := 0
	for _, stale := range expired {
		if err := ctx.Err(); err != nil {
			return acted, err
		}
		if err := s.expireOne(ctx, stale.ID); err != nil {
			s.log.Warn().Err(err).Str("request_id", stale.ID).Msg("Failed to apply expiration action")
			continue
		}
		acted++
	}
	return acted, nil
}

func (s *ApprovalService) expireOne(ctx context.Context, requestID string) error {
	unlock := s.locks.lock(requestID)
	defer unlock()

	// Re-read under the lock; a racing decision may have resolved it.
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	now := s.now()
	if !req.Open() || req.ExpiresAt == nil || req.ExpiresAt.After(now) {
		return nil
	}

	action := repository.ExpireReject
	if req.ExpirationAction != nil {
		action = *req.ExpirationAction
	}

	switch action {
	case repository.ExpireAutoApprove:
		return s.expireResolve(ctx, req, repository.StatusApproved, repository.AuditAutoApproved,
			"auto-approved after approval deadline passed", now)

	case repository.ExpireEscalate:
		if err := s.escalate(ctx, req, now); err == nil {
			return nil
		} else if err != errNoEscalationTarget {
			return err
		}
		// No escalation role or no role holders: fall back to rejection.
		s.log.Warn().Str("request_id", req.ID).
			Msg("Escalation configured but no target approvers; rejecting instead")
		return s.expireResolve(ctx, req, repository.StatusRejected, repository.AuditExpired,
			"rejected after approval deadline passed (escalation target missing)", now)

	case repository.ExpireNotifyOnly:
		req.ExpiryNotifiedAt = &now
		if err := s.updateWithRetry(ctx, req); err != nil {
			return err
		}
		metrics.SweepActions.WithLabelValues(action).Inc()
		s.notifyOpenApprovers(ctx, req, "approval_overdue")
		return nil

	default: // ExpireReject
		return s.expireResolve(ctx, req, repository.StatusRejected, repository.AuditExpired,
			"rejected after approval deadline passed", now)
	}
}

// expireResolve moves an expired request to a terminal status with a
// system-generated note.
func (s *ApprovalService) expireResolve(ctx context.Context, req *repository.ApprovalRequest, status, auditAction, note string, now time.Time) error {
	statusBefore := req.Status
	req.Status = status
	req.ResolvedAt = &now
	req.ResolutionNotes = strPtr(note)

	if err := s.updateWithRetry(ctx, req); err != nil {
		return err
	}

	metrics.SweepActions.WithLabelValues(derefStr(req.ExpirationAction)).Inc()
	metrics.RequestsResolved.WithLabelValues(status).Inc()
	s.log.Info().
		Str("request_id", req.ID).
		Str("status", status).
		Msg("Expiration action applied")

	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:    req.ID,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		Action:       auditAction,
		ActorID:      "system",
		StatusBefore: strPtr(statusBefore),
		StatusAfter:  strPtr(status),
		Metadata:     map[string]any{"note": note},
	})
	s.dispatch.PublishApprovalEvent(ctx, "approval_expired", req.ID, req.EntityType, "system",
		[]string{req.RequesterID}, map[string]any{"status": status, "note": note})
	return nil
}

var errNoEscalationTarget = goerrors.New("no escalation target")

// escalate reassigns an expired request to the escalation role holders at a
// fresh level and re-arms the deadline.
func (s *ApprovalService) escalate(ctx context.Context, req *repository.ApprovalRequest, now time.Time) error {
	if req.EscalationRoleID == nil {
		return errNoEscalationTarget
	}
	holders, err := s.resolveRole(ctx, *req.EscalationRoleID, req.RequesterID)
	if err != nil {
		return err
	}
	holders = dedupe(holders)
	if !req.AllowSelfApproval {
		for i, h := range holders {
			if h == req.RequesterID {
				holders = append(holders[:i], holders[i+1:]...)
				break
			}
		}
	}
	if len(holders) == 0 {
		return errNoEscalationTarget
	}

	statusBefore := req.Status
	newLevel := req.MaxLevel + 1
	req.Status = repository.StatusEscalated
	req.CurrentLevel = newLevel
	req.MaxLevel = newLevel
	req.ReminderSentAt = nil
	req.ExpiryNotifiedAt = nil
	if req.ExpirationHours != nil {
		t := now.Add(time.Duration(*req.ExpirationHours) * time.Hour)
		req.ExpiresAt = &t
	}

	slots := make([]*repository.ApprovalDecision, 0, len(holders))
	for _, holder := range holders {
		slots = append(slots, &repository.ApprovalDecision{
			ApproverID:    holder,
			ApprovalLevel: newLevel,
			AssignedAt:    now,
		})
	}

	if err := s.requests.Escalate(ctx, req, slots); err != nil {
		return err
	}

	metrics.SweepActions.WithLabelValues(repository.ExpireEscalate).Inc()
	s.log.Info().
		Str("request_id", req.ID).
		Str("escalation_role", *req.EscalationRoleID).
		Int("level", newLevel).
		Int("approvers", len(holders)).
		Msg("Request escalated")

	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:    req.ID,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		Action:       repository.AuditEscalated,
		ActorID:      "system",
		StatusBefore: strPtr(statusBefore),
		StatusAfter:  strPtr(req.Status),
		Metadata:     map[string]any{"level": newLevel, "approvers": holders},
	})
	s.dispatch.PublishApprovalEvent(ctx, "approval_escalated", req.ID, req.EntityType, "system",
		holders, map[string]any{"title": req.Title})
	return nil
}

// SweepReminders sends the one-shot pre-expiry reminder for open requests
// inside their reminder window.
func (s *ApprovalService) SweepReminders(ctx context.Context, batchSize int) (int, error) {
	due, err := s.requests.ListReminderDue(ctx, s.now(), batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, stale := range due {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := s.remindOne(ctx, stale.ID); err != nil {
			s.log.Warn().Err(err).Str("request_id", stale.ID).Msg("Failed to send reminder")
			continue
		}
		sent++
	}
	return sent, nil
}

func (s *ApprovalService) remindOne(ctx context.Context, requestID string) error {
	unlock := s.locks.lock(requestID)
	defer unlock()

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if !req.Open() || req.ReminderSentAt != nil {
		return nil
	}

	now := s.now()
	req.ReminderSentAt = &now
	if err := s.updateWithRetry(ctx, req); err != nil {
		return err
	}

	s.notifyOpenApprovers(ctx, req, "approval_reminder")
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:  req.ID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Action:     repository.AuditReminderSent,
		ActorID:    "system",
	})
	return nil
}

// notifyOpenApprovers dispatches an event to everyone still holding an open
// slot at the active level.
func (s *ApprovalService) notifyOpenApprovers(ctx context.Context, req *repository.ApprovalRequest, event string) {
	decisions, err := s.decisions.GetByRequestID(ctx, req.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("request_id", req.ID).Msg("Could not load approvers for notification")
		return
	}
	var recipients []string
	for _, d := range decisions {
		if !d.IsOpen() {
			continue
		}
		if req.ApprovalMode == repository.ModeSequential && d.ApprovalLevel != req.CurrentLevel {
			continue
		}
		recipients = append(recipients, d.ApproverID)
	}
	if len(recipients) == 0 {
		return
	}
	s.dispatch.PublishApprovalEvent(ctx, event, req.ID, req.EntityType, "system",
		recipients, map[string]any{"title": req.Title, "expires_at": req.ExpiresAt})
}
