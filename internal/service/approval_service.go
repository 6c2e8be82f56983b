package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/metrics"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// ApprovalService owns the approval request lifecycle: creation, cancel,
// resubmit and reads. Individual verdicts go through DecisionService.
type ApprovalService struct {
	registry  *RegistryService
	requests  RequestStore
	decisions DecisionStore
	audit     AuditStore
	roles     RoleDirectory
	resolvers map[string]DynamicRoleResolver
	dispatch  Dispatcher
	locks     *requestLocks
	log       *logger.Logger

	urgentWindow time.Duration
	now          func() time.Time
}

// NewApprovalService creates a new ApprovalService. resolvers maps dynamic
// role markers (repository.RoleDepartmentManager, ...) to their resolver.
func NewApprovalService(
	registry *RegistryService,
	requests RequestStore,
	decisions DecisionStore,
	audit AuditStore,
	roles RoleDirectory,
	resolvers map[string]DynamicRoleResolver,
	dispatch Dispatcher,
	urgentWindow time.Duration,
	log *logger.Logger,
) *ApprovalService {
	if urgentWindow <= 0 {
		urgentWindow = 24 * time.Hour
	}
	return &ApprovalService{
		registry:     registry,
		requests:     requests,
		decisions:    decisions,
		audit:        audit,
		roles:        roles,
		resolvers:    resolvers,
		dispatch:     dispatch,
		locks:        newRequestLocks(0),
		log:          log,
		urgentWindow: urgentWindow,
		now:          time.Now,
	}
}

// CreateRequestInput carries everything needed to open a request.
type CreateRequestInput struct {
	EntityType  string
	EntityID    string
	RequesterID string
	Title       string
	Metadata    map[string]any
	// Approvers is the manual assignment used when the selected config has
	// auto_assign_approvers disabled.
	Approvers []string

	// resubmittedFrom links a resubmission to its rejected/expired ancestor.
	resubmittedFrom *string
}

// CreateRequest resolves the applicable config and approver set and opens a
// PENDING request for the entity.
func (s *ApprovalService) CreateRequest(ctx context.Context, in *CreateRequestInput) (*repository.ApprovalRequest, error) {
	if !slices.Contains(repository.EntityTypes, in.EntityType) {
		return nil, errors.InvalidInput("entity_type", fmt.Sprintf("unknown entity type %q", in.EntityType))
	}
	if in.EntityID == "" {
		return nil, errors.InvalidInput("entity_id", "entity_id is required")
	}
	if in.RequesterID == "" {
		return nil, errors.InvalidInput("requester_id", "requester_id is required")
	}

	// One open request per entity.
	latest, err := s.requests.GetLatestByEntity(ctx, in.EntityType, in.EntityID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Open() {
		return nil, errors.New(errors.ErrCodeConflict,
			fmt.Sprintf("entity %s/%s already has an open approval request", in.EntityType, in.EntityID))
	}

	requesterRoles, err := s.roles.GetUserRoles(ctx, in.RequesterID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve requester roles")
	}

	cfg, err := s.registry.SelectConfig(ctx, in.EntityType, requesterRoles)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errors.New(errors.ErrCodeNoApplicableWorkflow,
			fmt.Sprintf("no active workflow config matches entity type %q", in.EntityType))
	}

	approvers, err := s.resolveApprovers(ctx, cfg, in)
	if err != nil {
		return nil, err
	}

	req := buildRequest(cfg, in, approvers, s.now())
	decisions := buildDecisionSlots(req, approvers, s.now())

	if err := s.requests.Create(ctx, req, decisions); err != nil {
		return nil, err
	}

	metrics.RequestsCreated.WithLabelValues(req.EntityType).Inc()
	s.log.Info().
		Str("request_id", req.ID).
		Str("entity_type", req.EntityType).
		Str("entity_id", req.EntityID).
		Str("approval_mode", req.ApprovalMode).
		Int("approvers", len(approvers)).
		Msg("Approval request created")

	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:   req.ID,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Action:      repository.AuditCreated,
		ActorID:     in.RequesterID,
		StatusAfter: strPtr(req.Status),
		Metadata:    map[string]any{"config_id": cfg.ID, "approvers": approvers},
	})
	s.dispatch.PublishApprovalEvent(ctx, "approval_required", req.ID, req.EntityType, in.RequesterID,
		approvers, map[string]any{"title": req.Title})

	return req, nil
}

// resolveApprovers produces the ordered, deduplicated approver set for a new
// request. When self-approval is disallowed the requester is excluded before
// any bound is applied.
func (s *ApprovalService) resolveApprovers(ctx context.Context, cfg *repository.WorkflowConfig, in *CreateRequestInput) ([]string, error) {
	var approvers []string

	if cfg.AutoAssignApprovers {
		for _, role := range cfg.ApproverRoleIDs {
			users, err := s.resolveRole(ctx, role, in.RequesterID)
			if err != nil {
				s.log.Warn().Err(err).Str("role", role).Msg("Could not resolve approver role")
				continue
			}
			approvers = append(approvers, users...)
		}
	} else {
		approvers = in.Approvers
	}

	approvers = dedupe(approvers)
	if !cfg.AllowSelfApproval {
		approvers = slices.DeleteFunc(approvers, func(id string) bool { return id == in.RequesterID })
	}
	if cfg.MaxApprovers != nil && len(approvers) > *cfg.MaxApprovers {
		approvers = approvers[:*cfg.MaxApprovers]
	}
	if len(approvers) == 0 {
		return nil, errors.New(errors.ErrCodeNoApproversAssigned,
			"no eligible approvers could be assigned to the request")
	}
	return approvers, nil
}

func (s *ApprovalService) resolveRole(ctx context.Context, role, requesterID string) ([]string, error) {
	if resolver, ok := s.resolvers[role]; ok {
		return resolver.Resolve(ctx, requesterID)
	}
	return s.roles.GetUsersWithRole(ctx, role)
}

func buildRequest(cfg *repository.WorkflowConfig, in *CreateRequestInput, approvers []string, now time.Time) *repository.ApprovalRequest {
	req := &repository.ApprovalRequest{
		ConfigID:            cfg.ID,
		EntityType:          in.EntityType,
		EntityID:            in.EntityID,
		RequesterID:         in.RequesterID,
		Title:               in.Title,
		Metadata:            in.Metadata,
		Status:              repository.StatusPending,
		ApprovalMode:        cfg.ApprovalMode,
		AllowSelfApproval:   cfg.AllowSelfApproval,
		RequiredApprovals:   min(cfg.MinApprovers, len(approvers)),
		CurrentLevel:        1,
		MaxLevel:            1,
		ExpirationAction:    cfg.ExpirationAction,
		EscalationRoleID:    cfg.EscalationRoleID,
		SendReminders:       cfg.SendReminders,
		ReminderHoursBefore: cfg.ReminderHoursBefore,
		ResubmittedFrom:     in.resubmittedFrom,
	}
	if cfg.ApprovalMode == repository.ModeSequential {
		req.MaxLevel = len(approvers)
	}
	if cfg.ExpirationHours != nil {
		t := now.Add(time.Duration(*cfg.ExpirationHours) * time.Hour)
		req.ExpiresAt = &t
		req.ExpirationHours = cfg.ExpirationHours
	}
	return req
}

func buildDecisionSlots(req *repository.ApprovalRequest, approvers []string, now time.Time) []*repository.ApprovalDecision {
	slots := make([]*repository.ApprovalDecision, 0, len(approvers))
	for i, approver := range approvers {
		level := 1
		if req.ApprovalMode == repository.ModeSequential {
			level = i + 1
		}
		slots = append(slots, &repository.ApprovalDecision{
			ApproverID:    approver,
			ApprovalLevel: level,
			AssignedAt:    now,
		})
	}
	return slots
}

// Cancel transitions a PENDING request to CANCELLED. Only the original
// requester may cancel; a request already resolved by a racing decision
// yields RequestNotPending, which callers treat as "already resolved".
func (s *ApprovalService) Cancel(ctx context.Context, requestID, actorID string, reason *string) error {
	unlock := s.locks.lock(requestID)
	defer unlock()

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.RequesterID != actorID {
		return errors.New(errors.ErrCodeForbidden, "only the requester may cancel the request")
	}
	switch req.Status {
	case repository.StatusPending:
		// fallthrough to cancel
	case repository.StatusEscalated:
		return errors.New(errors.ErrCodeInvalidStateTransition,
			"escalated requests can only be resolved by the escalation approvers")
	default:
		return errors.New(errors.ErrCodeRequestNotPending,
			fmt.Sprintf("request already resolved with status %s", req.Status))
	}

	now := s.now()
	statusBefore := req.Status
	req.Status = repository.StatusCancelled
	req.ResolvedAt = &now
	req.ResolutionNotes = reason

	if err := s.updateWithRetry(ctx, req); err != nil {
		return err
	}

	metrics.RequestsResolved.WithLabelValues(repository.StatusCancelled).Inc()
	s.log.Info().Str("request_id", requestID).Str("actor_id", actorID).Msg("Approval request cancelled")

	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:    req.ID,
		EntityType:   req.EntityType,
		EntityID:     req.EntityID,
		Action:       repository.AuditCancelled,
		ActorID:      actorID,
		StatusBefore: strPtr(statusBefore),
		StatusAfter:  strPtr(req.Status),
		Metadata:     map[string]any{"reason": derefStr(reason)},
	})
	s.dispatch.PublishApprovalEvent(ctx, "approval_cancelled", req.ID, req.EntityType, actorID,
		nil, map[string]any{"reason": derefStr(reason)})
	return nil
}

// Resubmit re-creates a fresh PENDING request for the entity of a REJECTED
// or EXPIRED request, re-running config and approver resolution. The
// original request remains untouched as history.
func (s *ApprovalService) Resubmit(ctx context.Context, requestID, actorID string) (*repository.ApprovalRequest, error) {
	original, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if original.RequesterID != actorID {
		return nil, errors.New(errors.ErrCodeForbidden, "only the requester may resubmit the request")
	}
	if original.Status != repository.StatusRejected && original.Status != repository.StatusExpired {
		return nil, errors.New(errors.ErrCodeInvalidStateTransition,
			fmt.Sprintf("cannot resubmit a request with status %s", original.Status))
	}

	fresh, err := s.CreateRequest(ctx, &CreateRequestInput{
		EntityType:      original.EntityType,
		EntityID:        original.EntityID,
		RequesterID:     original.RequesterID,
		Title:           original.Title,
		Metadata:        original.Metadata,
		resubmittedFrom: &original.ID,
	})
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:  original.ID,
		EntityType: original.EntityType,
		EntityID:   original.EntityID,
		Action:     repository.AuditResubmitted,
		ActorID:    actorID,
		Metadata:   map[string]any{"new_request_id": fresh.ID},
	})
	return fresh, nil
}

// RequestDetail bundles a request with its decisions and optional history.
type RequestDetail struct {
	Request   *repository.ApprovalRequest   `json:"request"`
	Decisions []*repository.ApprovalDecision `json:"decisions"`
	History   []*repository.AuditEntry       `json:"history,omitempty"`
}

// GetRequest reads one request with its decision slots.
func (s *ApprovalService) GetRequest(ctx context.Context, id string, includeHistory bool) (*RequestDetail, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	decisions, err := s.decisions.GetByRequestID(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &RequestDetail{Request: req, Decisions: decisions}
	if includeHistory {
		history, err := s.audit.GetByRequestID(ctx, id)
		if err != nil {
			return nil, err
		}
		detail.History = history
	}
	return detail, nil
}

// GetRequestByEntity reads the latest request for a business entity.
func (s *ApprovalService) GetRequestByEntity(ctx context.Context, entityType, entityID string) (*RequestDetail, error) {
	req, err := s.requests.GetLatestByEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.NotFound("approval_request", entityType+"/"+entityID)
	}
	decisions, err := s.decisions.GetByRequestID(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &RequestDetail{Request: req, Decisions: decisions}, nil
}

// PendingItem is one approver-inbox entry.
type PendingItem struct {
	Decision    *repository.ApprovalDecision `json:"decision"`
	Request     *repository.ApprovalRequest  `json:"request"`
	IsUrgent    bool                         `json:"is_urgent"`
	DaysPending int                          `json:"days_pending"`
}

// PendingForApprover returns the items awaiting a user, annotated with
// urgency and age.
func (s *ApprovalService) PendingForApprover(ctx context.Context, approverID, entityType string) ([]*PendingItem, error) {
	if entityType != "" && !slices.Contains(repository.EntityTypes, entityType) {
		return nil, errors.InvalidInput("entity_type", fmt.Sprintf("unknown entity type %q", entityType))
	}
	rows, err := s.requests.ListPendingForApprover(ctx, approverID, entityType)
	if err != nil {
		return nil, err
	}

	now := s.now()
	items := make([]*PendingItem, 0, len(rows))
	for _, row := range rows {
		dec, req := row.Decision, row.Request
		item := &PendingItem{
			Decision:    &dec,
			Request:     &req,
			DaysPending: int(now.Sub(req.CreatedAt).Hours() / 24),
		}
		if req.ExpiresAt != nil && req.ExpiresAt.Sub(now) <= s.urgentWindow {
			item.IsUrgent = true
		}
		items = append(items, item)
	}
	return items, nil
}

// PendingCounts aggregates the approver inbox by entity type.
func (s *ApprovalService) PendingCounts(ctx context.Context, approverID string) (map[string]int, int, error) {
	counts, err := s.requests.CountPendingForApprover(ctx, approverID)
	if err != nil {
		return nil, 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return counts, total, nil
}

// ── shared internals ─────────────────────────────────────────────────────────

const maxUpdateRetries = 3

// updateWithRetry applies a request mutation, re-reading and re-checking on
// version conflicts a bounded number of times.
func (s *ApprovalService) updateWithRetry(ctx context.Context, req *repository.ApprovalRequest) error {
	var err error
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err = s.requests.UpdateResolution(ctx, req)
		if err != repository.ErrVersionConflict {
			return err
		}
		fresh, readErr := s.requests.GetByID(ctx, req.ID)
		if readErr != nil {
			return readErr
		}
		if !fresh.Open() {
			return errors.New(errors.ErrCodeRequestNotPending,
				fmt.Sprintf("request already resolved with status %s", fresh.Status))
		}
		req.Version = fresh.Version
	}
	metrics.LockConflicts.Inc()
	return errors.Wrap(err, errors.ErrCodeConcurrentModification,
		"request was concurrently modified; retry")
}

// appendAudit writes an audit entry; failures are logged, never returned.
func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func strPtr(s string) *string { return &s }

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
