package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// ConfigStore persists workflow configs.
type ConfigStore interface {
	Create(ctx context.Context, cfg *repository.WorkflowConfig) error
	Update(ctx context.Context, cfg *repository.WorkflowConfig) error
	GetByID(ctx context.Context, id string) (*repository.WorkflowConfig, error)
	List(ctx context.Context, entityType string, activeOnly bool) ([]*repository.WorkflowConfig, error)
	ListActiveByEntityType(ctx context.Context, entityType string) ([]*repository.WorkflowConfig, error)
	Deactivate(ctx context.Context, id string) error
}

// RequestStore persists approval requests and their decision slots.
// Mutating methods guard the request row with an optimistic version and
// return repository.ErrVersionConflict on a lost race.
type RequestStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest, decisions []*repository.ApprovalDecision) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	GetLatestByEntity(ctx context.Context, entityType, entityID string) (*repository.ApprovalRequest, error)
	ListByEntity(ctx context.Context, entityType, entityID string) ([]*repository.ApprovalRequest, error)
	ApplyDecision(ctx context.Context, req *repository.ApprovalRequest, dec *repository.ApprovalDecision) error
	UpdateResolution(ctx context.Context, req *repository.ApprovalRequest) error
	Escalate(ctx context.Context, req *repository.ApprovalRequest, decisions []*repository.ApprovalDecision) error
	ListExpiring(ctx context.Context, now time.Time, limit int) ([]*repository.ApprovalRequest, error)
	ListReminderDue(ctx context.Context, now time.Time, limit int) ([]*repository.ApprovalRequest, error)
	ListPendingForApprover(ctx context.Context, approverID, entityType string) ([]*repository.PendingDecision, error)
	CountPendingForApprover(ctx context.Context, approverID string) (map[string]int, error)
}

// DecisionStore reads decision slots and performs delegation.
type DecisionStore interface {
	GetByID(ctx context.Context, id string) (*repository.ApprovalDecision, error)
	GetByRequestID(ctx context.Context, requestID string) ([]*repository.ApprovalDecision, error)
	Delegate(ctx context.Context, original *repository.ApprovalDecision, delegateID string, notes *string, at time.Time) (*repository.ApprovalDecision, error)
}

// AuditStore appends to and reads the approval audit log.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	GetByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEntry, error)
}

// RoleDirectory resolves static role membership from the identity provider.
type RoleDirectory interface {
	GetUsersWithRole(ctx context.Context, role string) ([]string, error)
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
}

// DynamicRoleResolver resolves a dynamic approver role relative to the
// requester (e.g. "their department's manager"). New dynamic roles are added
// by registering a resolver, never by editing the state machine.
type DynamicRoleResolver interface {
	Resolve(ctx context.Context, requesterID string) ([]string, error)
}

// Dispatcher receives every engine event. Implementations are best-effort:
// they log failures and never return them.
type Dispatcher interface {
	PublishApprovalEvent(ctx context.Context, eventType, requestID, entityType, actorID string, recipients []string, payload map[string]any)
}
