package repository

import "time"

// ── Enumerations ─────────────────────────────────────────────────────────────

// Entity types that can be placed under approval.
const (
	EntityLeave    = "leave"
	EntityTrip     = "trip"
	EntityExpense  = "expense"
	EntityTraining = "training"
)

// Approval modes: how individual decisions resolve a request.
const (
	ModeAny        = "ANY"
	ModeAll        = "ALL"
	ModeSequential = "SEQUENTIAL"
	ModeMajority   = "MAJORITY"
)

// Request statuses. PENDING and ESCALATED are open (decidable); the rest
// are terminal. ESCALATED means the request timed out and is now pending
// at an escalation level.
const (
	StatusPending   = "PENDING"
	StatusApproved  = "APPROVED"
	StatusRejected  = "REJECTED"
	StatusExpired   = "EXPIRED"
	StatusCancelled = "CANCELLED"
	StatusEscalated = "ESCALATED"
)

// Decision verdicts. A nil Decision on a row means the slot is still open.
const (
	DecisionApproved  = "APPROVED"
	DecisionRejected  = "REJECTED"
	DecisionDelegated = "DELEGATED"
)

// Expiration actions applied by the scheduler when expires_at passes.
const (
	ExpireReject      = "REJECT"
	ExpireEscalate    = "ESCALATE"
	ExpireAutoApprove = "AUTO_APPROVE"
	ExpireNotifyOnly  = "NOTIFY_ONLY"
)

// Conditional-approval condition types (leave entities only).
const (
	ConditionLogistic = "LOGISTIC"
	ConditionTemporal = "TEMPORAL"
	ConditionPartial  = "PARTIAL"
	ConditionOther    = "OTHER"
)

// Dynamic approver role markers, resolved per requester at creation time.
const (
	RoleDepartmentManager  = "dynamic:department-manager"
	RoleServiceCoordinator = "dynamic:service-coordinator"
)

// EntityTypes lists the supported entity types for the enumeration endpoint.
var EntityTypes = []string{EntityLeave, EntityTrip, EntityExpense, EntityTraining}

// ApprovalModes lists the supported approval modes.
var ApprovalModes = []string{ModeAny, ModeAll, ModeSequential, ModeMajority}

// ExpirationActions lists the supported expiration actions.
var ExpirationActions = []string{ExpireReject, ExpireEscalate, ExpireAutoApprove, ExpireNotifyOnly}

// ConditionTypes lists the supported conditional-approval types.
var ConditionTypes = []string{ConditionLogistic, ConditionTemporal, ConditionPartial, ConditionOther}

// ── Domain types ─────────────────────────────────────────────────────────────

// WorkflowConfig is a named rule set governing approvals for one entity type.
type WorkflowConfig struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	EntityType          string    `json:"entity_type"`
	MinApprovers        int       `json:"min_approvers"`
	MaxApprovers        *int      `json:"max_approvers,omitempty"`
	ApprovalMode        string    `json:"approval_mode"`
	ApproverRoleIDs     []string  `json:"approver_role_ids"`
	TargetRoleIDs       []string  `json:"target_role_ids"`
	AutoAssignApprovers bool      `json:"auto_assign_approvers"`
	AllowSelfApproval   bool      `json:"allow_self_approval"`
	ExpirationHours     *int      `json:"expiration_hours,omitempty"`
	ExpirationAction    *string   `json:"expiration_action,omitempty"`
	EscalationRoleID    *string   `json:"escalation_role_id,omitempty"`
	SendReminders       bool      `json:"send_reminders"`
	ReminderHoursBefore *int      `json:"reminder_hours_before,omitempty"`
	Priority            int       `json:"priority"`
	IsDefault           bool      `json:"is_default"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ApprovalRequest is one approval instance bound 1:1 to a business entity.
// Workflow config fields that drive resolution are snapshotted at creation
// so later config edits never change in-flight behavior.
type ApprovalRequest struct {
	ID                  string         `json:"id"`
	ConfigID            string         `json:"config_id"`
	EntityType          string         `json:"entity_type"`
	EntityID            string         `json:"entity_id"`
	RequesterID         string         `json:"requester_id"`
	Title               string         `json:"title"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	Status              string         `json:"status"`
	ApprovalMode        string         `json:"approval_mode"`
	AllowSelfApproval   bool           `json:"allow_self_approval"`
	RequiredApprovals   int            `json:"required_approvals"`
	ReceivedApprovals   int            `json:"received_approvals"`
	ReceivedRejections  int            `json:"received_rejections"`
	CurrentLevel        int            `json:"current_level"`
	MaxLevel            int            `json:"max_level"`
	ExpiresAt           *time.Time     `json:"expires_at,omitempty"`
	ExpirationHours     *int           `json:"expiration_hours,omitempty"`
	ExpirationAction    *string        `json:"expiration_action,omitempty"`
	EscalationRoleID    *string        `json:"escalation_role_id,omitempty"`
	SendReminders       bool           `json:"send_reminders"`
	ReminderHoursBefore *int           `json:"reminder_hours_before,omitempty"`
	ReminderSentAt      *time.Time     `json:"reminder_sent_at,omitempty"`
	ExpiryNotifiedAt    *time.Time     `json:"expiry_notified_at,omitempty"`
	ResolvedAt          *time.Time     `json:"resolved_at,omitempty"`
	ResolutionNotes     *string        `json:"resolution_notes,omitempty"`
	ResubmittedFrom     *string        `json:"resubmitted_from,omitempty"`
	Version             int            `json:"-"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Open reports whether the request still accepts decisions.
func (r *ApprovalRequest) Open() bool {
	return r.Status == StatusPending || r.Status == StatusEscalated
}

// ApprovalDecision is one approver's assignment and eventual verdict.
type ApprovalDecision struct {
	ID               string     `json:"id"`
	RequestID        string     `json:"request_id"`
	ApproverID       string     `json:"approver_id"`
	ApprovalLevel    int        `json:"approval_level"`
	Decision         *string    `json:"decision,omitempty"`
	DecisionNotes    *string    `json:"decision_notes,omitempty"`
	ConditionType    *string    `json:"condition_type,omitempty"`
	ConditionDetails *string    `json:"condition_details,omitempty"`
	DelegatedToID    *string    `json:"delegated_to_id,omitempty"`
	AssignedAt       time.Time  `json:"assigned_at"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`
}

// IsOpen reports whether the slot still awaits a verdict.
func (d *ApprovalDecision) IsOpen() bool { return d.Decision == nil }

// PendingDecision joins an open decision slot with its request, for the
// approver inbox endpoints.
type PendingDecision struct {
	Decision ApprovalDecision `json:"decision"`
	Request  ApprovalRequest  `json:"request"`
}

// AuditEntry is one immutable record in the approval audit log.
type AuditEntry struct {
	ID           string         `json:"id"`
	RequestID    string         `json:"request_id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Action       string         `json:"action"`
	ActorID      string         `json:"actor_id"`
	PerformedAt  time.Time      `json:"performed_at"`
	StatusBefore *string        `json:"status_before,omitempty"`
	StatusAfter  *string        `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Audit actions.
const (
	AuditCreated      = "created"
	AuditApproved     = "approved"
	AuditRejected     = "rejected"
	AuditDelegated    = "delegated"
	AuditCancelled    = "cancelled"
	AuditResubmitted  = "resubmitted"
	AuditExpired      = "expired"
	AuditEscalated    = "escalated"
	AuditAutoApproved = "auto_approved"
	AuditReminderSent = "reminder_sent"
)
