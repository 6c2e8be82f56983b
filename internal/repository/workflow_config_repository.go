package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

// WorkflowConfigRepository handles CRUD for approval_workflow_configs.
type WorkflowConfigRepository struct {
	db *database.DB
}

// NewWorkflowConfigRepository creates a new WorkflowConfigRepository.
func NewWorkflowConfigRepository(db *database.DB) *WorkflowConfigRepository {
	return &WorkflowConfigRepository{db: db}
}

const configColumns = `
	id, name, entity_type, min_approvers, max_approvers, approval_mode,
	approver_role_ids, target_role_ids,
	auto_assign_approvers, allow_self_approval,
	expiration_hours, expiration_action, escalation_role_id,
	send_reminders, reminder_hours_before,
	priority, is_default, is_active, created_at, updated_at
`

// Create inserts a new workflow config.
func (r *WorkflowConfigRepository) Create(ctx context.Context, cfg *WorkflowConfig) error {
	query := `
		INSERT INTO approval_workflow_configs
		    (name, entity_type, min_approvers, max_approvers, approval_mode,
		     approver_role_ids, target_role_ids,
		     auto_assign_approvers, allow_self_approval,
		     expiration_hours, expiration_action, escalation_role_id,
		     send_reminders, reminder_hours_before,
		     priority, is_default, is_active)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7,
		        $8, $9,
		        $10, $11, $12,
		        $13, $14,
		        $15, $16, $17)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		cfg.Name,
		cfg.EntityType,
		cfg.MinApprovers,
		cfg.MaxApprovers,
		cfg.ApprovalMode,
		cfg.ApproverRoleIDs,
		cfg.TargetRoleIDs,
		cfg.AutoAssignApprovers,
		cfg.AllowSelfApproval,
		cfg.ExpirationHours,
		cfg.ExpirationAction,
		cfg.EscalationRoleID,
		cfg.SendReminders,
		cfg.ReminderHoursBefore,
		cfg.Priority,
		cfg.IsDefault,
		cfg.IsActive,
	).Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
}

// GetByID retrieves a config by primary key.
func (r *WorkflowConfigRepository) GetByID(ctx context.Context, id string) (*WorkflowConfig, error) {
	query := `SELECT ` + configColumns + ` FROM approval_workflow_configs WHERE id = $1`

	cfg, err := r.scanConfig(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_config", id)
	}
	return cfg, err
}

// List returns configs, optionally filtered by entity type and active flag,
// ordered the way selection evaluates them.
func (r *WorkflowConfigRepository) List(ctx context.Context, entityType string, activeOnly bool) ([]*WorkflowConfig, error) {
	query := `SELECT ` + configColumns + ` FROM approval_workflow_configs WHERE 1=1`
	args := []any{}
	if entityType != "" {
		args = append(args, entityType)
		query += ` AND entity_type = $1`
	}
	if activeOnly {
		query += ` AND is_active = TRUE`
	}
	query += ` ORDER BY priority ASC, is_default ASC, name ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow configs")
	}
	defer rows.Close()

	var configs []*WorkflowConfig
	for rows.Next() {
		cfg, err := r.scanConfig(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow config")
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// ListActiveByEntityType returns active configs for one entity type in
// selection order (priority ascending, defaults last).
func (r *WorkflowConfigRepository) ListActiveByEntityType(ctx context.Context, entityType string) ([]*WorkflowConfig, error) {
	return r.List(ctx, entityType, true)
}

// Update persists changes to an existing config.
func (r *WorkflowConfigRepository) Update(ctx context.Context, cfg *WorkflowConfig) error {
	query := `
		UPDATE approval_workflow_configs
		SET name                  = $2,
		    entity_type           = $3,
		    min_approvers         = $4,
		    max_approvers         = $5,
		    approval_mode         = $6,
		    approver_role_ids     = $7,
		    target_role_ids       = $8,
		    auto_assign_approvers = $9,
		    allow_self_approval   = $10,
		    expiration_hours      = $11,
		    expiration_action     = $12,
		    escalation_role_id    = $13,
		    send_reminders        = $14,
		    reminder_hours_before = $15,
		    priority              = $16,
		    is_default            = $17,
		    is_active             = $18,
		    updated_at            = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		cfg.ID,
		cfg.Name,
		cfg.EntityType,
		cfg.MinApprovers,
		cfg.MaxApprovers,
		cfg.ApprovalMode,
		cfg.ApproverRoleIDs,
		cfg.TargetRoleIDs,
		cfg.AutoAssignApprovers,
		cfg.AllowSelfApproval,
		cfg.ExpirationHours,
		cfg.ExpirationAction,
		cfg.EscalationRoleID,
		cfg.SendReminders,
		cfg.ReminderHoursBefore,
		cfg.Priority,
		cfg.IsDefault,
		cfg.IsActive,
	).Scan(&cfg.UpdatedAt)

	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_config", cfg.ID)
	}
	return err
}

// Deactivate soft-deletes a config. Historical requests keep referencing it.
func (r *WorkflowConfigRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE approval_workflow_configs
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate workflow config")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_config", id)
	}
	return nil
}

// ── scan helper ──────────────────────────────────────────────────────────────

type configScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowConfigRepository) scanConfig(row configScanner) (*WorkflowConfig, error) {
	cfg := &WorkflowConfig{}
	err := row.Scan(
		&cfg.ID,
		&cfg.Name,
		&cfg.EntityType,
		&cfg.MinApprovers,
		&cfg.MaxApprovers,
		&cfg.ApprovalMode,
		&cfg.ApproverRoleIDs,
		&cfg.TargetRoleIDs,
		&cfg.AutoAssignApprovers,
		&cfg.AllowSelfApproval,
		&cfg.ExpirationHours,
		&cfg.ExpirationAction,
		&cfg.EscalationRoleID,
		&cfg.SendReminders,
		&cfg.ReminderHoursBefore,
		&cfg.Priority,
		&cfg.IsDefault,
		&cfg.IsActive,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
