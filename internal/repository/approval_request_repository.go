package repository

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

// ErrVersionConflict is returned when an optimistic-lock update loses the
// race. Callers re-read the request and retry a bounded number of times.
var ErrVersionConflict = goerrors.New("approval request version conflict")

// ApprovalRequestRepository manages request instances and their decision
// slots. Request + slot mutations that must be atomic run in one transaction.
type ApprovalRequestRepository struct {
	db *database.DB
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db *database.DB) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

const requestColumns = `
	id, config_id, entity_type, entity_id, requester_id, title, metadata,
	status, approval_mode, allow_self_approval,
	required_approvals, received_approvals, received_rejections,
	current_level, max_level,
	expires_at, expiration_hours, expiration_action, escalation_role_id,
	send_reminders, reminder_hours_before, reminder_sent_at, expiry_notified_at,
	resolved_at, resolution_notes, resubmitted_from,
	version, created_at, updated_at
`

const decisionInsert = `
	INSERT INTO approval_decisions
	    (request_id, approver_id, approval_level, assigned_at)
	VALUES ($1, $2, $3, $4)
	RETURNING id
`

// Create inserts a request and its initial decision slots in one transaction.
func (r *ApprovalRequestRepository) Create(ctx context.Context, req *ApprovalRequest, decisions []*ApprovalDecision) error {
	metadataJSON, err := marshalMeta(req.Metadata)
	if err != nil {
		return err
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_requests
			    (config_id, entity_type, entity_id, requester_id, title, metadata,
			     status, approval_mode, allow_self_approval,
			     required_approvals, current_level, max_level,
			     expires_at, expiration_hours, expiration_action, escalation_role_id,
			     send_reminders, reminder_hours_before, resubmitted_from)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, $9,
			        $10, $11, $12,
			        $13, $14, $15, $16,
			        $17, $18, $19)
			RETURNING id, version, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			req.ConfigID,
			req.EntityType,
			req.EntityID,
			req.RequesterID,
			req.Title,
			metadataJSON,
			req.Status,
			req.ApprovalMode,
			req.AllowSelfApproval,
			req.RequiredApprovals,
			req.CurrentLevel,
			req.MaxLevel,
			req.ExpiresAt,
			req.ExpirationHours,
			req.ExpirationAction,
			req.EscalationRoleID,
			req.SendReminders,
			req.ReminderHoursBefore,
			req.ResubmittedFrom,
		).Scan(&req.ID, &req.Version, &req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
		}

		for _, d := range decisions {
			d.RequestID = req.ID
			if err := tx.QueryRow(ctx, decisionInsert,
				d.RequestID, d.ApproverID, d.ApprovalLevel, d.AssignedAt,
			).Scan(&d.ID); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create decision slot")
			}
		}
		return nil
	})
}

// GetByID retrieves a request by primary key.
func (r *ApprovalRequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, err
}

// GetLatestByEntity returns the most recent request for a business entity,
// or nil when the entity was never submitted.
func (r *ApprovalRequestRepository) GetLatestByEntity(ctx context.Context, entityType, entityID string) (*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, entityType, entityID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return req, err
}

// ListByEntity returns every request ever created for an entity, oldest first.
func (r *ApprovalRequestRepository) ListByEntity(ctx context.Context, entityType, entityID string) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list requests for entity")
	}
	defer rows.Close()
	return r.scanRequests(rows)
}

// ApplyDecision atomically records a verdict on a decision slot and applies
// the resulting request mutation (counters, level, status). The request
// update is guarded by the optimistic version; on conflict the whole
// transaction rolls back and ErrVersionConflict is returned.
func (r *ApprovalRequestRepository) ApplyDecision(ctx context.Context, req *ApprovalRequest, dec *ApprovalDecision) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_decisions
			SET decision          = $2,
			    decision_notes    = $3,
			    condition_type    = $4,
			    condition_details = $5,
			    decided_at        = $6
			WHERE id = $1 AND decision IS NULL
		`
		tag, err := tx.Exec(ctx, query,
			dec.ID, dec.Decision, dec.DecisionNotes,
			dec.ConditionType, dec.ConditionDetails, dec.DecidedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to record decision")
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}
		return r.updateRequestTx(ctx, tx, req)
	})
}

// UpdateResolution applies a request-only mutation (cancel, expire,
// auto-approve, reminder bookkeeping) under the optimistic version guard.
func (r *ApprovalRequestRepository) UpdateResolution(ctx context.Context, req *ApprovalRequest) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return r.updateRequestTx(ctx, tx, req)
	})
}

// Escalate applies the escalation mutation and inserts the new
// escalation-level decision slots in one transaction.
func (r *ApprovalRequestRepository) Escalate(ctx context.Context, req *ApprovalRequest, decisions []*ApprovalDecision) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := r.updateRequestTx(ctx, tx, req); err != nil {
			return err
		}
		for _, d := range decisions {
			d.RequestID = req.ID
			if err := tx.QueryRow(ctx, decisionInsert,
				d.RequestID, d.ApproverID, d.ApprovalLevel, d.AssignedAt,
			).Scan(&d.ID); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create escalation slot")
			}
		}
		return nil
	})
}

// updateRequestTx writes the mutable request fields with a version CAS.
func (r *ApprovalRequestRepository) updateRequestTx(ctx context.Context, tx pgx.Tx, req *ApprovalRequest) error {
	query := `
		UPDATE approval_requests
		SET status              = $2,
		    received_approvals  = $3,
		    received_rejections = $4,
		    current_level       = $5,
		    max_level           = $6,
		    expires_at          = $7,
		    reminder_sent_at    = $8,
		    expiry_notified_at  = $9,
		    resolved_at         = $10,
		    resolution_notes    = $11,
		    version             = version + 1,
		    updated_at          = NOW()
		WHERE id = $1 AND version = $12
	`

	tag, err := tx.Exec(ctx, query,
		req.ID,
		req.Status,
		req.ReceivedApprovals,
		req.ReceivedRejections,
		req.CurrentLevel,
		req.MaxLevel,
		req.ExpiresAt,
		req.ReminderSentAt,
		req.ExpiryNotifiedAt,
		req.ResolvedAt,
		req.ResolutionNotes,
		req.Version,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	req.Version++
	return nil
}

// ── scheduler queries ────────────────────────────────────────────────────────

// ListExpiring returns open requests whose expires_at has passed.
func (r *ApprovalRequestRepository) ListExpiring(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE status IN ('PENDING', 'ESCALATED')
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		  AND expiry_notified_at IS NULL
		ORDER BY expires_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list expiring requests")
	}
	defer rows.Close()
	return r.scanRequests(rows)
}

// ListReminderDue returns open requests inside their reminder window that
// have not been reminded yet.
func (r *ApprovalRequestRepository) ListReminderDue(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE status IN ('PENDING', 'ESCALATED')
		  AND send_reminders = TRUE
		  AND expires_at IS NOT NULL
		  AND reminder_hours_before IS NOT NULL
		  AND reminder_sent_at IS NULL
		  AND expires_at - make_interval(hours => reminder_hours_before) <= $1
		  AND expires_at > $1
		ORDER BY expires_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list reminder-due requests")
	}
	defer rows.Close()
	return r.scanRequests(rows)
}

// ── approver inbox queries ───────────────────────────────────────────────────

// ListPendingForApprover returns the open decision slots awaiting a user,
// restricted to the active level of open requests.
func (r *ApprovalRequestRepository) ListPendingForApprover(ctx context.Context, approverID, entityType string) ([]*PendingDecision, error) {
	query := `
		SELECT d.id, d.request_id, d.approver_id, d.approval_level,
		       d.decision, d.decision_notes, d.condition_type, d.condition_details,
		       d.delegated_to_id, d.assigned_at, d.decided_at,
		       ` + prefixedRequestColumns("q") + `
		FROM approval_decisions d
		JOIN approval_requests q ON q.id = d.request_id
		WHERE d.approver_id = $1
		  AND d.decision IS NULL
		  AND q.status IN ('PENDING', 'ESCALATED')
		  AND (q.approval_mode <> 'SEQUENTIAL' OR d.approval_level = q.current_level)
	`
	args := []any{approverID}
	if entityType != "" {
		args = append(args, entityType)
		query += ` AND q.entity_type = $2`
	}
	query += ` ORDER BY q.expires_at ASC NULLS LAST, q.created_at ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	var items []*PendingDecision
	for rows.Next() {
		item := &PendingDecision{}
		dests := []any{
			&item.Decision.ID,
			&item.Decision.RequestID,
			&item.Decision.ApproverID,
			&item.Decision.ApprovalLevel,
			&item.Decision.Decision,
			&item.Decision.DecisionNotes,
			&item.Decision.ConditionType,
			&item.Decision.ConditionDetails,
			&item.Decision.DelegatedToID,
			&item.Decision.AssignedAt,
			&item.Decision.DecidedAt,
		}
		var metadataJSON []byte
		dests = append(dests, requestDests(&item.Request, &metadataJSON)...)
		if err := rows.Scan(dests...); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending approval")
		}
		if err := unmarshalMeta(metadataJSON, &item.Request.Metadata); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CountPendingForApprover aggregates open slots awaiting a user by entity type.
func (r *ApprovalRequestRepository) CountPendingForApprover(ctx context.Context, approverID string) (map[string]int, error) {
	query := `
		SELECT q.entity_type, COUNT(*)
		FROM approval_decisions d
		JOIN approval_requests q ON q.id = d.request_id
		WHERE d.approver_id = $1
		  AND d.decision IS NULL
		  AND q.status IN ('PENDING', 'ESCALATED')
		  AND (q.approval_mode <> 'SEQUENTIAL' OR d.approval_level = q.current_level)
		GROUP BY q.entity_type
	`

	rows, err := r.db.Query(ctx, query, approverID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count pending approvals")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var entityType string
		var n int
		if err := rows.Scan(&entityType, &n); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending count")
		}
		counts[entityType] = n
	}
	return counts, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRequestRepository) scanRequest(row requestScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var metadataJSON []byte
	if err := row.Scan(requestDests(req, &metadataJSON)...); err != nil {
		return nil, err
	}
	if err := unmarshalMeta(metadataJSON, &req.Metadata); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *ApprovalRequestRepository) scanRequests(rows pgx.Rows) ([]*ApprovalRequest, error) {
	var requests []*ApprovalRequest
	for rows.Next() {
		req := &ApprovalRequest{}
		var metadataJSON []byte
		if err := rows.Scan(requestDests(req, &metadataJSON)...); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		if err := unmarshalMeta(metadataJSON, &req.Metadata); err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func requestDests(req *ApprovalRequest, metadataJSON *[]byte) []any {
	return []any{
		&req.ID,
		&req.ConfigID,
		&req.EntityType,
		&req.EntityID,
		&req.RequesterID,
		&req.Title,
		metadataJSON,
		&req.Status,
		&req.ApprovalMode,
		&req.AllowSelfApproval,
		&req.RequiredApprovals,
		&req.ReceivedApprovals,
		&req.ReceivedRejections,
		&req.CurrentLevel,
		&req.MaxLevel,
		&req.ExpiresAt,
		&req.ExpirationHours,
		&req.ExpirationAction,
		&req.EscalationRoleID,
		&req.SendReminders,
		&req.ReminderHoursBefore,
		&req.ReminderSentAt,
		&req.ExpiryNotifiedAt,
		&req.ResolvedAt,
		&req.ResolutionNotes,
		&req.ResubmittedFrom,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	}
}

func prefixedRequestColumns(alias string) string {
	return alias + `.id, ` + alias + `.config_id, ` + alias + `.entity_type, ` + alias + `.entity_id, ` +
		alias + `.requester_id, ` + alias + `.title, ` + alias + `.metadata, ` +
		alias + `.status, ` + alias + `.approval_mode, ` + alias + `.allow_self_approval, ` +
		alias + `.required_approvals, ` + alias + `.received_approvals, ` + alias + `.received_rejections, ` +
		alias + `.current_level, ` + alias + `.max_level, ` +
		alias + `.expires_at, ` + alias + `.expiration_hours, ` + alias + `.expiration_action, ` + alias + `.escalation_role_id, ` +
		alias + `.send_reminders, ` + alias + `.reminder_hours_before, ` + alias + `.reminder_sent_at, ` + alias + `.expiry_notified_at, ` +
		alias + `.resolved_at, ` + alias + `.resolution_notes, ` + alias + `.resubmitted_from, ` +
		alias + `.version, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func marshalMeta(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal metadata")
	}
	return data, nil
}

func unmarshalMeta(data []byte, dst *map[string]any) error {
	if data == nil {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal metadata")
	}
	return nil
}
