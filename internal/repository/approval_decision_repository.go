package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

// ApprovalDecisionRepository handles reads and delegation on decision slots.
// Slot creation happens transactionally in ApprovalRequestRepository.
type ApprovalDecisionRepository struct {
	db *database.DB
}

// NewApprovalDecisionRepository creates a new ApprovalDecisionRepository.
func NewApprovalDecisionRepository(db *database.DB) *ApprovalDecisionRepository {
	return &ApprovalDecisionRepository{db: db}
}

const decisionColumns = `
	id, request_id, approver_id, approval_level,
	decision, decision_notes, condition_type, condition_details,
	delegated_to_id, assigned_at, decided_at
`

// GetByID retrieves one decision slot.
func (r *ApprovalDecisionRepository) GetByID(ctx context.Context, id string) (*ApprovalDecision, error) {
	query := `SELECT ` + decisionColumns + ` FROM approval_decisions WHERE id = $1`

	dec, err := r.scanDecision(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_decision", id)
	}
	return dec, err
}

// GetByRequestID returns all decision slots for a request ordered by level,
// then assignment time. This is the full decision history including
// delegated slots.
func (r *ApprovalDecisionRepository) GetByRequestID(ctx context.Context, requestID string) ([]*ApprovalDecision, error) {
	query := `
		SELECT ` + decisionColumns + `
		FROM approval_decisions
		WHERE request_id = $1
		ORDER BY approval_level ASC, assigned_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get decisions")
	}
	defer rows.Close()

	var decisions []*ApprovalDecision
	for rows.Next() {
		dec, err := r.scanDecision(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan decision")
		}
		decisions = append(decisions, dec)
	}
	return decisions, rows.Err()
}

// Delegate marks an open slot DELEGATED and creates the delegate's open slot
// at the same level, atomically. The original slot must still be open.
func (r *ApprovalDecisionRepository) Delegate(ctx context.Context, original *ApprovalDecision, delegateID string, notes *string, at time.Time) (*ApprovalDecision, error) {
	spawned := &ApprovalDecision{
		RequestID:     original.RequestID,
		ApproverID:    delegateID,
		ApprovalLevel: original.ApprovalLevel,
		AssignedAt:    at,
	}

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_decisions
			SET decision        = 'DELEGATED',
			    decision_notes  = $2,
			    delegated_to_id = $3,
			    decided_at      = $4
			WHERE id = $1 AND decision IS NULL
		`
		tag, err := tx.Exec(ctx, query, original.ID, notes, delegateID, at)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delegate decision")
		}
		if tag.RowsAffected() == 0 {
			return errors.New(errors.ErrCodeAlreadyDecided, "decision slot is no longer open")
		}

		return tx.QueryRow(ctx, decisionInsert,
			spawned.RequestID, spawned.ApproverID, spawned.ApprovalLevel, spawned.AssignedAt,
		).Scan(&spawned.ID)
	})
	if err != nil {
		return nil, err
	}
	return spawned, nil
}

// ── scan helper ──────────────────────────────────────────────────────────────

type decisionScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalDecisionRepository) scanDecision(row decisionScanner) (*ApprovalDecision, error) {
	d := &ApprovalDecision{}
	err := row.Scan(
		&d.ID,
		&d.RequestID,
		&d.ApproverID,
		&d.ApprovalLevel,
		&d.Decision,
		&d.DecisionNotes,
		&d.ConditionType,
		&d.ConditionDetails,
		&d.DelegatedToID,
		&d.AssignedAt,
		&d.DecidedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
