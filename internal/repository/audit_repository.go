package repository

import (
	"context"

	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

// AuditRepository appends and reads immutable approval audit log entries.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry. The table is append-only; no update or
// delete is exposed.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	metadataJSON, err := marshalMeta(entry.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_audit_log
		    (request_id, entity_type, entity_id, action, actor_id,
		     status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, performed_at
	`

	return r.db.QueryRow(ctx, query,
		entry.RequestID,
		entry.EntityType,
		entry.EntityID,
		entry.Action,
		entry.ActorID,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
}

// GetByRequestID returns the audit trail for a request, oldest first.
func (r *AuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, request_id, entity_type, entity_id, action, actor_id,
		       performed_at, status_before, status_after, metadata
		FROM approval_audit_log
		WHERE request_id = $1
		ORDER BY performed_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var metadataJSON []byte
		err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.EntityType,
			&entry.EntityID,
			&entry.Action,
			&entry.ActorID,
			&entry.PerformedAt,
			&entry.StatusBefore,
			&entry.StatusAfter,
			&metadataJSON,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}
		if err := unmarshalMeta(metadataJSON, &entry.Metadata); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
