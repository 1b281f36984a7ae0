// internal/store/adjustments.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"

	stderrors "persona-engine/internal/common/errors"
	"persona-engine/internal/common/logger"
	"persona-engine/internal/models"
)

// AdjustmentStore persists the per-session persona adjustment log.
// Append-only: rows are never updated or deleted.
type AdjustmentStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewAdjustmentStore(db *sql.DB, log logger.Logger) *AdjustmentStore {
	return &AdjustmentStore{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "adjustment-store"}),
	}
}

func (s *AdjustmentStore) Append(ctx context.Context, adj models.PersonaAdjustment) error {
	requested, err := json.Marshal(adj.RequestedDelta)
	if err != nil {
		return stderrors.NewStoreInsertFailedError("persona_adjustments", err)
	}
	applied, err := json.Marshal(adj.AppliedDelta)
	if err != nil {
		return stderrors.NewStoreInsertFailedError("persona_adjustments", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO persona_adjustments
		 (id, session_id, base_persona_version, requested_delta, applied_delta, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		adj.ID,
		adj.SessionID,
		adj.BasePersonaVersion,
		requested,
		applied,
		adj.Timestamp,
	); err != nil {
		return stderrors.NewStoreInsertFailedError("persona_adjustments", err)
	}
	return nil
}

// BySession returns a session's adjustments in application order.
func (s *AdjustmentStore) BySession(ctx context.Context, sessionID string) ([]models.PersonaAdjustment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, base_persona_version, requested_delta, applied_delta, created_at
		 FROM persona_adjustments
		 WHERE session_id = $1
		 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, stderrors.NewStoreQueryFailedError("persona_adjustments", err)
	}
	defer rows.Close()

	var out []models.PersonaAdjustment
	for rows.Next() {
		var adj models.PersonaAdjustment
		var requested, applied []byte
		if err := rows.Scan(&adj.ID, &adj.SessionID, &adj.BasePersonaVersion, &requested, &applied, &adj.Timestamp); err != nil {
			return nil, stderrors.NewStoreQueryFailedError("persona_adjustments", err)
		}
		if err := json.Unmarshal(requested, &adj.RequestedDelta); err != nil {
			return nil, stderrors.NewStoreQueryFailedError("persona_adjustments", err)
		}
		if err := json.Unmarshal(applied, &adj.AppliedDelta); err != nil {
			return nil, stderrors.NewStoreQueryFailedError("persona_adjustments", err)
		}
		out = append(out, adj)
	}
	if err := rows.Err(); err != nil {
		return nil, stderrors.NewStoreQueryFailedError("persona_adjustments", err)
	}
	return out, nil
}
