// internal/store/segments.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"

	stderrors "persona-engine/internal/common/errors"
	"persona-engine/internal/common/logger"
	"persona-engine/internal/models"
)

// SegmentStore persists composed segments for downstream speech synthesis.
type SegmentStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewSegmentStore(db *sql.DB, log logger.Logger) *SegmentStore {
	return &SegmentStore{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "segment-store"}),
	}
}

func (s *SegmentStore) Save(ctx context.Context, segment models.ComposedSegment) error {
	snapshot, err := json.Marshal(segment.PersonaSnapshot)
	if err != nil {
		return stderrors.NewStoreInsertFailedError("composed_segments", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO composed_segments
		 (id, synthesis_cache_key, persona_snapshot, segment_text, word_count, degraded, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		segment.ID,
		segment.SynthesisCacheKey,
		snapshot,
		segment.Text,
		segment.WordCount,
		segment.Degraded,
		segment.CreatedAt,
	); err != nil {
		return stderrors.NewStoreInsertFailedError("composed_segments", err)
	}
	return nil
}

func (s *SegmentStore) Get(ctx context.Context, id string) (models.ComposedSegment, bool, error) {
	var segment models.ComposedSegment
	var snapshot []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT id, synthesis_cache_key, persona_snapshot, segment_text, word_count, degraded, created_at
		 FROM composed_segments
		 WHERE id = $1`,
		id,
	).Scan(
		&segment.ID,
		&segment.SynthesisCacheKey,
		&snapshot,
		&segment.Text,
		&segment.WordCount,
		&segment.Degraded,
		&segment.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return models.ComposedSegment{}, false, nil
	}
	if err != nil {
		return models.ComposedSegment{}, false, stderrors.NewStoreQueryFailedError("composed_segments", err)
	}
	if err := json.Unmarshal(snapshot, &segment.PersonaSnapshot); err != nil {
		return models.ComposedSegment{}, false, stderrors.NewStoreQueryFailedError("composed_segments", err)
	}
	return segment, true, nil
}
