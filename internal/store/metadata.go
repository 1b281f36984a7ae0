// internal/store/metadata.go
package store

import (
	"context"
	"database/sql"

	stderrors "persona-engine/internal/common/errors"
	"persona-engine/internal/common/logger"
	"persona-engine/internal/models"

	"github.com/lib/pq"
)

// MetadataStore persists extraction results. A regeneration for the same
// article supersedes the prior row; superseded rows are retained.
type MetadataStore struct {
	db     *sql.DB
	logger logger.Logger
}

func NewMetadataStore(db *sql.DB, log logger.Logger) *MetadataStore {
	return &MetadataStore{
		db:     db,
		logger: log.WithFields(map[string]interface{}{"component": "metadata-store"}),
	}
}

// Save inserts a metadata row, marking any current row for the article as
// superseded first. Both steps share one transaction.
func (s *MetadataStore) Save(ctx context.Context, meta models.ArticleMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stderrors.NewStoreInsertFailedError("article_metadata", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE article_metadata SET superseded = TRUE WHERE article_id = $1 AND superseded = FALSE`,
		meta.ArticleID,
	); err != nil {
		return stderrors.NewStoreInsertFailedError("article_metadata", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO article_metadata
		 (article_id, summary, sentiment_label, sentiment_score, keywords, topics, generated_at, model_version, degraded, superseded)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)`,
		meta.ArticleID,
		meta.Summary,
		meta.Sentiment.Label,
		meta.Sentiment.Score,
		pq.Array(meta.Keywords),
		pq.Array(meta.Topics),
		meta.GeneratedAt,
		meta.ModelVersion,
		meta.Degraded,
	); err != nil {
		return stderrors.NewStoreInsertFailedError("article_metadata", err)
	}

	if err := tx.Commit(); err != nil {
		return stderrors.NewStoreInsertFailedError("article_metadata", err)
	}
	return nil
}

// Latest returns the current (non-superseded) metadata for an article.
func (s *MetadataStore) Latest(ctx context.Context, articleID int64) (models.ArticleMetadata, bool, error) {
	var meta models.ArticleMetadata
	var keywords, topics pq.StringArray

	err := s.db.QueryRowContext(ctx,
		`SELECT article_id, summary, sentiment_label, sentiment_score, keywords, topics, generated_at, model_version, degraded
		 FROM article_metadata
		 WHERE article_id = $1 AND superseded = FALSE`,
		articleID,
	).Scan(
		&meta.ArticleID,
		&meta.Summary,
		&meta.Sentiment.Label,
		&meta.Sentiment.Score,
		&keywords,
		&topics,
		&meta.GeneratedAt,
		&meta.ModelVersion,
		&meta.Degraded,
	)
	if err == sql.ErrNoRows {
		return models.ArticleMetadata{}, false, nil
	}
	if err != nil {
		return models.ArticleMetadata{}, false, stderrors.NewStoreQueryFailedError("article_metadata", err)
	}

	meta.Keywords = keywords
	meta.Topics = topics
	return meta, true, nil
}

// Current streams every non-superseded metadata row, oldest first; used to
// rebuild the retrieval index on startup.
func (s *MetadataStore) Current(ctx context.Context) ([]models.ArticleMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT article_id, summary, sentiment_label, sentiment_score, keywords, topics, generated_at, model_version, degraded
		 FROM article_metadata
		 WHERE superseded = FALSE
		 ORDER BY generated_at ASC`,
	)
	if err != nil {
		return nil, stderrors.NewStoreQueryFailedError("article_metadata", err)
	}
	defer rows.Close()

	var out []models.ArticleMetadata
	for rows.Next() {
		var meta models.ArticleMetadata
		var keywords, topics pq.StringArray
		if err := rows.Scan(
			&meta.ArticleID,
			&meta.Summary,
			&meta.Sentiment.Label,
			&meta.Sentiment.Score,
			&keywords,
			&topics,
			&meta.GeneratedAt,
			&meta.ModelVersion,
			&meta.Degraded,
		); err != nil {
			return nil, stderrors.NewStoreQueryFailedError("article_metadata", err)
		}
		meta.Keywords = keywords
		meta.Topics = topics
		out = append(out, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, stderrors.NewStoreQueryFailedError("article_metadata", err)
	}
	return out, nil
}
