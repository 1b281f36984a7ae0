// internal/engine/engine.go
package engine

import (
	"context"

	"persona-engine/internal/chat"
	"persona-engine/internal/common/logger"
	"persona-engine/internal/composer"
	"persona-engine/internal/extractor"
	"persona-engine/internal/models"
	"persona-engine/internal/persona"
	"persona-engine/internal/retrieval"
	"persona-engine/internal/synthesis"
)

// MetadataPersister stores extraction results and replays the current rows.
type MetadataPersister interface {
	Save(ctx context.Context, meta models.ArticleMetadata) error
	Current(ctx context.Context) ([]models.ArticleMetadata, error)
}

// AdjustmentPersister appends chat adjustment log entries.
type AdjustmentPersister interface {
	Append(ctx context.Context, adj models.PersonaAdjustment) error
}

// SegmentPersister stores composed segments for the speech synthesizer.
type SegmentPersister interface {
	Save(ctx context.Context, segment models.ComposedSegment) error
}

// Engine is the facade over the pipeline: metadata extraction, synthesis,
// composition, and chat adjustment. Persistence is write-through and never
// blocks a result from reaching the caller.
type Engine struct {
	logger logger.Logger

	extractor   *extractor.Extractor
	synthesizer *synthesis.Orchestrator
	composer    *composer.Composer
	adjuster    *chat.Adjuster
	registry    *persona.Registry
	index       *retrieval.Index

	metadata    MetadataPersister
	adjustments AdjustmentPersister
	segments    SegmentPersister
}

type Deps struct {
	Extractor   *extractor.Extractor
	Synthesizer *synthesis.Orchestrator
	Composer    *composer.Composer
	Adjuster    *chat.Adjuster
	Registry    *persona.Registry
	Index       *retrieval.Index
	Metadata    MetadataPersister
	Adjustments AdjustmentPersister
	Segments    SegmentPersister
}

func New(deps Deps, log logger.Logger) *Engine {
	return &Engine{
		logger:      log.WithFields(map[string]interface{}{"component": "engine"}),
		extractor:   deps.Extractor,
		synthesizer: deps.Synthesizer,
		composer:    deps.Composer,
		adjuster:    deps.Adjuster,
		registry:    deps.Registry,
		index:       deps.Index,
		metadata:    deps.Metadata,
		adjustments: deps.Adjustments,
		segments:    deps.Segments,
	}
}

// Restore rebuilds the retrieval index from persisted metadata. Published
// timestamps are not stored with the metadata rows, so restored entries decay
// from their generation time.
func (e *Engine) Restore(ctx context.Context) error {
	if e.metadata == nil {
		return nil
	}
	rows, err := e.metadata.Current(ctx)
	if err != nil {
		return err
	}
	for _, meta := range rows {
		e.index.Add(meta, meta.GeneratedAt)
	}
	e.logger.Info("retrieval index restored", map[string]interface{}{"entries": e.index.Len()})
	return nil
}

// Run consumes the feed ingestor's article stream until the context ends or
// the channel closes. Extraction never fails, so the loop never stalls on a
// bad article.
func (e *Engine) Run(ctx context.Context, articles <-chan models.Article) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case article, ok := <-articles:
			if !ok {
				return nil
			}
			e.ExtractMetadata(ctx, article)
		}
	}
}

// ExtractMetadata extracts, indexes and persists metadata for one article.
// Degrades rather than failing; a persistence error is logged, not surfaced,
// since the in-memory index already serves the metadata.
func (e *Engine) ExtractMetadata(ctx context.Context, article models.Article) models.ArticleMetadata {
	meta := e.extractor.Extract(ctx, article)
	e.index.Add(meta, article.PublishedAt)

	if e.metadata != nil {
		if err := e.metadata.Save(ctx, meta); err != nil {
			e.logger.Error("metadata persistence failed", map[string]interface{}{
				"articleId": article.ID,
				"error":     err.Error(),
			})
		}
	}
	return meta
}

// Synthesize answers a query over the candidate articles.
func (e *Engine) Synthesize(ctx context.Context, query string, articleIDs []int64) (models.SynthesisResult, error) {
	return e.synthesizer.Synthesize(ctx, query, articleIDs)
}

// SynthesizeForSession synthesizes and records the result as the session's
// recomposition target.
func (e *Engine) SynthesizeForSession(ctx context.Context, sessionID, query string, articleIDs []int64) (models.SynthesisResult, error) {
	result, err := e.synthesizer.Synthesize(ctx, query, articleIDs)
	if err != nil {
		return models.SynthesisResult{}, err
	}
	if !result.Empty {
		if err := e.adjuster.RecordSynthesis(sessionID, result); err != nil {
			return models.SynthesisResult{}, err
		}
	}
	return result, nil
}

// Compose voices a synthesis result with the named persona, optionally
// adjusted by overrides.
func (e *Engine) Compose(ctx context.Context, result models.SynthesisResult, personaName string, overrides *models.PersonaDelta) (models.ComposedSegment, error) {
	p, err := e.registry.Resolve(personaName, overrides)
	if err != nil {
		return models.ComposedSegment{}, err
	}
	segment, err := e.composer.Compose(ctx, result, p)
	if err != nil {
		return models.ComposedSegment{}, err
	}
	e.persistSegment(ctx, segment)
	return segment, nil
}

// Chat applies one instruction to the session persona; the returned segment
// is nil when the session has nothing to recompose.
func (e *Engine) Chat(ctx context.Context, sessionID, message string) (models.PersonaAdjustment, *models.ComposedSegment, error) {
	adjustment, segment, err := e.adjuster.Handle(ctx, sessionID, message)
	if err != nil {
		return models.PersonaAdjustment{}, nil, err
	}

	if e.adjustments != nil {
		if err := e.adjustments.Append(ctx, adjustment); err != nil {
			e.logger.Error("adjustment persistence failed", map[string]interface{}{
				"sessionId": sessionID,
				"error":     err.Error(),
			})
		}
	}
	if segment != nil {
		e.persistSegment(ctx, *segment)
	}
	return adjustment, segment, nil
}

func (e *Engine) persistSegment(ctx context.Context, segment models.ComposedSegment) {
	if e.segments == nil {
		return
	}
	if err := e.segments.Save(ctx, segment); err != nil {
		e.logger.Error("segment persistence failed", map[string]interface{}{
			"segmentId": segment.ID,
			"error":     err.Error(),
		})
	}
}
