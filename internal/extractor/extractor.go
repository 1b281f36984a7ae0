// internal/extractor/extractor.go
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"persona-engine/internal/cache"
	"persona-engine/internal/common/logger"
	"persona-engine/internal/gate"
	"persona-engine/internal/models"
	"persona-engine/internal/safety"

	"github.com/xeipuuv/gojsonschema"
)

const (
	truncationMarker = "\n[... article truncated ...]"

	minKeywords      = 5
	maxKeywords      = 10
	maxSummaryLength = 600
)

// metadataSchema is the structured shape the model must return.
const metadataSchema = `{
  "type": "object",
  "required": ["summary", "sentiment", "keywords"],
  "properties": {
    "summary": {"type": "string", "minLength": 1, "maxLength": 600},
    "sentiment": {
      "type": "object",
      "required": ["label", "score"],
      "properties": {
        "label": {"type": "string", "enum": ["positive", "negative", "neutral"]},
        "score": {"type": "number", "minimum": 0, "maximum": 1}
      }
    },
    "keywords": {
      "type": "array",
      "minItems": 5,
      "maxItems": 10,
      "items": {"type": "string", "minLength": 1}
    },
    "topics": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    }
  }
}`

type extractionPayload struct {
	Summary   string   `json:"summary"`
	Sentiment struct {
		Label string  `json:"label"`
		Score float64 `json:"score"`
	} `json:"sentiment"`
	Keywords []string `json:"keywords"`
	Topics   []string `json:"topics"`
}

type Config struct {
	ContextBudget int // characters of article body embedded in the prompt
	ModelVersion  string
	CacheTTL      time.Duration
	Deadline      time.Duration
}

// Extractor turns one raw article into structured metadata through the
// inference gate at batch priority. Extraction never halts the pipeline: on
// repeated model malformation it degrades instead of failing.
type Extractor struct {
	gate      gate.Submitter
	cache     cache.Cache
	validator *safety.Validator
	config    Config
	logger    logger.Logger
	schema    *gojsonschema.Schema

	now func() time.Time
}

func New(g gate.Submitter, c cache.Cache, v *safety.Validator, config Config, log logger.Logger) *Extractor {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(metadataSchema))
	if err != nil {
		// The schema is a compile-time constant; this only trips in development.
		panic(fmt.Sprintf("invalid metadata schema: %v", err))
	}
	return &Extractor{
		gate:      g,
		cache:     c,
		validator: v,
		config:    config,
		logger:    log.WithFields(map[string]interface{}{"component": "metadata-extractor"}),
		schema:    schema,
		now:       time.Now,
	}
}

// Extract produces metadata for one article. It consults the semantic cache
// first and degrades rather than erroring.
func (e *Extractor) Extract(ctx context.Context, article models.Article) models.ArticleMetadata {
	cacheKey := cache.Key(cache.StageMetadata, article.ContentHash+" "+e.config.ModelVersion, "")

	if cached, found, err := e.cache.Get(ctx, cache.StageMetadata, cacheKey); err == nil && found {
		var meta models.ArticleMetadata
		if err := json.Unmarshal([]byte(cached), &meta); err == nil {
			return meta
		}
	}

	if verdict := e.validator.CheckInput(article.Body); !verdict.Allow {
		e.logger.Warn("article body rejected by safety validation", map[string]interface{}{
			"articleId": article.ID,
			"reason":    verdict.Reason,
		})
		return e.degraded(article)
	}

	payload, ok := e.attempt(ctx, article, false)
	if !ok {
		payload, ok = e.attempt(ctx, article, true)
	}
	if !ok {
		return e.degraded(article)
	}

	meta := models.ArticleMetadata{
		ArticleID:    article.ID,
		Summary:      payload.Summary,
		Sentiment:    models.Sentiment{Label: payload.Sentiment.Label, Score: payload.Sentiment.Score},
		Keywords:     payload.Keywords,
		Topics:       payload.Topics,
		GeneratedAt:  e.now().UTC(),
		ModelVersion: e.config.ModelVersion,
	}

	if encoded, err := json.Marshal(meta); err == nil {
		if err := e.cache.Put(ctx, cache.StageMetadata, cacheKey, string(encoded), e.config.CacheTTL); err != nil {
			e.logger.Warn("metadata cache write failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return meta
}

// attempt runs one extraction pass; strict appends the schema-conformance
// correction used for the single bounded retry.
func (e *Extractor) attempt(ctx context.Context, article models.Article, strict bool) (*extractionPayload, bool) {
	result, err := e.gate.Submit(ctx, gate.Job{
		Priority: gate.PriorityBatch,
		Request: gate.Request{
			Stage:        cache.StageMetadata,
			SystemPrompt: "You extract structured metadata from news articles. Respond with JSON only.",
			Prompt:       e.buildPrompt(article, strict),
			Temperature:  0.1,
		},
		Deadline: e.config.Deadline,
	})
	if err != nil {
		e.logger.Warn("metadata extraction inference failed", map[string]interface{}{
			"articleId": article.ID,
			"error":     err.Error(),
		})
		return nil, false
	}

	if verdict := e.validator.CheckOutput(result.Text); !verdict.Allow {
		e.logger.Warn("metadata extraction output rejected", map[string]interface{}{
			"articleId": article.ID,
			"reason":    verdict.Reason,
		})
		return nil, false
	}

	payload, err := e.parseAndValidate(result.Text)
	if err != nil {
		e.logger.Warn("metadata extraction shape validation failed", map[string]interface{}{
			"articleId": article.ID,
			"error":     err.Error(),
		})
		return nil, false
	}
	return payload, true
}

func (e *Extractor) parseAndValidate(text string) (*extractionPayload, error) {
	raw := extractJSON(text)

	validation, err := e.schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("not valid JSON: %w", err)
	}
	if !validation.Valid() {
		details := make([]string, 0, len(validation.Errors()))
		for _, desc := range validation.Errors() {
			details = append(details, desc.String())
		}
		return nil, fmt.Errorf("schema mismatch: %s", strings.Join(details, "; "))
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &payload, nil
}

func (e *Extractor) buildPrompt(article models.Article, strict bool) string {
	body := article.Body
	if e.config.ContextBudget > 0 && len(body) > e.config.ContextBudget {
		body = body[:e.config.ContextBudget] + truncationMarker
	}

	var parts []string
	parts = append(parts, "Extract metadata from the following article.")
	parts = append(parts, fmt.Sprintf("\nTitle: %s", article.Title))
	parts = append(parts, fmt.Sprintf("\nArticle:\n%s", body))
	parts = append(parts, "\nReturn a JSON object with:")
	parts = append(parts, "- summary: one to three sentences, at most 600 characters")
	parts = append(parts, `- sentiment: {"label": one of "positive"|"negative"|"neutral", "score": 0.0-1.0}`)
	parts = append(parts, fmt.Sprintf("- keywords: %d to %d salient keywords", minKeywords, maxKeywords))
	parts = append(parts, "- topics: broad topic labels")

	if strict {
		parts = append(parts, "\nYour previous output was malformed. Output must be valid JSON matching the schema exactly. No prose, no markdown fences.")
	}

	return strings.Join(parts, "\n")
}

// extractJSON strips markdown fences the model sometimes wraps around its
// JSON payload.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	return trimmed
}
