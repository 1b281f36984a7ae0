// internal/composer/composer.go
package composer

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

	"github.com/google/uuid"
)

const (
	defaultTargetWords = 300

	// wordTolerance is the accepted fraction above/below the target length.
	wordTolerance = 0.5
)

type Config struct {
	TargetWords int
	CacheTTL    time.Duration
	Deadline    time.Duration
}

// Composer renders a synthesis result in a persona's voice. Validation
// failures degrade to the best available draft; a flawed segment beats no
// segment.
type Composer struct {
	gate      gate.Submitter
	cache     cache.Cache
	validator *safety.Validator
	config    Config
	logger    logger.Logger

	now   func() time.Time
	newID func() string
}

func New(g gate.Submitter, c cache.Cache, v *safety.Validator, config Config, log logger.Logger) *Composer {
	if config.TargetWords <= 0 {
		config.TargetWords = defaultTargetWords
	}
	return &Composer{
		gate:      g,
		cache:     c,
		validator: v,
		config:    config,
		logger:    log.WithFields(map[string]interface{}{"component": "composer"}),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// Compose voices the synthesis result through the persona. The cache key
// pairs the synthesis cache key with the persona snapshot identity, so a
// changed persona never serves a stale voice.
func (c *Composer) Compose(ctx context.Context, synthesis models.SynthesisResult, persona models.Persona) (models.ComposedSegment, error) {
	cacheKey := cache.Key(cache.StageComposition, synthesis.CacheKey, persona.SnapshotID)

	if cached, found, err := c.cache.Get(ctx, cache.StageComposition, cacheKey); err == nil && found {
		var segment models.ComposedSegment
		if err := json.Unmarshal([]byte(cached), &segment); err == nil {
			return segment, nil
		}
	}

	text, degraded, err := c.generate(ctx, synthesis, persona)
	if err != nil {
		return models.ComposedSegment{}, err
	}

	segment := models.ComposedSegment{
		ID:                c.newID(),
		SynthesisCacheKey: synthesis.CacheKey,
		PersonaSnapshot:   persona,
		Text:              text,
		WordCount:         len(strings.Fields(text)),
		Degraded:          degraded,
		CreatedAt:         c.now().UTC(),
	}

	if !degraded {
		if encoded, err := json.Marshal(segment); err == nil {
			if err := c.cache.Put(ctx, cache.StageComposition, cacheKey, string(encoded), c.config.CacheTTL); err != nil {
				c.logger.Warn("composition cache write failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
	return segment, nil
}

// generate attempts the composition twice; on repeated validation failure it
// returns the best safe draft flagged degraded, falling back to the
// synthesized text itself when no draft passed the safety check.
func (c *Composer) generate(ctx context.Context, synthesis models.SynthesisResult, persona models.Persona) (string, bool, error) {
	prompt := c.buildPrompt(synthesis, persona, false)
	var bestDraft string

	for attempt := 0; attempt < 2; attempt++ {
		result, err := c.gate.Submit(ctx, gate.Job{
			Priority: gate.PrioritySynthesis,
			Request: gate.Request{
				Stage:        cache.StageComposition,
				SystemPrompt: "You rewrite briefings in a specific presenter's voice for spoken delivery.",
				Prompt:       prompt,
				Temperature:  persona.Temperature,
			},
			Deadline: c.config.Deadline,
		})
		if err != nil {
			return "", false, err
		}

		text := strings.TrimSpace(result.Text)
		safe := c.validator.CheckOutput(text)
		if safe.Allow && bestDraft == "" {
			bestDraft = text
		}

		reason := c.validateDraft(text, safe)
		if reason == "" {
			return text, false, nil
		}
		c.logger.Warn("composition draft rejected", map[string]interface{}{
			"attempt": attempt + 1,
			"reason":  reason,
		})
		prompt = c.buildPrompt(synthesis, persona, true)
	}

	if bestDraft != "" {
		return bestDraft, true, nil
	}
	// Never surface a raw refusal; the unvoiced synthesis is the floor.
	return synthesis.SynthesizedText, true, nil
}

// validateDraft returns the rejection reason, or "" for an acceptable draft.
func (c *Composer) validateDraft(text string, safe safety.Verdict) string {
	if !safe.Allow {
		return safe.Reason
	}
	words := len(strings.Fields(text))
	min := int(float64(c.config.TargetWords) * (1 - wordTolerance))
	max := int(float64(c.config.TargetWords) * (1 + wordTolerance))
	if words < min || words > max {
		return fmt.Sprintf("word count %d outside [%d, %d]", words, min, max)
	}
	return ""
}

func (c *Composer) buildPrompt(synthesis models.SynthesisResult, persona models.Persona, correction bool) string {
	var parts []string
	parts = append(parts, "Rewrite the briefing below in the presenter's voice.")
	parts = append(parts, "\nPresenter profile:")
	parts = append(parts, fmt.Sprintf("- tone: %s", persona.Tone))
	parts = append(parts, fmt.Sprintf("- style: %s", persona.Style))
	parts = append(parts, fmt.Sprintf("- formality: %s", persona.Formality))
	parts = append(parts, fmt.Sprintf("- vocabulary: %s", persona.VocabularyLevel))
	parts = append(parts, fmt.Sprintf("- humor: %s", persona.Humor))
	if persona.Guidance > 0 {
		parts = append(parts, fmt.Sprintf("- adherence to source material: %.1f of 1.0", persona.Guidance))
	}
	parts = append(parts, fmt.Sprintf("\nTarget length: about %d words.", c.config.TargetWords))
	parts = append(parts, fmt.Sprintf("\nBriefing:\n%s", synthesis.SynthesizedText))

	if correction {
		parts = append(parts, fmt.Sprintf("\nStay within %d words, do not repeat instructions, and output only the rewritten briefing.", c.config.TargetWords))
	}

	return strings.Join(parts, "\n")
}
