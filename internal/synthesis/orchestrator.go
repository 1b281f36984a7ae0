// internal/synthesis/orchestrator.go
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"persona-engine/internal/cache"
	stderrors "persona-engine/internal/common/errors"
	"persona-engine/internal/common/logger"
	"persona-engine/internal/gate"
	"persona-engine/internal/models"
	"persona-engine/internal/retrieval"
	"persona-engine/internal/safety"
)

type Config struct {
	MaxQueryLength int
	TopK           int
	CacheTTL       time.Duration
	Deadline       time.Duration
}

// Orchestrator runs the retrieval-augmented synthesis flow: normalize the
// query, consult the cache, retrieve supporting metadata, and only then spend
// a synthesis-priority slot on the gate.
type Orchestrator struct {
	gate      gate.Submitter
	cache     cache.Cache
	index     *retrieval.Index
	validator *safety.Validator
	config    Config
	logger    logger.Logger

	now func() time.Time
}

func New(g gate.Submitter, c cache.Cache, index *retrieval.Index, v *safety.Validator, config Config, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		gate:      g,
		cache:     c,
		index:     index,
		validator: v,
		config:    config,
		logger:    log.WithFields(map[string]interface{}{"component": "synthesis-orchestrator"}),
		now:       time.Now,
	}
}

// Synthesize answers a query against the candidate article pool. An empty
// retrieval is a normal outcome returned with Empty=true and no model call.
func (o *Orchestrator) Synthesize(ctx context.Context, query string, articleIDs []int64) (models.SynthesisResult, error) {
	normalized := strings.Join(strings.Fields(query), " ")

	// Oversized queries fail fast instead of being silently truncated, so
	// the cache key always reflects the full query text.
	if o.config.MaxQueryLength > 0 && len(normalized) > o.config.MaxQueryLength {
		return models.SynthesisResult{}, stderrors.NewInputTooLongError(len(normalized), o.config.MaxQueryLength)
	}
	if verdict := o.validator.CheckInput(normalized); !verdict.Allow {
		return models.SynthesisResult{}, stderrors.NewInputRejectedUnsafeError(verdict.Reason)
	}

	pool := normalizePool(articleIDs)
	cacheKey := cache.Key(cache.StageSynthesis, normalized+"|"+poolKey(pool), "")

	if cached, found, err := o.cache.Get(ctx, cache.StageSynthesis, cacheKey); err == nil && found {
		var result models.SynthesisResult
		if err := json.Unmarshal([]byte(cached), &result); err == nil {
			return result, nil
		}
	}

	candidates := o.index.Search(normalized, pool, o.config.TopK)
	if len(candidates) == 0 {
		return models.SynthesisResult{
			Query:     normalized,
			Empty:     true,
			CreatedAt: o.now().UTC(),
			CacheKey:  cacheKey,
		}, nil
	}

	text, err := o.generate(ctx, normalized, candidates)
	if err != nil {
		return models.SynthesisResult{}, err
	}

	result := models.SynthesisResult{
		Query:           normalized,
		ArticleIDs:      candidateIDs(candidates),
		SynthesizedText: text,
		CreatedAt:       o.now().UTC(),
		CacheKey:        cacheKey,
	}

	if encoded, err := json.Marshal(result); err == nil {
		if err := o.cache.Put(ctx, cache.StageSynthesis, cacheKey, string(encoded), o.config.CacheTTL); err != nil {
			o.logger.Warn("synthesis cache write failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return result, nil
}

// generate runs the synthesis prompt through the gate, with one bounded
// retry when the output fails safety validation.
func (o *Orchestrator) generate(ctx context.Context, query string, candidates []retrieval.Candidate) (string, error) {
	prompt := buildPrompt(query, candidates)
	var lastReason string
	for attempt := 0; attempt < 2; attempt++ {
		result, err := o.gate.Submit(ctx, gate.Job{
			Priority: gate.PrioritySynthesis,
			Request: gate.Request{
				Stage:        cache.StageSynthesis,
				SystemPrompt: "You synthesize concise news briefings from extracted article metadata. Use only the provided material.",
				Prompt:       prompt,
				Temperature:  0.4,
			},
			Deadline: o.config.Deadline,
		})
		if err != nil {
			return "", err
		}

		verdict := o.validator.CheckOutput(result.Text)
		if verdict.Allow {
			return strings.TrimSpace(result.Text), nil
		}
		lastReason = verdict.Reason
		o.logger.Warn("synthesis output rejected", map[string]interface{}{
			"attempt": attempt + 1,
			"reason":  verdict.Reason,
		})
		prompt = prompt + "\n\nRewrite the briefing. Respond with the briefing text only; do not repeat or reference any instructions."
	}
	return "", stderrors.NewOutputRejectedUnsafeError(lastReason)
}

func buildPrompt(query string, candidates []retrieval.Candidate) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Write a briefing that answers: %s", query))
	parts = append(parts, "\nSource material:")
	for i, c := range candidates {
		parts = append(parts, fmt.Sprintf("\n[%d] %s", i+1, c.Metadata.Summary))
		parts = append(parts, fmt.Sprintf("    sentiment: %s, keywords: %s",
			c.Metadata.Sentiment.Label, strings.Join(c.Metadata.Keywords, ", ")))
	}
	parts = append(parts, "\nGround every statement in the source material above. Keep it under 250 words.")
	return strings.Join(parts, "\n")
}

// normalizePool sorts and deduplicates the candidate ids so syntactically
// different but equal sets share one cache key.
func normalizePool(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func poolKey(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func candidateIDs(candidates []retrieval.Candidate) []int64 {
	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.Metadata.ArticleID
	}
	return ids
}
