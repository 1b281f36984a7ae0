// internal/retrieval/index.go
package retrieval

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"persona-engine/internal/models"
)

// Candidate is a transient scored view over one article's metadata for one
// query. Not persisted.
type Candidate struct {
	Metadata    models.ArticleMetadata
	PublishedAt time.Time
	Score       float64
}

// Config holds scoring settings.
type Config struct {
	RecencyHalfLifeHours float64
	MinRelevance         float64
}

// Index is an in-memory, append-only index over article metadata supporting
// top-k relevance queries. Inserts and reads need only per-entry
// synchronization; there is no global write lock held during scoring.
type Index struct {
	config Config

	mu      sync.RWMutex
	entries map[int64]indexEntry

	now func() time.Time
}

type indexEntry struct {
	meta        models.ArticleMetadata
	publishedAt time.Time
	terms       map[string]struct{}
}

func NewIndex(config Config) *Index {
	return &Index{
		config:  config,
		entries: make(map[int64]indexEntry),
		now:     time.Now,
	}
}

// Add indexes extracted metadata for an article. Freshly regenerated
// metadata supersedes an earlier entry for the same article; stale
// regenerations are ignored.
func (idx *Index) Add(meta models.ArticleMetadata, publishedAt time.Time) {
	terms := make(map[string]struct{}, len(meta.Keywords)+len(meta.Topics))
	for _, kw := range meta.Keywords {
		for _, t := range Tokenize(kw) {
			terms[t] = struct{}{}
		}
	}
	for _, topic := range meta.Topics {
		for _, t := range Tokenize(topic) {
			terms[t] = struct{}{}
		}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if existing, ok := idx.entries[meta.ArticleID]; ok && existing.meta.GeneratedAt.After(meta.GeneratedAt) {
		return
	}
	idx.entries[meta.ArticleID] = indexEntry{
		meta:        meta,
		publishedAt: publishedAt,
		terms:       terms,
	}
}

// Len reports the number of indexed articles.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Search returns the top-k candidates from the pool for the query, in
// strictly non-increasing score order. An empty result is a normal outcome,
// never an error: callers must handle "no relevant content".
func (idx *Index) Search(query string, pool []int64, k int) []Candidate {
	queryTerms := Tokenize(query)
	if len(queryTerms) == 0 || k <= 0 {
		return nil
	}

	now := idx.now()
	var candidates []Candidate

	idx.mu.RLock()
	for _, id := range pool {
		entry, ok := idx.entries[id]
		if !ok {
			continue
		}
		overlap := 0
		for _, term := range queryTerms {
			if _, ok := entry.terms[term]; ok {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		score := float64(overlap) / float64(len(queryTerms)) * idx.recencyWeight(now, entry.publishedAt)
		if score < idx.config.MinRelevance {
			continue
		}
		candidates = append(candidates, Candidate{
			Metadata:    entry.meta,
			PublishedAt: entry.publishedAt,
			Score:       score,
		})
	}
	idx.mu.RUnlock()

	// Order: score desc, published_at desc, generated_at desc, then
	// article_id asc for determinism.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.After(b.PublishedAt)
		}
		if !a.Metadata.GeneratedAt.Equal(b.Metadata.GeneratedAt) {
			return a.Metadata.GeneratedAt.After(b.Metadata.GeneratedAt)
		}
		return a.Metadata.ArticleID < b.Metadata.ArticleID
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

// recencyWeight applies exponential decay on article age.
func (idx *Index) recencyWeight(now, publishedAt time.Time) float64 {
	if idx.config.RecencyHalfLifeHours <= 0 {
		return 1.0
	}
	ageHours := now.Sub(publishedAt).Hours()
	if ageHours <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * ageHours / idx.config.RecencyHalfLifeHours)
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "in": {},
	"is": {}, "it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {},
	"the": {}, "their": {}, "this": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {},
}

// Tokenize lowercases, strips punctuation and drops stopwords. Shared with
// the extractor's frequency-based fallback.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		out = append(out, f)
	}
	return out
}
