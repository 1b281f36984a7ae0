// internal/extractor/fallback.go
package extractor

import (
	"sort"
	"strings"

	"persona-engine/internal/models"
	"persona-engine/internal/retrieval"
)

const fallbackSummaryLength = 280

// degraded builds metadata without the model so that article processing keeps
// moving: a truncated lead as the summary, neutral sentiment, and
// frequency-ranked keywords. Never cached.
func (e *Extractor) degraded(article models.Article) models.ArticleMetadata {
	e.logger.Warn("producing degraded metadata", map[string]interface{}{
		"articleId": article.ID,
	})
	return models.ArticleMetadata{
		ArticleID:    article.ID,
		Summary:      leadSummary(article),
		Sentiment:    models.Sentiment{Label: models.SentimentNeutral, Score: 0.5},
		Keywords:     frequencyKeywords(article.Title+" "+article.Body, maxKeywords),
		GeneratedAt:  e.now().UTC(),
		ModelVersion: "fallback",
		Degraded:     true,
	}
}

// leadSummary truncates the article lead at a word boundary.
func leadSummary(article models.Article) string {
	text := strings.TrimSpace(article.Body)
	if text == "" {
		text = strings.TrimSpace(article.Title)
	}
	if len(text) <= fallbackSummaryLength {
		return text
	}
	cut := text[:fallbackSummaryLength]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "..."
}

// frequencyKeywords ranks stopword-filtered terms by occurrence count, ties
// broken alphabetically for determinism.
func frequencyKeywords(text string, limit int) []string {
	counts := make(map[string]int)
	for _, term := range retrieval.Tokenize(text) {
		counts[term]++
	}

	terms := make([]string, 0, len(counts))
	for term := range counts {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if counts[terms[i]] != counts[terms[j]] {
			return counts[terms[i]] > counts[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}
