// internal/models/article.go
package models

import "time"

// Article is an ingested feed article. Immutable once delivered by the feed
// ingestor; consumed read-only here.
type Article struct {
	ID           int64     `json:"id"`
	SourceFeedID int64     `json:"sourceFeedId"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	PublishedAt  time.Time `json:"publishedAt"`
	ContentHash  string    `json:"contentHash"`
}

// Sentiment labels recognised by the extractor.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

type Sentiment struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// ArticleMetadata is the structured extraction result for one article.
// Immutable; a model version change produces a new row, the old one is
// retained as superseded.
type ArticleMetadata struct {
	ArticleID    int64     `json:"articleId"`
	Summary      string    `json:"summary"`
	Sentiment    Sentiment `json:"sentiment"`
	Keywords     []string  `json:"keywords"`
	Topics       []string  `json:"topics"`
	GeneratedAt  time.Time `json:"generatedAt"`
	ModelVersion string    `json:"modelVersion"`
	Degraded     bool      `json:"degraded"`
}
