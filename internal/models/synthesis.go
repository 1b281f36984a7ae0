// internal/models/synthesis.go
package models

import "time"

// SynthesisResult is the output of one retrieval-augmented synthesis pass.
// Immutable; re-synthesis supersedes with a new result.
type SynthesisResult struct {
	Query           string    `json:"query"`
	ArticleIDs      []int64   `json:"articleIds"`
	SynthesizedText string    `json:"synthesizedText"`
	Empty           bool      `json:"empty"`
	CreatedAt       time.Time `json:"createdAt"`
	CacheKey        string    `json:"cacheKey"`
}

// ComposedSegment is a synthesis result rendered in a persona's voice,
// ready for speech synthesis. PersonaSnapshot is the fully resolved Persona
// that produced the text.
type ComposedSegment struct {
	ID                string    `json:"id"`
	SynthesisCacheKey string    `json:"synthesisCacheKey"`
	PersonaSnapshot   Persona   `json:"personaSnapshot"`
	Text              string    `json:"text"`
	WordCount         int       `json:"wordCount"`
	Degraded          bool      `json:"degraded"`
	CreatedAt         time.Time `json:"createdAt"`
}
