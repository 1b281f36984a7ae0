// internal/models/persona.go
package models

import "time"

// Persona is a fully resolved, bounds-valid stylistic profile. Numeric
// fields are always within [0,1] by the time a Persona leaves the registry.
type Persona struct {
	Name            string  `json:"name"`
	Version         int     `json:"version"`
	Tone            string  `json:"tone"`
	Style           string  `json:"style"`
	Formality       string  `json:"formality"`
	VocabularyLevel string  `json:"vocabularyLevel"`
	Humor           string  `json:"humor"`
	Temperature     float64 `json:"temperature"`
	Guidance        float64 `json:"guidance"`

	// SnapshotID identifies the resolved snapshot: base version plus a
	// content hash of the applied overrides. Two resolutions with identical
	// effective fields share a SnapshotID.
	SnapshotID string `json:"snapshotId"`
}

// PersonaDelta is a sparse change set over adjustable persona fields.
type PersonaDelta struct {
	Tone            *string  `json:"tone,omitempty"`
	Formality       *string  `json:"formality,omitempty"`
	VocabularyLevel *string  `json:"vocabularyLevel,omitempty"`
	Humor           *string  `json:"humor,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	Guidance        *float64 `json:"guidance,omitempty"`
}

// Empty reports whether the delta changes nothing.
func (d PersonaDelta) Empty() bool {
	return d.Tone == nil && d.Formality == nil && d.VocabularyLevel == nil &&
		d.Humor == nil && d.Temperature == nil && d.Guidance == nil
}

// PersonaAdjustment is one append-only log entry of a chat-driven persona
// change. RequestedDelta records what the user asked for; AppliedDelta what
// survived clamping.
type PersonaAdjustment struct {
	ID                 string       `json:"id"`
	SessionID          string       `json:"sessionId"`
	BasePersonaVersion string       `json:"basePersonaVersion"`
	RequestedDelta     PersonaDelta `json:"requestedDelta"`
	AppliedDelta       PersonaDelta `json:"appliedDelta"`
	Timestamp          time.Time    `json:"timestamp"`
}
