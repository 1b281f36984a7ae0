// internal/chat/adjuster.go
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	stderrors "persona-engine/internal/common/errors"
	"persona-engine/internal/common/logger"
	"persona-engine/internal/gate"
	"persona-engine/internal/models"
	"persona-engine/internal/persona"
	"persona-engine/internal/safety"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// deltaSchema is the strict contract for the parsed adjustment: every
// recognized field is optional, but a present field must carry the right
// type. Unrecognized fields survive schema validation and are dropped with a
// log line during decoding.
const deltaSchema = `{
  "type": "object",
  "properties": {
    "tone": {"type": "string"},
    "formality": {"type": "string"},
    "vocabulary_level": {"type": "string"},
    "humor": {"type": "string"},
    "temperature": {"type": "number"},
    "guidance": {"type": "number"}
  }
}`

// recognizedFields is the adjustable surface of a persona.
var recognizedFields = map[string]struct{}{
	"tone":             {},
	"formality":        {},
	"vocabulary_level": {},
	"humor":            {},
	"temperature":      {},
	"guidance":         {},
}

// Recomposer regenerates a persona-voiced segment; satisfied by the
// composition engine.
type Recomposer interface {
	Compose(ctx context.Context, synthesis models.SynthesisResult, p models.Persona) (models.ComposedSegment, error)
}

type Config struct {
	BasePersona      string
	MaxMessageLength int
	Deadline         time.Duration
}

// Adjuster maps free-text chat instructions onto persona deltas, one session
// at a time per session. Session snapshots are copy-on-write; the base
// registry is never written back.
type Adjuster struct {
	gate      gate.Submitter
	registry  *persona.Registry
	composer  Recomposer
	validator *safety.Validator
	config    Config
	logger    logger.Logger
	schema    *gojsonschema.Schema

	mu       sync.Mutex
	sessions map[string]*session

	now   func() time.Time
	newID func() string
}

func New(g gate.Submitter, registry *persona.Registry, composer Recomposer, v *safety.Validator, config Config, log logger.Logger) *Adjuster {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(deltaSchema))
	if err != nil {
		panic(fmt.Sprintf("invalid delta schema: %v", err))
	}
	return &Adjuster{
		gate:      g,
		registry:  registry,
		composer:  composer,
		validator: v,
		config:    config,
		logger:    log.WithFields(map[string]interface{}{"component": "chat-adjuster"}),
		schema:    schema,
		sessions:  make(map[string]*session),
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// RecordSynthesis notes the session's most recent synthesis result, the
// target of subsequent recompositions.
func (a *Adjuster) RecordSynthesis(sessionID string, result models.SynthesisResult) error {
	s, err := a.session(sessionID)
	if err != nil {
		return err
	}
	s.turns.acquire()
	defer s.turns.release()
	s.lastSynthesis = &result
	return nil
}

// Adjustments returns the session's append-only adjustment log.
func (a *Adjuster) Adjustments(sessionID string) []models.PersonaAdjustment {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if !ok {
		return nil
	}
	s.turns.acquire()
	defer s.turns.release()
	out := make([]models.PersonaAdjustment, len(s.adjustments))
	copy(out, s.adjustments)
	return out
}

// Handle applies one chat instruction to the session's persona and, when the
// session has a synthesis to voice, recomposes it with the new snapshot. A
// session processes one instruction at a time; concurrent messages queue in
// receipt order.
func (a *Adjuster) Handle(ctx context.Context, sessionID, message string) (models.PersonaAdjustment, *models.ComposedSegment, error) {
	if a.config.MaxMessageLength > 0 && len(message) > a.config.MaxMessageLength {
		return models.PersonaAdjustment{}, nil, stderrors.NewInputTooLongError(len(message), a.config.MaxMessageLength)
	}
	if verdict := a.validator.CheckInput(message); !verdict.Allow {
		return models.PersonaAdjustment{}, nil, stderrors.NewInputRejectedUnsafeError(verdict.Reason)
	}

	s, err := a.session(sessionID)
	if err != nil {
		return models.PersonaAdjustment{}, nil, err
	}

	s.turns.acquire()
	defer s.turns.release()

	requested, err := a.parseInstruction(ctx, s.persona, message)
	if err != nil {
		return models.PersonaAdjustment{}, nil, err
	}

	resolved, applied := persona.ApplyDelta(s.persona, requested)
	a.logClamps(sessionID, requested, applied)

	adjustment := models.PersonaAdjustment{
		ID:                 a.newID(),
		SessionID:          sessionID,
		BasePersonaVersion: s.persona.SnapshotID,
		RequestedDelta:     requested,
		AppliedDelta:       applied,
		Timestamp:          a.now().UTC(),
	}
	s.persona = resolved
	s.adjustments = append(s.adjustments, adjustment)

	a.logger.Info("persona adjusted", map[string]interface{}{
		"sessionId":  sessionID,
		"snapshotId": resolved.SnapshotID,
	})

	// Never invent a synthesis: without one, the adjustment stands alone.
	if s.lastSynthesis == nil {
		return adjustment, nil, nil
	}
	segment, err := a.composer.Compose(ctx, *s.lastSynthesis, resolved)
	if err != nil {
		return adjustment, nil, err
	}
	return adjustment, &segment, nil
}

// session returns the named session, creating it from the base persona on
// first contact.
func (a *Adjuster) session(sessionID string) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[sessionID]; ok {
		return s, nil
	}
	base, err := a.registry.Resolve(a.config.BasePersona, nil)
	if err != nil {
		return nil, err
	}
	s := &session{id: sessionID, persona: base}
	a.sessions[sessionID] = s
	return s, nil
}

// parseInstruction turns the free-text instruction into a sparse delta via
// the gate at interactive priority, with one schema-correction retry.
func (a *Adjuster) parseInstruction(ctx context.Context, current models.Persona, message string) (models.PersonaDelta, error) {
	prompt := buildParsePrompt(current, message, false)
	var lastDetail string

	for attempt := 0; attempt < 2; attempt++ {
		result, err := a.gate.Submit(ctx, gate.Job{
			Priority: gate.PriorityInteractive,
			Request: gate.Request{
				Stage:        "chat-parse",
				SystemPrompt: "You translate persona adjustment requests into JSON deltas. Respond with JSON only.",
				Prompt:       prompt,
				Temperature:  0.0,
			},
			Deadline: a.config.Deadline,
		})
		if err != nil {
			return models.PersonaDelta{}, err
		}

		delta, detail, ok := a.decodeDelta(result.Text)
		if ok {
			return delta, nil
		}
		lastDetail = detail
		a.logger.Warn("instruction parse failed schema validation", map[string]interface{}{
			"attempt": attempt + 1,
			"detail":  detail,
		})
		prompt = buildParsePrompt(current, message, true)
	}
	return models.PersonaDelta{}, stderrors.NewSchemaValidationFailureError("chat-parse", lastDetail)
}

// decodeDelta validates the raw model output against the delta schema and
// builds the sparse delta, dropping unrecognized fields with a log line.
func (a *Adjuster) decodeDelta(text string) (models.PersonaDelta, string, bool) {
	raw := extractJSON(text)

	validation, err := a.schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return models.PersonaDelta{}, fmt.Sprintf("not valid JSON: %v", err), false
	}
	if !validation.Valid() {
		details := make([]string, 0, len(validation.Errors()))
		for _, desc := range validation.Errors() {
			details = append(details, desc.String())
		}
		return models.PersonaDelta{}, strings.Join(details, "; "), false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return models.PersonaDelta{}, fmt.Sprintf("decode: %v", err), false
	}

	var ignored []string
	for name := range fields {
		if _, known := recognizedFields[name]; !known {
			ignored = append(ignored, name)
			delete(fields, name)
		}
	}
	if len(ignored) > 0 {
		sort.Strings(ignored)
		a.logger.Warn("ignoring unrecognized delta fields", map[string]interface{}{
			"fields": strings.Join(ignored, ","),
		})
	}

	var delta models.PersonaDelta
	decodeString := func(name string, dst **string) {
		if raw, ok := fields[name]; ok {
			var v string
			if json.Unmarshal(raw, &v) == nil {
				*dst = &v
			}
		}
	}
	decodeNumber := func(name string, dst **float64) {
		if raw, ok := fields[name]; ok {
			var v float64
			if json.Unmarshal(raw, &v) == nil {
				*dst = &v
			}
		}
	}
	decodeString("tone", &delta.Tone)
	decodeString("formality", &delta.Formality)
	decodeString("vocabulary_level", &delta.VocabularyLevel)
	decodeString("humor", &delta.Humor)
	decodeNumber("temperature", &delta.Temperature)
	decodeNumber("guidance", &delta.Guidance)
	return delta, "", true
}

func (a *Adjuster) logClamps(sessionID string, requested, applied models.PersonaDelta) {
	if requested.Temperature != nil && applied.Temperature != nil && *requested.Temperature != *applied.Temperature {
		violation := stderrors.NewPersonaBoundsViolationError("temperature", *requested.Temperature, *applied.Temperature)
		a.logger.Warn(violation.Message, map[string]interface{}{"sessionId": sessionID, "details": violation.Details})
	}
	if requested.Guidance != nil && applied.Guidance != nil && *requested.Guidance != *applied.Guidance {
		violation := stderrors.NewPersonaBoundsViolationError("guidance", *requested.Guidance, *applied.Guidance)
		a.logger.Warn(violation.Message, map[string]interface{}{"sessionId": sessionID, "details": violation.Details})
	}
}

func buildParsePrompt(current models.Persona, message string, strict bool) string {
	var parts []string
	parts = append(parts, "Current persona settings:")
	parts = append(parts, fmt.Sprintf("- tone: %s", current.Tone))
	parts = append(parts, fmt.Sprintf("- formality: %s", current.Formality))
	parts = append(parts, fmt.Sprintf("- vocabulary_level: %s", current.VocabularyLevel))
	parts = append(parts, fmt.Sprintf("- humor: %s", current.Humor))
	parts = append(parts, fmt.Sprintf("- temperature: %.2f", current.Temperature))
	parts = append(parts, fmt.Sprintf("- guidance: %.2f", current.Guidance))
	parts = append(parts, fmt.Sprintf("\nUser instruction: %s", message))
	parts = append(parts, "\nReturn a JSON object containing only the fields the instruction changes, chosen from: tone, formality, vocabulary_level, humor, temperature (0.0-1.0), guidance (0.0-1.0).")

	if strict {
		parts = append(parts, "\nYour previous output was malformed. Output must be a single valid JSON object using only the listed field names. No prose.")
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
