// internal/persona/registry.go
package persona

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"persona-engine/internal/common/config"
	stderrors "persona-engine/internal/common/errors"
	"persona-engine/internal/common/logger"
	"persona-engine/internal/models"
)

// Registry holds validated base persona definitions. Base definitions are
// read-mostly with versioned, copy-on-write updates so readers never observe
// a partially-updated persona. Session-scoped snapshots are never written
// back.
type Registry struct {
	logger logger.Logger

	mu   sync.RWMutex
	base map[string]models.Persona
}

func NewRegistry(configs []config.PersonaConfig, log logger.Logger) *Registry {
	r := &Registry{
		logger: log.WithFields(map[string]interface{}{"component": "persona-registry"}),
		base:   make(map[string]models.Persona),
	}
	for _, cfg := range configs {
		r.Register(cfg)
	}
	return r
}

// Register adds or replaces a base persona definition. Any field change
// increments the version counter; numeric fields are clamped to [0,1].
func (r *Registry) Register(cfg config.PersonaConfig) models.Persona {
	r.mu.Lock()
	defer r.mu.Unlock()

	version := 1
	if existing, ok := r.base[cfg.Name]; ok {
		version = existing.Version + 1
	}

	p := models.Persona{
		Name:            cfg.Name,
		Version:         version,
		Tone:            cfg.Tone,
		Style:           cfg.Style,
		Formality:       cfg.Formality,
		VocabularyLevel: cfg.VocabularyLevel,
		Humor:           cfg.Humor,
		Temperature:     clamp01(cfg.Temperature),
		Guidance:        clamp01(cfg.Guidance),
	}
	p.SnapshotID = snapshotID(p)
	r.base[cfg.Name] = p
	return p
}

// Names lists registered personas in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.base))
	for name := range r.base {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve merges overrides over the named base, clamps numeric fields and
// returns an immutable snapshot. The snapshot identity covers the base
// version plus a content hash of the effective fields, so two resolutions
// with identical effective fields are cache-key-equivalent even when the
// override sets differ syntactically.
func (r *Registry) Resolve(name string, overrides *models.PersonaDelta) (models.Persona, error) {
	r.mu.RLock()
	base, ok := r.base[name]
	r.mu.RUnlock()
	if !ok {
		return models.Persona{}, stderrors.NewPersonaNotFoundError(name)
	}

	if overrides == nil {
		return base, nil
	}

	resolved, applied := ApplyDelta(base, *overrides)
	r.logClamps(name, *overrides, applied)
	return resolved, nil
}

// ApplyDelta merges a sparse delta over a resolved persona, clamping numeric
// fields to their declared ranges. It returns the new snapshot and the delta
// that was actually applied after clamping.
func ApplyDelta(base models.Persona, delta models.PersonaDelta) (models.Persona, models.PersonaDelta) {
	resolved := base
	var applied models.PersonaDelta

	if delta.Tone != nil && *delta.Tone != resolved.Tone {
		resolved.Tone = *delta.Tone
		applied.Tone = delta.Tone
	}
	if delta.Formality != nil && *delta.Formality != resolved.Formality {
		resolved.Formality = *delta.Formality
		applied.Formality = delta.Formality
	}
	if delta.VocabularyLevel != nil && *delta.VocabularyLevel != resolved.VocabularyLevel {
		resolved.VocabularyLevel = *delta.VocabularyLevel
		applied.VocabularyLevel = delta.VocabularyLevel
	}
	if delta.Humor != nil && *delta.Humor != resolved.Humor {
		resolved.Humor = *delta.Humor
		applied.Humor = delta.Humor
	}
	if delta.Temperature != nil {
		clamped := clamp01(*delta.Temperature)
		if clamped != resolved.Temperature {
			resolved.Temperature = clamped
			applied.Temperature = &clamped
		}
	}
	if delta.Guidance != nil {
		clamped := clamp01(*delta.Guidance)
		if clamped != resolved.Guidance {
			resolved.Guidance = clamped
			applied.Guidance = &clamped
		}
	}

	resolved.SnapshotID = snapshotID(resolved)
	return resolved, applied
}

// logClamps records bounds violations; clamped, logged, never fatal.
func (r *Registry) logClamps(name string, requested, applied models.PersonaDelta) {
	if requested.Temperature != nil && applied.Temperature != nil && *requested.Temperature != *applied.Temperature {
		violation := stderrors.NewPersonaBoundsViolationError("temperature", *requested.Temperature, *applied.Temperature)
		r.logger.Warn(violation.Message, map[string]interface{}{"persona": name, "details": violation.Details})
	}
	if requested.Guidance != nil && applied.Guidance != nil && *requested.Guidance != *applied.Guidance {
		violation := stderrors.NewPersonaBoundsViolationError("guidance", *requested.Guidance, *applied.Guidance)
		r.logger.Warn(violation.Message, map[string]interface{}{"persona": name, "details": violation.Details})
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// snapshotID derives the snapshot identity from the effective fields.
func snapshotID(p models.Persona) string {
	payload := strings.Join([]string{
		p.Name,
		fmt.Sprintf("%d", p.Version),
		p.Tone,
		p.Style,
		p.Formality,
		p.VocabularyLevel,
		p.Humor,
		fmt.Sprintf("%.4f", p.Temperature),
		fmt.Sprintf("%.4f", p.Guidance),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%s:%d:%s", p.Name, p.Version, hex.EncodeToString(sum[:8]))
}
