// internal/safety/validator.go
package safety

import (
	"regexp"
	"strings"
	"unicode"
)

// Verdict is the outcome of a safety check.
type Verdict struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

func allow() Verdict {
	return Verdict{Allow: true}
}

func reject(reason string) Verdict {
	return Verdict{Allow: false, Reason: reason}
}

// Config bounds the text the validator accepts.
type Config struct {
	MaxInputLength  int
	MaxOutputLength int
}

// Validator screens text entering and leaving the model. Stateless.
type Validator struct {
	config Config
}

var (
	// Phrases asserting new system authority over the model.
	overridePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
		regexp.MustCompile(`(?i)disregard\s+(your|the)\s+(instructions|system\s+prompt|rules)`),
		regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s+`),
		regexp.MustCompile(`(?i)new\s+system\s+prompt\s*:`),
		regexp.MustCompile(`(?i)\bact\s+as\s+(if\s+you\s+(are|were)|an?\s+unrestricted)`),
		regexp.MustCompile(`(?i)\b(system|assistant)\s*:\s*`),
	}

	// Leaked internal instruction markers in model output.
	leakPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*(system\s+prompt|instructions)\s*:`),
		regexp.MustCompile(`(?i)as\s+an?\s+(ai\s+)?language\s+model.*instruct`),
		regexp.MustCompile(`(?i)\[INST\]|\[/INST\]|<\|im_start\|>|<\|im_end\|>`),
		regexp.MustCompile(`(?i)do\s+not\s+repeat\s+(these\s+)?instructions`),
	}

	// Refusals surfaced as a distinct outcome so they are never cached as
	// content.
	refusalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^\s*i\s+(cannot|can't|won't|am\s+unable\s+to)\s+(help|assist|comply|do\s+that)`),
		regexp.MustCompile(`(?i)^\s*(sorry|i'm\s+sorry|i\s+apologi[sz]e),?\s+(but\s+)?i\s+(cannot|can't)`),
		regexp.MustCompile(`(?i)\bagainst\s+my\s+(guidelines|programming|policies)\b`),
	}
)

func NewValidator(config Config) *Validator {
	return &Validator{config: config}
}

// CheckInput screens text before it reaches the inference gate. A reject
// here prevents the model call entirely.
func (v *Validator) CheckInput(text string) Verdict {
	if strings.TrimSpace(text) == "" {
		return reject("empty input")
	}
	if v.config.MaxInputLength > 0 && len(text) > v.config.MaxInputLength {
		return reject("input exceeds length bound")
	}
	if ratio := controlCharRatio(text); ratio > 0.05 {
		return reject("control-character-heavy payload")
	}
	for _, p := range overridePatterns {
		if p.MatchString(text) {
			return reject("instruction override attempt")
		}
	}
	return allow()
}

// CheckOutput screens model output before it is cached or surfaced. A reject
// triggers the owning stage's retry/degrade policy.
func (v *Validator) CheckOutput(text string) Verdict {
	if strings.TrimSpace(text) == "" {
		return reject("empty output")
	}
	if v.config.MaxOutputLength > 0 && len(text) > v.config.MaxOutputLength {
		return reject("output exceeds length bound")
	}
	for _, p := range leakPatterns {
		if p.MatchString(text) {
			return reject("leaked internal instructions")
		}
	}
	for _, p := range refusalPatterns {
		if p.MatchString(text) {
			return reject("model refusal")
		}
	}
	return allow()
}

// controlCharRatio reports the share of control characters, excluding
// ordinary whitespace.
func controlCharRatio(text string) float64 {
	if len(text) == 0 {
		return 0
	}
	control := 0
	total := 0
	for _, r := range text {
		total++
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			control++
		}
	}
	return float64(control) / float64(total)
}
