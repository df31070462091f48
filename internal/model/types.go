package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// DefaultTargetScore is the pass threshold used when neither the request nor
// the configuration specifies one.
const DefaultTargetScore = 8.0

// SchemaVersion identifies the response schema emitted by this module.
const SchemaVersion = "v3"

// FormatTraditional is the only response format version produced. The
// "simplified" pass/confidence/context shape some engines emit is preserved
// in Extra, not promoted to a separate type.
const FormatTraditional = "traditional"

// Status is a coarse quality label derived from the numeric score.
type Status string

const (
	StatusExcellent        Status = "excellent"
	StatusGood             Status = "good"
	StatusNeedsImprovement Status = "needs_improvement"
	StatusPoor             Status = "poor"
)

// StatusFromScore maps a score to its status label. Lower bounds are
// inclusive: 8.0 is excellent, 7.999 is good.
func StatusFromScore(score float64) Status {
	switch {
	case score >= 8:
		return StatusExcellent
	case score >= 6:
		return StatusGood
	case score >= 4:
		return StatusNeedsImprovement
	default:
		return StatusPoor
	}
}

// Valid reports whether s is one of the four known labels.
func (s Status) Valid() bool {
	switch s {
	case StatusExcellent, StatusGood, StatusNeedsImprovement, StatusPoor:
		return true
	}
	return false
}

// Mode selects how strictly engine output is parsed.
type Mode string

const (
	// ModeFlexible accepts JSON, structured text, or a mix of both.
	ModeFlexible Mode = "flexible"
	// ModeStrict requires an embedded JSON object.
	ModeStrict Mode = "strict"
)

// ErrZeroRubric is returned when every rubric weight is zero.
var ErrZeroRubric = errors.New("rubric weights sum to zero")

// Rubric holds relative weights for the four evaluation criteria.
type Rubric struct {
	Completeness float64 `json:"completeness" validate:"gte=0"`
	Accuracy     float64 `json:"accuracy" validate:"gte=0"`
	Clarity      float64 `json:"clarity" validate:"gte=0"`
	Usability    float64 `json:"usability" validate:"gte=0"`
}

// Normalize returns a copy of r whose weights sum to 1.0.
func (r Rubric) Normalize() (Rubric, error) {
	sum := r.Completeness + r.Accuracy + r.Clarity + r.Usability
	if sum <= 0 {
		return Rubric{}, ErrZeroRubric
	}
	return Rubric{
		Completeness: r.Completeness / sum,
		Accuracy:     r.Accuracy / sum,
		Clarity:      r.Clarity / sum,
		Usability:    r.Usability / sum,
	}, nil
}

// EvaluationRequest describes a single document evaluation.
type EvaluationRequest struct {
	// DocumentPath is the file to evaluate. The engine reads it itself.
	DocumentPath string `json:"document_path,omitempty" validate:"required_without=Content"`
	// Content is inline document text, used when no path is given.
	Content string `json:"content,omitempty" validate:"required_without=DocumentPath"`
	// TargetScore is the pass threshold. Zero means the configured default.
	TargetScore float64 `json:"target_score,omitempty" validate:"gte=0,lte=10"`
	// Rubric optionally weights the evaluation criteria.
	Rubric *Rubric `json:"rubric,omitempty"`
	// ProjectPath is the engine's working directory for context-aware evaluation.
	ProjectPath string `json:"project_path,omitempty"`
	// Mode is flexible (default) or strict.
	Mode Mode `json:"evaluation_mode,omitempty" validate:"omitempty,oneof=flexible strict"`
}

// Details carries the itemized findings of an evaluation.
type Details struct {
	Strengths       []string       `json:"strengths"`
	Issues          []string       `json:"issues"`
	Improvements    []string       `json:"improvements"`
	ContextSpecific map[string]any `json:"context_specific"`
}

// EmptyDetails returns details with non-nil empty collections, so they
// serialize as [] and {} rather than null.
func EmptyDetails() *Details {
	return &Details{
		Strengths:       []string{},
		Issues:          []string{},
		Improvements:    []string{},
		ContextSpecific: map[string]any{},
	}
}

// Metadata describes how a response was produced.
type Metadata struct {
	EvaluationID string `json:"evaluation_id,omitempty"`
	// EvaluationTime is the wall-clock time in milliseconds, retries included.
	// Zero for cache hits.
	EvaluationTime float64 `json:"evaluation_time"`
	// ModelUsed identifies the engine, or "cache" for a cached response.
	ModelUsed     string `json:"model_used,omitempty"`
	ParsingMethod string `json:"parsing_method,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty"`
	FormatVersion string `json:"format_version,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
}

// EvaluationResponse is the normalized result of an evaluation.
//
// The engine's output shape varies, so unknown top-level fields are kept in
// Extra and flattened back into the JSON object on marshal.
type EvaluationResponse struct {
	Score        float64            `json:"score"`
	Pass         bool               `json:"pass"`
	Summary      string             `json:"summary,omitempty"`
	Status       Status             `json:"status,omitempty"`
	Details      *Details           `json:"details,omitempty"`
	RubricScores map[string]float64 `json:"rubric_scores,omitempty"`
	Suggestions  []string           `json:"suggestions,omitempty"`
	Metadata     Metadata           `json:"metadata"`

	Extra map[string]any `json:"-"`
}

// coreFields are the JSON keys owned by EvaluationResponse itself.
var coreFields = map[string]bool{
	"score":         true,
	"pass":          true,
	"summary":       true,
	"status":        true,
	"details":       true,
	"rubric_scores": true,
	"suggestions":   true,
	"metadata":      true,
}

// IsCoreField reports whether key is a fixed EvaluationResponse field.
func IsCoreField(key string) bool {
	return coreFields[key]
}

type responseAlias EvaluationResponse

// MarshalJSON flattens Extra into the top-level object. Core fields win
// over Extra keys with the same name.
func (r EvaluationResponse) MarshalJSON() ([]byte, error) {
	core, err := json.Marshal(responseAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return core, nil
	}
	merged := make(map[string]json.RawMessage, len(r.Extra)+len(coreFields))
	for k, v := range r.Extra {
		if coreFields[k] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal extra field %q: %w", k, err)
		}
		merged[k] = raw
	}
	var coreMap map[string]json.RawMessage
	if err := json.Unmarshal(core, &coreMap); err != nil {
		return nil, err
	}
	maps.Copy(merged, coreMap)
	return json.Marshal(merged)
}

// UnmarshalJSON fills the core fields and collects every other key into Extra.
func (r *EvaluationResponse) UnmarshalJSON(data []byte) error {
	var alias responseAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*r = EvaluationResponse(alias)
	for k, v := range all {
		if coreFields[k] {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]any)
		}
		r.Extra[k] = v
	}
	return nil
}

// Clone returns a deep copy of r. Cached responses are handed out as clones
// so callers can never mutate a stored entry.
func (r *EvaluationResponse) Clone() *EvaluationResponse {
	if r == nil {
		return nil
	}
	c := *r
	if r.Details != nil {
		d := Details{
			Strengths:       slices.Clone(r.Details.Strengths),
			Issues:          slices.Clone(r.Details.Issues),
			Improvements:    slices.Clone(r.Details.Improvements),
			ContextSpecific: cloneAny(r.Details.ContextSpecific).(map[string]any),
		}
		c.Details = &d
	}
	if r.RubricScores != nil {
		c.RubricScores = maps.Clone(r.RubricScores)
	}
	if r.Suggestions != nil {
		c.Suggestions = slices.Clone(r.Suggestions)
	}
	if r.Extra != nil {
		c.Extra = cloneAny(r.Extra).(map[string]any)
	}
	return &c
}

// cloneAny deep-copies the JSON-shaped values (maps, slices, scalars) that
// appear in open fields.
func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneAny(e)
		}
		return out
	case []any:
		if t == nil {
			return []any(nil)
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}
