// Package parser turns an evaluation engine's free-form output into a
// structured result.
//
// Engines emit human-readable text that may or may not embed a JSON object.
// Two independent extractors run over the output: a string-aware JSON brace
// scanner, and a structured-text extractor for labeled sections and
// score/verdict phrases. JSON values always win; structured text only fills
// the gaps JSON left.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/timvw/loopsmith/internal/model"
)

// Method records which extraction path produced a result.
type Method string

const (
	MethodJSON           Method = "json"
	MethodStructuredText Method = "structured_text"
	MethodHybrid         Method = "hybrid"
)

// DefaultScore is used when neither extractor finds a score.
const DefaultScore = 5.0

// DefaultSummary is used when neither extractor finds a summary.
const DefaultSummary = "Evaluation completed."

// DefaultRequiredFields are the keys a JSON candidate must carry to be
// preferred over earlier candidates.
var DefaultRequiredFields = []string{"score"}

// ErrNoPayload means neither extractor recovered any known field.
var ErrNoPayload = errors.New("no evaluation payload found in engine output")

// excerptLen bounds the raw output kept on a ParseFailure for diagnostics.
const excerptLen = 500

// ParseFailure wraps ErrNoPayload with an excerpt of the offending output.
// It is retryable: engines occasionally format an answer badly and get it
// right on the next attempt.
type ParseFailure struct {
	Err     error
	Excerpt string
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("parse engine output: %v", e.Err)
}

func (e *ParseFailure) Unwrap() error { return e.Err }

// Retryable reports true; see ParseFailure.
func (e *ParseFailure) Retryable() bool { return true }

// Options controls parsing.
type Options struct {
	// Mode is flexible (JSON and/or structured text) or strict (JSON only).
	Mode model.Mode
	// RequiredFields overrides DefaultRequiredFields.
	RequiredFields []string
	// Logger receives a record for every default applied. Nil uses slog.Default().
	Logger *slog.Logger
}

// Result is the superset of fields recovered from engine output. It is only
// ever consumed by the evaluator's normalizer.
type Result struct {
	Score float64
	// Pass is nil unless the engine stated an explicit boolean.
	Pass *bool
	// Summary is the engine's one-paragraph verdict.
	Summary string
	// Status is the engine's own label, if it gave a valid one.
	Status       model.Status
	Details      *model.Details
	RubricScores map[string]float64
	Suggestions  []string
	// Extra holds unknown JSON keys and recovered sections such as
	// "conclusion" or "ready_for_implementation".
	Extra map[string]any

	// Method is the winning extraction path.
	Method Method
	// Sources records which path produced each core field.
	Sources map[string]Method
	// Defaulted lists the fields that received a documented default.
	Defaulted []string

	scoreFound bool
}

// knownJSONFields are the keys that make a JSON object count as an
// evaluation payload rather than stray engine chatter.
var knownJSONFields = []string{
	"score", "pass", "summary", "status", "details",
	"conclusion", "ready_for_implementation", "confidence", "context",
}

// Parse extracts an evaluation from raw engine output.
func Parse(raw string, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	required := opts.RequiredFields
	if len(required) == 0 {
		required = DefaultRequiredFields
	}

	cleaned := StripMetadata(raw)
	res := &Result{
		Extra:   make(map[string]any),
		Sources: make(map[string]Method),
	}

	fields, haveJSON := ExtractJSON(raw, cleaned, required)
	if haveJSON && !hasAny(fields, knownJSONFields) {
		logger.Debug("ignoring JSON object without evaluation fields", "keys", keysOf(fields))
		haveJSON = false
	}
	if haveJSON {
		res.applyJSON(fields)
	}

	if opts.Mode == model.ModeStrict {
		if !haveJSON {
			return nil, &ParseFailure{
				Err:     fmt.Errorf("%w: strict mode requires a JSON object", ErrNoPayload),
				Excerpt: excerpt(raw),
			}
		}
		res.Method = MethodJSON
		res.applyDefaults(logger)
		return res, nil
	}

	st := ExtractStructured(cleaned)
	if !haveJSON && st.Empty() {
		return nil, &ParseFailure{Err: ErrNoPayload, Excerpt: excerpt(raw)}
	}
	res.applyStructured(st)

	switch {
	case !haveJSON:
		res.Method = MethodStructuredText
	case res.filledByStructured():
		res.Method = MethodHybrid
	default:
		res.Method = MethodJSON
	}

	res.applyDefaults(logger)
	return res, nil
}

// applyJSON populates the result from a decoded JSON object.
func (r *Result) applyJSON(fields map[string]any) {
	if v, ok := toFloat(fields["score"]); ok {
		r.setScore(v, MethodJSON)
	}
	if v, ok := fields["pass"].(bool); ok {
		r.Pass = &v
		r.Sources["pass"] = MethodJSON
	}
	if v, ok := fields["summary"].(string); ok && v != "" {
		r.Summary = v
		r.Sources["summary"] = MethodJSON
	} else if v, ok := fields["conclusion"].(string); ok && v != "" {
		r.Summary = v
		r.Sources["summary"] = MethodJSON
	}
	if v, ok := fields["status"].(string); ok && model.Status(v).Valid() {
		r.Status = model.Status(v)
	}
	if v, ok := fields["details"].(map[string]any); ok {
		r.Details = detailsFromJSON(v)
		r.Sources["details"] = MethodJSON
	}
	if v, ok := fields["rubric_scores"].(map[string]any); ok {
		r.RubricScores = make(map[string]float64, len(v))
		for k, raw := range v {
			if f, ok := toFloat(raw); ok {
				r.RubricScores[k] = f
			}
		}
	}
	if v, ok := fields["suggestions"].([]any); ok {
		r.Suggestions = toStrings(v)
	}
	for k, v := range fields {
		if model.IsCoreField(k) {
			continue
		}
		r.Extra[k] = v
	}
}

// applyStructured fills fields JSON left empty. It never overwrites.
func (r *Result) applyStructured(st *Structured) {
	if !r.scoreFound && st.Score != nil {
		r.setScore(*st.Score, MethodStructuredText)
	}
	if r.Summary == "" {
		for _, name := range []string{"summary", "conclusion"} {
			if text, ok := st.Section(name); ok {
				r.Summary = text
				r.Sources["summary"] = MethodStructuredText
				break
			}
		}
	}
	if r.Details == nil {
		d := model.EmptyDetails()
		found := false
		for name, dst := range map[string]*[]string{
			"strengths":    &d.Strengths,
			"issues":       &d.Issues,
			"improvements": &d.Improvements,
		} {
			if text, ok := st.Section(name); ok {
				*dst = splitItems(text)
				found = true
			}
		}
		if found {
			r.Details = d
			r.Sources["details"] = MethodStructuredText
		}
	}
	for _, name := range []string{"conclusion", "rationale", "analysis", "recommendations"} {
		if _, exists := r.Extra[name]; exists {
			continue
		}
		if text, ok := st.Section(name); ok {
			r.Extra[name] = text
		}
	}
	if _, exists := r.Extra["ready_for_implementation"]; !exists && st.Ready != nil {
		r.Extra["ready_for_implementation"] = *st.Ready
	}
}

// filledByStructured reports whether structured text supplied a core field.
func (r *Result) filledByStructured() bool {
	for _, m := range r.Sources {
		if m == MethodStructuredText {
			return true
		}
	}
	return false
}

// applyDefaults gives every required field a value, logging each default.
func (r *Result) applyDefaults(logger *slog.Logger) {
	if !r.scoreFound {
		r.Score = DefaultScore
		r.Defaulted = append(r.Defaulted, "score")
		logger.Warn("score not found in engine output, using default", "default", DefaultScore)
	}
	if r.Summary == "" {
		r.Summary = DefaultSummary
		r.Defaulted = append(r.Defaulted, "summary")
		logger.Info("summary not found in engine output, using default")
	}
	if r.Details == nil {
		r.Details = model.EmptyDetails()
		r.Defaulted = append(r.Defaulted, "details")
		logger.Info("details not found in engine output, using empty details")
	} else {
		fillEmpty(r.Details)
	}
}

func (r *Result) setScore(v float64, m Method) {
	if v < 0 {
		v = 0
	}
	if v > 10 {
		v = 10
	}
	r.Score = v
	r.scoreFound = true
	r.Sources["score"] = m
}

func detailsFromJSON(v map[string]any) *model.Details {
	d := model.EmptyDetails()
	if items, ok := v["strengths"].([]any); ok {
		d.Strengths = toStrings(items)
	}
	if items, ok := v["issues"].([]any); ok {
		d.Issues = toStrings(items)
	}
	if items, ok := v["improvements"].([]any); ok {
		d.Improvements = toStrings(items)
	}
	if cs, ok := v["context_specific"].(map[string]any); ok {
		d.ContextSpecific = cs
	}
	fillEmpty(d)
	return d
}

func fillEmpty(d *model.Details) {
	if d.Strengths == nil {
		d.Strengths = []string{}
	}
	if d.Issues == nil {
		d.Issues = []string{}
	}
	if d.Improvements == nil {
		d.Improvements = []string{}
	}
	if d.ContextSpecific == nil {
		d.ContextSpecific = map[string]any{}
	}
}

// toStrings converts a JSON array to strings. Non-string items (objects the
// engine used instead of plain bullets) are re-encoded as compact JSON.
func toStrings(items []any) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			out = append(out, v)
		case nil:
		default:
			b, err := json.Marshal(v)
			if err != nil {
				out = append(out, fmt.Sprint(v))
				continue
			}
			out = append(out, string(b))
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func hasAny(fields map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return false
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func excerpt(s string) string {
	if len(s) <= excerptLen {
		return s
	}
	n := excerptLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
