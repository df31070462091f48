package evaluator

import (
	"maps"
	"time"

	"github.com/timvw/loopsmith/internal/model"
	"github.com/timvw/loopsmith/internal/parser"
)

// Normalize assembles the response for a parsed engine result.
//
// The status label is always derived from the score, never taken from the
// engine. Pass is the engine's explicit boolean when it gave one, otherwise
// score >= targetScore.
func Normalize(res *parser.Result, targetScore float64, elapsed time.Duration, engineModel string) *model.EvaluationResponse {
	pass := res.Score >= targetScore
	if res.Pass != nil {
		pass = *res.Pass
	}
	details := res.Details
	if details == nil {
		details = model.EmptyDetails()
	}
	resp := &model.EvaluationResponse{
		Score:        res.Score,
		Pass:         pass,
		Summary:      res.Summary,
		Status:       model.StatusFromScore(res.Score),
		Details:      details,
		RubricScores: res.RubricScores,
		Suggestions:  res.Suggestions,
		Metadata: model.Metadata{
			EvaluationTime: float64(elapsed.Milliseconds()),
			ModelUsed:      engineModel,
			ParsingMethod:  string(res.Method),
			SchemaVersion:  model.SchemaVersion,
			FormatVersion:  model.FormatTraditional,
		},
	}
	if len(res.Extra) > 0 {
		resp.Extra = maps.Clone(res.Extra)
	}
	if len(res.Defaulted) > 0 {
		if resp.Extra == nil {
			resp.Extra = make(map[string]any)
		}
		resp.Extra["defaulted_fields"] = append([]string(nil), res.Defaulted...)
	}
	return resp
}
