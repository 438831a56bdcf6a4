// Package evaluation captures the optional post-run evaluation result.
package evaluation

import "runwatch/internal/protocol"

// CriterionScore is one scored rubric dimension with its display percentage.
type CriterionScore struct {
	Criterion string
	Score     float64
	MaxScore  float64
	Weight    float64
	Percent   float64
}

// Summary is the aggregated evaluation outcome for a run.
type Summary struct {
	WeightedScore float64
	Grade         string
	Passed        bool
	PassThreshold float64
	Rubric        string
	Criteria      []CriterionScore
}

// Aggregator folds the event sequence down to at most one Summary per run.
// Not every run requests evaluation; absence is a normal state, not an error.
type Aggregator struct {
	summary *Summary
}

// New returns an empty aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

// Apply records an evaluation_result event. Later results overwrite earlier
// ones, consistent with the last-write-wins stance of the rest of the fold.
func (a *Aggregator) Apply(ev protocol.Event) {
	result, ok := ev.(protocol.EvaluationResult)
	if !ok {
		return
	}

	summary := Summary{
		WeightedScore: result.WeightedScore,
		Grade:         result.Grade,
		Passed:        result.Passed,
		PassThreshold: result.PassThreshold,
		Rubric:        result.Rubric,
	}
	for _, c := range result.Criteria {
		summary.Criteria = append(summary.Criteria, CriterionScore{
			Criterion: c.Criterion,
			Score:     c.Score,
			MaxScore:  c.MaxScore,
			Weight:    c.Weight,
			Percent:   CriterionPercent(c.Score, c.MaxScore),
		})
	}
	a.summary = &summary
}

// Summary returns the captured evaluation, if any.
func (a *Aggregator) Summary() (Summary, bool) {
	if a.summary == nil {
		return Summary{}, false
	}
	return *a.summary, true
}

// CriterionPercent converts a criterion score to a 0-100 percentage. A zero
// max score maps to 0 so presentation code never sees NaN.
func CriterionPercent(score, maxScore float64) float64 {
	if maxScore == 0 {
		return 0
	}
	percent := score / maxScore * 100
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
