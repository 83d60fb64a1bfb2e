package scan

import "math"

// combineScores folds the per-module results into one 0-100 total. Only
// modules that produced a real score participate; their base weights are
// renormalized to sum to 1.0 so a partial scan still yields a comparable
// number. When nothing scored, the total is nil and the grade undefined.
func combineScores(modules map[string]ModuleResult, baseWeights map[string]float64) (*int, string, map[string]float64) {
	weightSum := 0.0
	for name, m := range modules {
		if m.Scored() {
			weightSum += baseWeights[name]
		}
	}
	if weightSum <= 0 {
		return nil, "", map[string]float64{}
	}

	used := make(map[string]float64)
	weighted := 0.0
	for name, m := range modules {
		if !m.Scored() {
			continue
		}
		w := baseWeights[name] / weightSum
		used[name] = w
		weighted += w * float64(m.Score)
	}

	total := int(math.Round(weighted))
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}
	return &total, GradeFor(total), used
}

// GradeFor maps a total score onto the letter scale.
func GradeFor(score int) string {
	switch {
	case score >= 95:
		return "A+"
	case score >= 90:
		return "A"
	case score >= 85:
		return "B+"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}
