package history

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// GenerationSummary is the best evaluation of one generation.
type GenerationSummary struct {
	Generation    int     `json:"generation"`
	Evaluations   int     `json:"evaluations"`
	BestObjective float64 `json:"bestObjective"`
	BestIteration int     `json:"bestIteration"`
	MeanObjective float64 `json:"meanObjective"`
}

// Summary describes a finished or running campaign log.
type Summary struct {
	Evaluations    int                 `json:"evaluations"`
	Best           Record              `json:"best"`
	WorstObjective float64             `json:"worstObjective"`
	MeanObjective  float64             `json:"meanObjective"`
	StdObjective   float64             `json:"stdObjective"`
	Generations    []GenerationSummary `json:"generations"`

	// Baseline comparison, set when a baseline objective is known.
	BaselineObjective  float64 `json:"baselineObjective,omitempty"`
	Improvement        float64 `json:"improvement,omitempty"`
	ImprovementPercent float64 `json:"improvementPercent,omitempty"`
}

// Summarize computes overall and per-generation statistics. baseline <= 0
// skips the baseline comparison. It returns false for an empty log.
func Summarize(records []Record, baseline float64) (Summary, bool) {
	if len(records) == 0 {
		return Summary{}, false
	}

	objectives := make([]float64, len(records))
	var s Summary
	s.Evaluations = len(records)
	s.Best = records[0]
	s.WorstObjective = records[0].Objective

	byGen := make(map[int][]Record)
	for i, rec := range records {
		objectives[i] = rec.Objective
		if better(rec, s.Best) {
			s.Best = rec
		}
		if rec.Objective > s.WorstObjective {
			s.WorstObjective = rec.Objective
		}
		byGen[rec.Generation] = append(byGen[rec.Generation], rec)
	}
	s.MeanObjective, s.StdObjective = stat.PopMeanStdDev(objectives, nil)

	for gen, recs := range byGen {
		g := GenerationSummary{Generation: gen, Evaluations: len(recs)}
		best := recs[0]
		objs := make([]float64, len(recs))
		for i, rec := range recs {
			objs[i] = rec.Objective
			if better(rec, best) {
				best = rec
			}
		}
		g.BestObjective = best.Objective
		g.BestIteration = best.Iteration
		g.MeanObjective = stat.Mean(objs, nil)
		s.Generations = append(s.Generations, g)
	}
	sort.Slice(s.Generations, func(i, j int) bool {
		return s.Generations[i].Generation < s.Generations[j].Generation
	})

	if baseline > 0 {
		s.BaselineObjective = baseline
		s.Improvement = baseline - s.Best.Objective
		s.ImprovementPercent = s.Improvement / baseline * 100
	}
	return s, true
}

func better(a, b Record) bool {
	return a.Objective < b.Objective || (a.Objective == b.Objective && a.Iteration < b.Iteration)
}
