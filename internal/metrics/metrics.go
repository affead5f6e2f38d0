// Package metrics turns per-agent trajectory errors into scalar error
// metrics and combines them into the calibration objective.
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/cwbudde/crowdcalib/internal/sim"
)

// MinGrowthSamples is the minimum series length for an agent to take part
// in the time-growth penalty.
const MinGrowthSamples = 4

func agentMeans(agents []sim.AgentError) []float64 {
	means := make([]float64, len(agents))
	for i, a := range agents {
		means[i] = a.MeanError
	}
	return means
}

// RMSE is the root-mean-square of the per-agent mean errors.
func RMSE(agents []sim.AgentError) float64 {
	if len(agents) == 0 {
		return 0
	}
	means := agentMeans(agents)
	return math.Sqrt(floats.Dot(means, means) / float64(len(means)))
}

// P95 is the 95th percentile of the per-agent mean errors.
func P95(agents []sim.AgentError) float64 {
	return Percentile(agentMeans(agents), 95)
}

// Percentile returns the p-th percentile of values with linear interpolation
// between the closest ranks (rank = p/100 * (n-1)). Empty input yields 0.
func Percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo < 0 {
		lo = 0
	}
	if hi >= n {
		hi = n - 1
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Slope fits error = alpha + beta*t by ordinary least squares and returns
// beta. Degenerate series (constant time or constant error) have slope 0.
func Slope(t, e []float64) float64 {
	if len(t) < 2 || isConstant(t) || isConstant(e) {
		return 0
	}
	_, beta := stat.LinearRegression(t, e, nil, false)
	if math.IsNaN(beta) {
		return 0
	}
	return beta
}

func isConstant(v []float64) bool {
	for _, x := range v[1:] {
		if x != v[0] {
			return false
		}
	}
	return true
}

// TimeGrowthPenalty averages the clamped error-vs-time slopes of every agent
// with at least MinGrowthSamples samples. Negative slopes count as 0;
// shorter series are excluded. Returns 0 when no agent qualifies.
func TimeGrowthPenalty(agents []sim.AgentError) float64 {
	var slopes []float64
	for _, a := range agents {
		if len(a.Errors) < MinGrowthSamples {
			continue
		}
		t, e := a.Series()
		slopes = append(slopes, math.Max(0, Slope(t, e)))
	}
	if len(slopes) == 0 {
		return 0
	}
	return floats.Sum(slopes) / float64(len(slopes))
}

// AgentGrowth is the quartile growth of one agent.
type AgentGrowth struct {
	AgentID   int     `json:"agentId"`
	EarlyMean float64 `json:"earlyMean"`
	LateMean  float64 `json:"lateMean"`
	Growth    float64 `json:"growth"`
}

// quartileGrowthThreshold guards the relative growth against tiny early means.
const quartileGrowthThreshold = 0.1

func quartileGrowth(a sim.AgentError) (AgentGrowth, bool) {
	n := len(a.Errors)
	if n < MinGrowthSamples {
		return AgentGrowth{}, false
	}
	_, e := a.Series()
	q := n / 4
	g := AgentGrowth{
		AgentID:   a.AgentID,
		EarlyMean: stat.Mean(e[:q], nil),
		LateMean:  stat.Mean(e[n-q:], nil),
	}
	if g.EarlyMean > quartileGrowthThreshold {
		g.Growth = (g.LateMean - g.EarlyMean) / g.EarlyMean
	}
	return g, true
}

// QuartileGrowth is the mean clamped relative growth from the first to the
// last quarter of each trajectory. It is a reporting aid and does not feed
// the objective.
func QuartileGrowth(agents []sim.AgentError) float64 {
	var rates []float64
	for _, a := range agents {
		if g, ok := quartileGrowth(a); ok {
			rates = append(rates, math.Max(0, g.Growth))
		}
	}
	if len(rates) == 0 {
		return 0
	}
	return stat.Mean(rates, nil)
}

// TopGrowthAgents returns the n agents with the largest quartile growth,
// largest first.
func TopGrowthAgents(agents []sim.AgentError, n int) []AgentGrowth {
	var out []AgentGrowth
	for _, a := range agents {
		if g, ok := quartileGrowth(a); ok {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Growth > out[j].Growth })
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
