package allocation

import (
	"fmt"
	"math"

	"github.com/aristath/helmsman/internal/domain"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// RiskParityAllocator solves for weights whose risk contributions
// w_i * (Σw)_i are equal across strategies, via iterative proportional
// adjustment. On non-convergence it degrades to inverse-volatility
// weighting and marks the result accordingly.
type RiskParityAllocator struct {
	Tolerance     float64 // Max relative risk-contribution deviation
	MaxIterations int
}

// NewRiskParityAllocator creates a risk-parity allocator.
func NewRiskParityAllocator(tolerance float64, maxIterations int) *RiskParityAllocator {
	if tolerance <= 0 {
		tolerance = 1e-6
	}
	if maxIterations <= 0 {
		maxIterations = 1000
	}
	return &RiskParityAllocator{Tolerance: tolerance, MaxIterations: maxIterations}
}

// Name implements Allocator.
func (a *RiskParityAllocator) Name() string { return "risk_parity" }

// ComputeWeights implements Allocator.
func (a *RiskParityAllocator) ComputeWeights(history map[string]domain.ReturnSeries, lookback int, constraints Constraints) (map[string]float64, Diagnostics, error) {
	ids := strategyIDs(history)
	n := len(ids)
	diag := Diagnostics{Allocator: a.Name()}

	if n == 0 {
		return nil, diag, fmt.Errorf("no strategies provided")
	}
	if n == 1 {
		diag.Converged = true
		return map[string]float64{ids[0]: 1.0}, diag, nil
	}

	cov, err := a.covariance(history, ids, lookback, constraints)
	if err != nil {
		return nil, diag, err
	}

	// Positive-definiteness check; shrink toward the diagonal when the
	// sample covariance is singular (too few observations, collinear
	// strategies).
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		shrink(cov, constraints.Shrinkage)
		diag.Shrunk = true
	}

	weights, iterations, deviation, converged := a.solve(cov, n, constraints)
	diag.Iterations = iterations
	diag.MaxDeviation = deviation
	diag.Converged = converged

	if !converged {
		weights = inverseVolatility(cov, n)
		diag.Degraded = true
		diag.Fallback = "inverse_volatility"
	}

	out := toMap(ids, weights)
	clipAndRenormalize(out, constraints.MaxSingle)
	return out, diag, nil
}

// covariance builds the floored sample covariance matrix over the lookback
// window. Series are aligned from the most recent observation backwards.
func (a *RiskParityAllocator) covariance(history map[string]domain.ReturnSeries, ids []string, lookback int, constraints Constraints) (*mat.SymDense, error) {
	// The window is the shortest series, capped by the lookback when one is
	// set, so every column contributes exactly window observations.
	window := 0
	for _, id := range ids {
		n := len(history[id])
		if lookback > 0 && n > lookback {
			n = lookback
		}
		if window == 0 || n < window {
			window = n
		}
	}
	if window < 2 {
		return nil, fmt.Errorf("need at least 2 aligned observations, got %d", window)
	}

	data := mat.NewDense(window, len(ids), nil)
	for j, id := range ids {
		tail := history[id].Tail(window)
		for i, p := range tail {
			data.Set(i, j, p.Return)
		}
	}

	cov := mat.NewSymDense(len(ids), nil)
	stat.CovarianceMatrix(cov, data, nil)

	// Floor near-zero variances to avoid division blow-up in the solver.
	floor := constraints.VarianceFloor
	if floor <= 0 {
		floor = 1e-8
	}
	for i := 0; i < len(ids); i++ {
		if cov.At(i, i) < floor {
			cov.SetSym(i, i, floor)
		}
	}

	return cov, nil
}

// solve runs the iterative proportional adjustment. Each pass rescales
// every weight by the ratio of target to current risk contribution, then
// renormalizes and clips.
func (a *RiskParityAllocator) solve(cov *mat.SymDense, n int, constraints Constraints) (weights []float64, iterations int, deviation float64, converged bool) {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1.0 / float64(n)
	}

	wv := mat.NewVecDense(n, w)
	var sw mat.VecDense

	for iterations = 1; iterations <= a.MaxIterations; iterations++ {
		sw.MulVec(cov, wv)

		total := 0.0
		rc := make([]float64, n)
		for i := 0; i < n; i++ {
			rc[i] = wv.AtVec(i) * sw.AtVec(i)
			total += rc[i]
		}
		if total <= 0 {
			break
		}
		target := total / float64(n)

		deviation = 0
		for i := 0; i < n; i++ {
			d := math.Abs(rc[i]-target) / target
			if d > deviation {
				deviation = d
			}
		}
		if deviation < a.Tolerance {
			converged = true
			break
		}

		for i := 0; i < n; i++ {
			contribution := math.Max(rc[i], 1e-12)
			wv.SetVec(i, wv.AtVec(i)*target/contribution)
		}
		normalizeAndClipVec(wv, constraints.MaxSingle)
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = wv.AtVec(i)
	}
	return out, iterations, deviation, converged
}

// shrink blends the covariance with its own diagonal:
// Σ' = (1-δ)Σ + δ·diag(Σ).
func shrink(cov *mat.SymDense, delta float64) {
	if delta <= 0 {
		delta = 0.1
	}
	n := cov.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			cov.SetSym(i, j, (1-delta)*cov.At(i, j))
		}
	}
}

// inverseVolatility returns w_i proportional to 1/σ_i.
func inverseVolatility(cov *mat.SymDense, n int) []float64 {
	w := make([]float64, n)
	sum := 0.0
	for i := 0; i < n; i++ {
		sigma := math.Sqrt(math.Max(cov.At(i, i), 1e-12))
		w[i] = 1.0 / sigma
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

func normalizeAndClipVec(wv *mat.VecDense, maxSingle float64) {
	n := wv.Len()
	sum := 0.0
	for i := 0; i < n; i++ {
		v := wv.AtVec(i)
		if v < 0 || math.IsNaN(v) {
			v = 0
			wv.SetVec(i, 0)
		}
		sum += v
	}
	if sum <= 0 {
		for i := 0; i < n; i++ {
			wv.SetVec(i, 1.0/float64(n))
		}
		return
	}
	for i := 0; i < n; i++ {
		v := wv.AtVec(i) / sum
		if maxSingle > 0 && v > maxSingle {
			v = maxSingle
		}
		wv.SetVec(i, v)
	}
}

func toMap(ids []string, w []float64) map[string]float64 {
	out := make(map[string]float64, len(ids))
	for i, id := range ids {
		out[id] = w[i]
	}
	return out
}
