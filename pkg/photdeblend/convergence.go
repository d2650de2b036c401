package photdeblend

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

func chainLength(chains [][]float64) int {
	if len(chains) == 0 {
		return 0
	}
	n := len(chains[0])
	for _, c := range chains[1:] {
		n = min(n, len(c))
	}
	return n
}

// SplitRhat computes the potential scale reduction over chains split in
// half. Chains are truncated to the shortest one.
func SplitRhat(chains [][]float64) float64 {
	n := chainLength(chains)
	half := n / 2
	if half < 2 {
		return math.NaN()
	}
	split := make([][]float64, 0, 2*len(chains))
	for _, c := range chains {
		split = append(split, c[:half], c[n-half:n])
	}
	means := make([]float64, len(split))
	vars := make([]float64, len(split))
	for i, c := range split {
		means[i], vars[i] = stat.MeanVariance(c, nil)
	}
	w := stat.Mean(vars, nil)
	if w == 0 || math.IsNaN(w) {
		return math.NaN()
	}
	b := stat.Variance(means, nil)
	varPlus := float64(half-1)/float64(half)*w + b
	return math.Sqrt(varPlus / w)
}

// autocovariance returns the biased autocovariance of x at lags 0..len(x)-1,
// computed through a zero-padded real FFT.
func autocovariance(x []float64) []float64 {
	n := len(x)
	size := 2 * n
	mean := stat.Mean(x, nil)
	padded := make([]float64, size)
	for i, v := range x {
		padded[i] = v - mean
	}
	fft := fourier.NewFFT(size)
	coeffs := fft.Coefficients(nil, padded)
	for i, c := range coeffs {
		re, im := real(c), imag(c)
		coeffs[i] = complex(re*re+im*im, 0)
	}
	seq := fft.Sequence(nil, coeffs)
	out := make([]float64, n)
	for i := range out {
		out[i] = seq[i] / float64(size) / float64(n)
	}
	return out
}

// EffectiveSampleSize estimates the number of independent draws across
// chains with Geyer's initial monotone sequence.
func EffectiveSampleSize(chains [][]float64) float64 {
	m := len(chains)
	n := chainLength(chains)
	if m == 0 || n < 4 {
		return math.NaN()
	}
	acov := make([][]float64, m)
	means := make([]float64, m)
	vars := make([]float64, m)
	for i, c := range chains {
		c = c[:n]
		acov[i] = autocovariance(c)
		means[i] = stat.Mean(c, nil)
		vars[i] = acov[i][0] * float64(n) / float64(n-1)
	}
	meanVar := stat.Mean(vars, nil)
	varPlus := meanVar * float64(n-1) / float64(n)
	if m > 1 {
		varPlus += stat.Variance(means, nil)
	}
	if varPlus == 0 || math.IsNaN(varPlus) {
		return math.NaN()
	}
	meanAcov := func(t int) float64 {
		s := 0.0
		for _, a := range acov {
			s += a[t]
		}
		return s / float64(m)
	}

	rho := make([]float64, n)
	rho[0] = 1
	rhoEven := 1.0
	rhoOdd := 1 - (meanVar-meanAcov(1))/varPlus
	rho[1] = rhoOdd

	t := 1
	for t < n-5 && rhoEven+rhoOdd > 0 {
		rhoEven = 1 - (meanVar-meanAcov(t+1))/varPlus
		rhoOdd = 1 - (meanVar-meanAcov(t+2))/varPlus
		if rhoEven+rhoOdd >= 0 {
			rho[t+1] = rhoEven
			rho[t+2] = rhoOdd
		}
		t += 2
	}
	maxT := t
	if rhoEven > 0 {
		rho[maxT+1] = rhoEven
	}

	for t = 1; t <= maxT-3; t += 2 {
		if rho[t+1]+rho[t+2] > rho[t-1]+rho[t] {
			rho[t+1] = (rho[t-1] + rho[t]) / 2
			rho[t+2] = rho[t+1]
		}
	}

	total := float64(m * n)
	sum := 0.0
	for _, r := range rho[:maxT] {
		sum += r
	}
	tau := -1 + 2*sum + rho[maxT+1]
	tau = math.Max(tau, 1/math.Log10(total))
	return total / tau
}

// Percentile returns the p-th percentile (0-100) of values with linear
// interpolation. values is not modified.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(p/100, stat.LinInterp, sorted, nil)
}

// summarize builds a summary row from the per-chain traces of one element.
func summarize(name string, index []int, traces [][]float64) SummaryRow {
	var all []float64
	for _, t := range traces {
		all = append(all, t...)
	}
	sort.Float64s(all)
	row := SummaryRow{Name: name, Index: index}
	if len(all) == 0 {
		row.Mean, row.SD = math.NaN(), math.NaN()
		row.Q5, row.Q50, row.Q95 = math.NaN(), math.NaN(), math.NaN()
		row.Rhat, row.ESS = math.NaN(), math.NaN()
		return row
	}
	row.Mean, row.SD = stat.MeanStdDev(all, nil)
	row.Q5 = stat.Quantile(0.05, stat.LinInterp, all, nil)
	row.Q50 = stat.Quantile(0.5, stat.LinInterp, all, nil)
	row.Q95 = stat.Quantile(0.95, stat.LinInterp, all, nil)
	row.Rhat = SplitRhat(traces)
	row.ESS = EffectiveSampleSize(traces)
	return row
}
