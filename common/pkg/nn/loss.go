package nn

import "math"

const probEpsilon = 1e-7

// SparseCategoricalCrossentropy returns -log(probs[label]) and writes the
// gradient of scale times the loss with respect to probs into grad.
// Probabilities are clipped to [1e-7, 1-1e-7].
func SparseCategoricalCrossentropy(probs []float32, label int, grad []float32, scale float32) float32 {
	p := float64(probs[label])
	p = math.Min(math.Max(p, probEpsilon), 1-probEpsilon)
	if grad != nil {
		clear(grad)
		grad[label] = -scale / float32(p)
	}
	return float32(-math.Log(p))
}
