package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Sigmoid applies the logistic function elementwise.
func Sigmoid(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, sigmoid(m.At(i, j)))
		}
	}
	return out
}

// BCEWithLogits returns the mean binary cross-entropy of a column of
// logits against per-row targets, together with the gradient with
// respect to the logits. Uses the numerically stable formulation, so
// large logits do not overflow.
func BCEWithLogits(logits *mat.Dense, targets []float64) (float64, *mat.Dense) {
	n, _ := logits.Dims()
	grad := mat.NewDense(n, 1, nil)
	var loss float64
	for i := 0; i < n; i++ {
		z := logits.At(i, 0)
		y := targets[i]
		loss += math.Max(z, 0) - z*y + math.Log1p(math.Exp(-math.Abs(z)))
		grad.Set(i, 0, (sigmoid(z)-y)/float64(n))
	}
	return loss / float64(n), grad
}
