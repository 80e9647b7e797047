// Package nn is the numeric substrate for the forecasting networks:
// dense layers, an LSTM cell, small MLPs, and an Adam optimizer, all
// over gonum dense matrices with explicit gradient accumulation.
//
// Convention: a layer's Backward consumes the caches of its most
// recent Forward. Callers that need gradients for an earlier forward
// pass re-run that pass first (forwards are deterministic given
// parameters and inputs).
package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is one learnable parameter matrix with its accumulated
// gradient. Optimizer steps are the only mutation path for Value.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParam allocates a parameter with Kaiming-normal initialization
// scaled by the fan-in, drawn from rng so construction is
// reproducible.
func NewParam(name string, rows, cols int, fanIn int, rng *rand.Rand) *Param {
	data := make([]float64, rows*cols)
	std := math.Sqrt(2.0 / float64(fanIn))
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, data),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// NewZeroParam allocates a zero-initialized parameter (biases).
func NewZeroParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// ZeroGrads clears the accumulated gradients of all params.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.Grad.Zero()
	}
}

// GradNorm returns the global L2 norm across all gradients.
func GradNorm(params []*Param) float64 {
	var sum float64
	for _, p := range params {
		raw := p.Grad.RawMatrix()
		for i := 0; i < raw.Rows; i++ {
			row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
			for _, v := range row {
				sum += v * v
			}
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales all gradients so their global L2 norm does not
// exceed maxNorm. A non-positive maxNorm disables clipping.
func ClipGradNorm(params []*Param, maxNorm float64) {
	if maxNorm <= 0 {
		return
	}
	norm := GradNorm(params)
	if norm <= maxNorm || norm == 0 {
		return
	}
	scale := maxNorm / norm
	for _, p := range params {
		p.Grad.Scale(scale, p.Grad)
	}
}

// AnyNaN reports whether any parameter value or gradient is NaN or Inf.
func AnyNaN(params []*Param) bool {
	for _, p := range params {
		if HasNaN(p.Value) || HasNaN(p.Grad) {
			return true
		}
	}
	return false
}

// HasNaN reports whether m contains a NaN or Inf entry.
func HasNaN(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}

// Snapshot is a copy of parameter values, used for all-or-nothing
// step commits and for checkpoint serialization.
type Snapshot [][]float64

// TakeSnapshot copies the values of all params, in order.
func TakeSnapshot(params []*Param) Snapshot {
	snap := make(Snapshot, len(params))
	for i, p := range params {
		raw := p.Value.RawMatrix()
		buf := make([]float64, raw.Rows*raw.Cols)
		for r := 0; r < raw.Rows; r++ {
			copy(buf[r*raw.Cols:(r+1)*raw.Cols], raw.Data[r*raw.Stride:r*raw.Stride+raw.Cols])
		}
		snap[i] = buf
	}
	return snap
}

// RestoreSnapshot writes a snapshot back into the params it was taken
// from. Shapes must match.
func RestoreSnapshot(params []*Param, snap Snapshot) error {
	if len(params) != len(snap) {
		return fmt.Errorf("snapshot has %d params, want %d", len(snap), len(params))
	}
	for i, p := range params {
		r, c := p.Value.Dims()
		if len(snap[i]) != r*c {
			return fmt.Errorf("snapshot param %d has %d values, want %d", i, len(snap[i]), r*c)
		}
		p.Value.SetRawMatrix(mat.NewDense(r, c, append([]float64(nil), snap[i]...)).RawMatrix())
	}
	return nil
}

// Flatten concatenates all snapshot values into one vector, for
// opaque-blob persistence.
func (s Snapshot) Flatten() []float64 {
	var n int
	for _, buf := range s {
		n += len(buf)
	}
	out := make([]float64, 0, n)
	for _, buf := range s {
		out = append(out, buf...)
	}
	return out
}

// UnflattenSnapshot splits a flat vector back into a snapshot matching
// the shapes of params.
func UnflattenSnapshot(params []*Param, flat []float64) (Snapshot, error) {
	snap := make(Snapshot, len(params))
	off := 0
	for i, p := range params {
		r, c := p.Value.Dims()
		n := r * c
		if off+n > len(flat) {
			return nil, fmt.Errorf("flat vector too short: have %d, need at least %d", len(flat), off+n)
		}
		snap[i] = append([]float64(nil), flat[off:off+n]...)
		off += n
	}
	if off != len(flat) {
		return nil, fmt.Errorf("flat vector too long: %d values unused", len(flat)-off)
	}
	return snap, nil
}
