package nn

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Linear is a fully connected layer y = x Wᵀ + b operating on
// row-major batches (batch×in → batch×out). The same layer instance
// may be applied to many batches within one forward pass (shared
// embedding weights); Backward therefore takes the input it should
// differentiate against rather than caching it.
type Linear struct {
	In  int
	Out int
	W   *Param // out×in
	B   *Param // 1×out
}

// NewLinear constructs a layer with Kaiming initialization.
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	return &Linear{
		In:  in,
		Out: out,
		W:   NewParam(name+".w", out, in, in, rng),
		B:   NewZeroParam(name+".b", 1, out),
	}
}

// Params returns the learnable parameters.
func (l *Linear) Params() []*Param {
	return []*Param{l.W, l.B}
}

// Forward computes y = x Wᵀ + b for a batch×in input.
func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	batch, in := x.Dims()
	if in != l.In {
		panic(fmt.Sprintf("linear %s: input width %d, want %d", l.W.Name, in, l.In))
	}
	y := mat.NewDense(batch, l.Out, nil)
	y.Mul(x, l.W.Value.T())
	for i := 0; i < batch; i++ {
		for j := 0; j < l.Out; j++ {
			y.Set(i, j, y.At(i, j)+l.B.Value.At(0, j))
		}
	}
	return y
}

// Backward accumulates dW and dB for the given (input, output
// gradient) pair and returns the gradient with respect to the input.
func (l *Linear) Backward(x, dy *mat.Dense) *mat.Dense {
	var dw mat.Dense
	dw.Mul(dy.T(), x)
	l.W.Grad.Add(l.W.Grad, &dw)

	batch, _ := dy.Dims()
	for j := 0; j < l.Out; j++ {
		sum := l.B.Grad.At(0, j)
		for i := 0; i < batch; i++ {
			sum += dy.At(i, j)
		}
		l.B.Grad.Set(0, j, sum)
	}

	dx := mat.NewDense(batch, l.In, nil)
	dx.Mul(dy, l.W.Value)
	return dx
}

// LeakyReLU slope for negative inputs.
const leakySlope = 0.01

// LeakyReLU applies the activation element-wise.
func LeakyReLU(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	y := mat.NewDense(r, c, nil)
	y.Apply(func(_, _ int, v float64) float64 {
		if v < 0 {
			return leakySlope * v
		}
		return v
	}, x)
	return y
}

// LeakyReLUBackward routes dy through the activation given the
// pre-activation input x.
func LeakyReLUBackward(x, dy *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	dx := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			g := dy.At(i, j)
			if x.At(i, j) < 0 {
				g *= leakySlope
			}
			dx.Set(i, j, g)
		}
	}
	return dx
}

// MLP is a stack of Linear layers with LeakyReLU between them (none
// after the final layer). Mirrors the reference network builder used
// by every head in the system.
type MLP struct {
	Layers []*Linear

	// caches from the last Forward
	inputs []*mat.Dense // input to each layer (pre-linear)
	pre    []*mat.Dense // pre-activation output of each non-final layer
}

// NewMLP builds an MLP with the given layer widths, e.g.
// dims = [in, hidden, out].
func NewMLP(name string, dims []int, rng *rand.Rand) *MLP {
	if len(dims) < 2 {
		panic("nn: MLP needs at least two dims")
	}
	m := &MLP{}
	for i := 0; i < len(dims)-1; i++ {
		m.Layers = append(m.Layers, NewLinear(fmt.Sprintf("%s.%d", name, i), dims[i], dims[i+1], rng))
	}
	return m
}

// Params returns parameters of all layers.
func (m *MLP) Params() []*Param {
	var out []*Param
	for _, l := range m.Layers {
		out = append(out, l.Params()...)
	}
	return out
}

// Forward runs the stack, caching intermediates for Backward.
func (m *MLP) Forward(x *mat.Dense) *mat.Dense {
	m.inputs = m.inputs[:0]
	m.pre = m.pre[:0]
	cur := x
	for i, l := range m.Layers {
		m.inputs = append(m.inputs, cur)
		y := l.Forward(cur)
		if i < len(m.Layers)-1 {
			m.pre = append(m.pre, y)
			cur = LeakyReLU(y)
		} else {
			cur = y
		}
	}
	return cur
}

// Backward consumes the caches of the last Forward, accumulates layer
// gradients, and returns the gradient with respect to the input.
func (m *MLP) Backward(dy *mat.Dense) *mat.Dense {
	cur := dy
	for i := len(m.Layers) - 1; i >= 0; i-- {
		cur = m.Layers[i].Backward(m.inputs[i], cur)
		if i > 0 {
			cur = LeakyReLUBackward(m.pre[i-1], cur)
		}
	}
	return cur
}
