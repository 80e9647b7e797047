package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// numericalGrad estimates d(loss)/d(param[i,j]) with central
// differences, for gradient checking.
func numericalGrad(p *Param, i, j int, loss func() float64) float64 {
	const eps = 1e-5
	orig := p.Value.At(i, j)
	p.Value.Set(i, j, orig+eps)
	up := loss()
	p.Value.Set(i, j, orig-eps)
	down := loss()
	p.Value.Set(i, j, orig)
	return (up - down) / (2 * eps)
}

func sumAll(m *mat.Dense) float64 {
	r, c := m.Dims()
	var s float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			s += m.At(i, j)
		}
	}
	return s
}

func TestLinearGradcheck(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	l := NewLinear("lin", 3, 2, rng)
	x := mat.NewDense(4, 3, []float64{
		0.1, -0.2, 0.3,
		1.0, 0.5, -0.5,
		-1.2, 0.7, 0.2,
		0.0, 0.3, -0.9,
	})

	// loss = sum of outputs; dy = ones
	loss := func() float64 { return sumAll(l.Forward(x)) }
	y := l.Forward(x)
	dy := mat.NewDense(4, 2, nil)
	dy.Apply(func(_, _ int, _ float64) float64 { return 1 }, y)
	ZeroGrads(l.Params())
	dx := l.Backward(x, dy)

	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			want := numericalGrad(l.W, i, j, loss)
			assert.InDelta(t, want, l.W.Grad.At(i, j), 1e-6, "dW[%d,%d]", i, j)
		}
	}
	for j := 0; j < 2; j++ {
		want := numericalGrad(l.B, 0, j, loss)
		assert.InDelta(t, want, l.B.Grad.At(0, j), 1e-6, "dB[%d]", j)
	}

	// dx check against perturbing the input
	const eps = 1e-5
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			orig := x.At(i, j)
			x.Set(i, j, orig+eps)
			up := sumAll(l.Forward(x))
			x.Set(i, j, orig-eps)
			down := sumAll(l.Forward(x))
			x.Set(i, j, orig)
			assert.InDelta(t, (up-down)/(2*eps), dx.At(i, j), 1e-6, "dx[%d,%d]", i, j)
		}
	}
}

func TestMLPGradcheck(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(2))
	m := NewMLP("mlp", []int{3, 5, 2}, rng)
	x := mat.NewDense(2, 3, []float64{0.4, -0.1, 0.8, -0.3, 0.2, 0.6})

	loss := func() float64 { return sumAll(m.Forward(x)) }
	y := m.Forward(x)
	dy := mat.NewDense(2, 2, nil)
	dy.Apply(func(_, _ int, _ float64) float64 { return 1 }, y)
	ZeroGrads(m.Params())
	m.Backward(dy)

	for _, p := range m.Params() {
		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				want := numericalGrad(p, i, j, loss)
				assert.InDelta(t, want, p.Grad.At(i, j), 1e-5, "%s[%d,%d]", p.Name, i, j)
			}
		}
	}
}

func TestLSTMGradcheck(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(3))
	l := NewLSTM("enc", 2, 3, rng)
	xs := []*mat.Dense{
		mat.NewDense(2, 2, []float64{0.5, -0.2, 0.1, 0.9}),
		mat.NewDense(2, 2, []float64{-0.4, 0.3, 0.7, -0.1}),
		mat.NewDense(2, 2, []float64{0.2, 0.2, -0.6, 0.5}),
	}

	run := func() *mat.Dense {
		l.Reset()
		h, c := l.ZeroState(2)
		for _, x := range xs {
			h, c = l.Step(x, h, c)
		}
		return h
	}
	loss := func() float64 { return sumAll(run()) }

	h := run()
	dh := mat.NewDense(2, 3, nil)
	dh.Apply(func(_, _ int, _ float64) float64 { return 1 }, h)
	ZeroGrads(l.Params())
	l.Backward(nil, dh, nil)

	for _, p := range l.Params() {
		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				want := numericalGrad(p, i, j, loss)
				assert.InDelta(t, want, p.Grad.At(i, j), 1e-5, "%s[%d,%d]", p.Name, i, j)
			}
		}
	}
}

func TestSnapshotRestoreRoundtrip(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(4))
	m := NewMLP("mlp", []int{2, 4, 1}, rng)
	params := m.Params()

	snap := TakeSnapshot(params)
	before := TakeSnapshot(params)

	// mutate
	for _, p := range params {
		p.Value.Scale(3.7, p.Value)
	}
	require.NoError(t, RestoreSnapshot(params, snap))

	after := TakeSnapshot(params)
	require.Equal(t, len(before), len(after))
	for i := range before {
		assert.Equal(t, before[i], after[i], "param %d", i)
	}
}

func TestSnapshotFlattenRoundtrip(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(5))
	l := NewLinear("lin", 3, 2, rng)
	snap := TakeSnapshot(l.Params())
	flat := snap.Flatten()

	back, err := UnflattenSnapshot(l.Params(), flat)
	require.NoError(t, err)
	assert.Equal(t, snap, back)

	_, err = UnflattenSnapshot(l.Params(), flat[:len(flat)-1])
	assert.Error(t, err)
	_, err = UnflattenSnapshot(l.Params(), append(flat, 0))
	assert.Error(t, err)
}

func TestClipGradNorm(t *testing.T) {
	t.Parallel()
	p := NewZeroParam("p", 1, 2)
	p.Grad.Set(0, 0, 3)
	p.Grad.Set(0, 1, 4)

	ClipGradNorm([]*Param{p}, 1.0)
	assert.InDelta(t, 1.0, GradNorm([]*Param{p}), 1e-12)
	assert.InDelta(t, 0.6, p.Grad.At(0, 0), 1e-12)
	assert.InDelta(t, 0.8, p.Grad.At(0, 1), 1e-12)

	// below the limit: untouched
	ClipGradNorm([]*Param{p}, 10)
	assert.InDelta(t, 1.0, GradNorm([]*Param{p}), 1e-12)
}

func TestAdamStepDeterminism(t *testing.T) {
	t.Parallel()

	build := func() (*Linear, *Adam) {
		rng := rand.New(rand.NewSource(6))
		l := NewLinear("lin", 2, 2, rng)
		return l, NewAdam(l.Params(), 0.01)
	}

	l1, a1 := build()
	l2, a2 := build()
	for step := 0; step < 3; step++ {
		for _, l := range []*Linear{l1, l2} {
			l.W.Grad.Apply(func(i, j int, _ float64) float64 { return float64(i+j) + 0.5 }, l.W.Grad)
		}
		a1.Step()
		a2.Step()
	}
	assert.Equal(t, TakeSnapshot(l1.Params()), TakeSnapshot(l2.Params()))
}

func TestHasNaN(t *testing.T) {
	t.Parallel()
	m := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	assert.False(t, HasNaN(m))
	m.Set(1, 1, math.NaN())
	assert.True(t, HasNaN(m))
	m.Set(1, 1, math.Inf(1))
	assert.True(t, HasNaN(m))
}
