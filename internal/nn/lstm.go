package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// LSTM is a single-layer LSTM cell applied step by step over a
// batch of sequences. Step records per-timestep caches; Backward runs
// truncated backpropagation through everything recorded since the
// last Reset.
//
// Gate layout within the 4h-wide pre-activation: input, forget, cell,
// output.
type LSTM struct {
	In     int
	Hidden int

	Wx *Param // 4h×in
	Wh *Param // 4h×h
	B  *Param // 1×4h

	// per-step caches since Reset
	xs     []*mat.Dense
	hPrevs []*mat.Dense
	cPrevs []*mat.Dense
	gi     []*mat.Dense
	gf     []*mat.Dense
	gg     []*mat.Dense
	gos    []*mat.Dense
	cs     []*mat.Dense
}

// NewLSTM constructs a cell with Kaiming-initialized input and
// recurrent weights and a zero bias.
func NewLSTM(name string, in, hidden int, rng *rand.Rand) *LSTM {
	return &LSTM{
		In:     in,
		Hidden: hidden,
		Wx:     NewParam(name+".wx", 4*hidden, in, in, rng),
		Wh:     NewParam(name+".wh", 4*hidden, hidden, hidden, rng),
		B:      NewZeroParam(name+".b", 1, 4*hidden),
	}
}

// Params returns the learnable parameters.
func (l *LSTM) Params() []*Param {
	return []*Param{l.Wx, l.Wh, l.B}
}

// Reset clears the recorded sequence, starting a fresh forward pass.
func (l *LSTM) Reset() {
	l.xs = l.xs[:0]
	l.hPrevs = l.hPrevs[:0]
	l.cPrevs = l.cPrevs[:0]
	l.gi = l.gi[:0]
	l.gf = l.gf[:0]
	l.gg = l.gg[:0]
	l.gos = l.gos[:0]
	l.cs = l.cs[:0]
}

// ZeroState returns zero hidden and cell states for a batch.
func (l *LSTM) ZeroState(batch int) (h, c *mat.Dense) {
	return mat.NewDense(batch, l.Hidden, nil), mat.NewDense(batch, l.Hidden, nil)
}

func sigmoid(v float64) float64 {
	return 1.0 / (1.0 + math.Exp(-v))
}

// Step advances the cell one timestep for a batch×in input, returning
// the new hidden and cell states.
func (l *LSTM) Step(x, hPrev, cPrev *mat.Dense) (h, c *mat.Dense) {
	batch, _ := x.Dims()
	hd := l.Hidden

	var z mat.Dense
	z.Mul(x, l.Wx.Value.T())
	var zh mat.Dense
	zh.Mul(hPrev, l.Wh.Value.T())
	z.Add(&z, &zh)
	for i := 0; i < batch; i++ {
		for j := 0; j < 4*hd; j++ {
			z.Set(i, j, z.At(i, j)+l.B.Value.At(0, j))
		}
	}

	gi := mat.NewDense(batch, hd, nil)
	gf := mat.NewDense(batch, hd, nil)
	gg := mat.NewDense(batch, hd, nil)
	gout := mat.NewDense(batch, hd, nil)
	c = mat.NewDense(batch, hd, nil)
	h = mat.NewDense(batch, hd, nil)

	for i := 0; i < batch; i++ {
		for j := 0; j < hd; j++ {
			iv := sigmoid(z.At(i, j))
			fv := sigmoid(z.At(i, hd+j))
			gv := math.Tanh(z.At(i, 2*hd+j))
			ov := sigmoid(z.At(i, 3*hd+j))
			cv := fv*cPrev.At(i, j) + iv*gv
			gi.Set(i, j, iv)
			gf.Set(i, j, fv)
			gg.Set(i, j, gv)
			gout.Set(i, j, ov)
			c.Set(i, j, cv)
			h.Set(i, j, ov*math.Tanh(cv))
		}
	}

	l.xs = append(l.xs, x)
	l.hPrevs = append(l.hPrevs, hPrev)
	l.cPrevs = append(l.cPrevs, cPrev)
	l.gi = append(l.gi, gi)
	l.gf = append(l.gf, gf)
	l.gg = append(l.gg, gg)
	l.gos = append(l.gos, gout)
	l.cs = append(l.cs, c)
	return h, c
}

// Backward runs backpropagation through the recorded steps. dhExt[t]
// is the external gradient flowing into h_t (nil for none); dhLast
// and dcLast are gradients into the final states (may be nil). It
// returns the gradients with respect to each step input.
func (l *LSTM) Backward(dhExt []*mat.Dense, dhLast, dcLast *mat.Dense) []*mat.Dense {
	T := len(l.xs)
	if T == 0 {
		return nil
	}
	batch, _ := l.xs[0].Dims()
	hd := l.Hidden

	dh := mat.NewDense(batch, hd, nil)
	dc := mat.NewDense(batch, hd, nil)
	if dhLast != nil {
		dh.Add(dh, dhLast)
	}
	if dcLast != nil {
		dc.Add(dc, dcLast)
	}

	dxs := make([]*mat.Dense, T)
	for t := T - 1; t >= 0; t-- {
		if dhExt != nil && dhExt[t] != nil {
			dh.Add(dh, dhExt[t])
		}
		var dx *mat.Dense
		dx, dh, dc = l.StepBackward(t, dh, dc)
		dxs[t] = dx
	}
	return dxs
}

// StepBackward backpropagates through the single recorded step t given
// the gradients flowing into h_t and c_t, accumulating parameter
// gradients. It returns the gradients with respect to the step input
// and the previous states. Callers that feed step outputs back into
// later inputs use this directly instead of Backward.
func (l *LSTM) StepBackward(t int, dh, dc *mat.Dense) (dx, dhPrev, dcPrev *mat.Dense) {
	batch, _ := l.xs[t].Dims()
	hd := l.Hidden

	dz := mat.NewDense(batch, 4*hd, nil)
	dcPrev = mat.NewDense(batch, hd, nil)
	for i := 0; i < batch; i++ {
		for j := 0; j < hd; j++ {
			iv := l.gi[t].At(i, j)
			fv := l.gf[t].At(i, j)
			gv := l.gg[t].At(i, j)
			ov := l.gos[t].At(i, j)
			cv := l.cs[t].At(i, j)
			tc := math.Tanh(cv)

			dhv := dh.At(i, j)
			dcv := dc.At(i, j) + dhv*ov*(1-tc*tc)

			dz.Set(i, j, dcv*gv*iv*(1-iv))
			dz.Set(i, hd+j, dcv*l.cPrevs[t].At(i, j)*fv*(1-fv))
			dz.Set(i, 2*hd+j, dcv*iv*(1-gv*gv))
			dz.Set(i, 3*hd+j, dhv*tc*ov*(1-ov))
			dcPrev.Set(i, j, dcv*fv)
		}
	}

	var dwx mat.Dense
	dwx.Mul(dz.T(), l.xs[t])
	l.Wx.Grad.Add(l.Wx.Grad, &dwx)
	var dwh mat.Dense
	dwh.Mul(dz.T(), l.hPrevs[t])
	l.Wh.Grad.Add(l.Wh.Grad, &dwh)
	for j := 0; j < 4*hd; j++ {
		sum := l.B.Grad.At(0, j)
		for i := 0; i < batch; i++ {
			sum += dz.At(i, j)
		}
		l.B.Grad.Set(0, j, sum)
	}

	dx = mat.NewDense(batch, l.In, nil)
	dx.Mul(dz, l.Wx.Value)

	dhPrev = mat.NewDense(batch, hd, nil)
	dhPrev.Mul(dz, l.Wh.Value)
	return dx, dhPrev, dcPrev
}
