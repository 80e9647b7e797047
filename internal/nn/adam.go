package nn

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adam holds optimizer state for one parameter set. One Adam instance
// per network; the training loop owns the update order.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	params []*Param
	m      []*mat.Dense
	v      []*mat.Dense
	t      int
}

// NewAdam constructs an optimizer over params with the usual moment
// defaults.
func NewAdam(params []*Param, lr float64) *Adam {
	a := &Adam{
		LR:     lr,
		Beta1:  0.9,
		Beta2:  0.999,
		Eps:    1e-8,
		params: params,
	}
	for _, p := range params {
		r, c := p.Value.Dims()
		a.m = append(a.m, mat.NewDense(r, c, nil))
		a.v = append(a.v, mat.NewDense(r, c, nil))
	}
	return a
}

// Step applies one Adam update using the accumulated gradients.
func (a *Adam) Step() {
	a.t++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, p := range a.params {
		r, c := p.Value.Dims()
		for x := 0; x < r; x++ {
			for y := 0; y < c; y++ {
				g := p.Grad.At(x, y)
				m := a.Beta1*a.m[i].At(x, y) + (1-a.Beta1)*g
				v := a.Beta2*a.v[i].At(x, y) + (1-a.Beta2)*g*g
				a.m[i].Set(x, y, m)
				a.v[i].Set(x, y, v)
				mHat := m / bc1
				vHat := v / bc2
				p.Value.Set(x, y, p.Value.At(x, y)-a.LR*mHat/(math.Sqrt(vHat)+a.Eps))
			}
		}
	}
}

// ZeroGrads clears the gradients of the managed params.
func (a *Adam) ZeroGrads() {
	ZeroGrads(a.params)
}
