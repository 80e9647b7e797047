package pooling

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/forecast-labs/safegan/internal/config"
	"github.com/forecast-labs/safegan/internal/nn"
)

// Pooler embeds each offset row with a shared linear layer followed by
// a leaky ReLU, then reduces the resulting set to a single vector.
// The reduction is one of max, sum, or attention; attention also
// exposes its softmax weights so they can be recorded for inspection.
// Every reduction accumulates in a canonical order, so the output is
// bit-identical for any permutation of the same offset multiset.
//
// Backward consumes the caches of the most recent Forward. Offsets are
// raw geometry and receive no gradient.
type Pooler struct {
	Type     string
	InDim    int
	OutDim   int
	Embed    *nn.Linear
	Score    *nn.Linear // attention only: OutDim -> 1

	// caches from the last Forward, one entry per agent
	offsets []*mat.Dense // nOffsets x InDim, nil when the set is empty
	pre     []*mat.Dense // pre-activation embeddings
	act     []*mat.Dense // post-activation embeddings
	argmax  [][]int      // max: winning offset index per output dim
	weights [][]float64  // attention: softmax weights
}

// NewPooler builds a pooler of the given reduction type. The score
// head is only allocated for attention.
func NewPooler(typ string, inDim, outDim int, rng *rand.Rand) (*Pooler, error) {
	p := &Pooler{Type: typ, InDim: inDim, OutDim: outDim}
	switch typ {
	case config.PoolingMax, config.PoolingSum:
	case config.PoolingAttention:
		p.Score = nn.NewLinear("pool_score", outDim, 1, rng)
	default:
		return nil, fmt.Errorf("pooling: unknown reduction %q", typ)
	}
	p.Embed = nn.NewLinear("pool_embed", inDim, outDim, rng)
	return p, nil
}

// Params returns the learned parameters of the pooler.
func (p *Pooler) Params() []*nn.Param {
	ps := p.Embed.Params()
	if p.Score != nil {
		ps = append(ps, p.Score.Params()...)
	}
	return ps
}

// Forward reduces each agent's offset rows to a single OutDim vector.
// offsets holds one flat row-major slice per agent, with len a
// multiple of InDim. The result is nAgents x OutDim; empty sets reduce
// to zero vectors.
func (p *Pooler) Forward(offsets [][]float64) *mat.Dense {
	n := len(offsets)
	out := mat.NewDense(n, p.OutDim, nil)
	p.offsets = make([]*mat.Dense, n)
	p.pre = make([]*mat.Dense, n)
	p.act = make([]*mat.Dense, n)
	p.argmax = make([][]int, n)
	p.weights = make([][]float64, n)

	for a, flat := range offsets {
		k := len(flat) / p.InDim
		if k == 0 {
			continue
		}
		x := mat.NewDense(k, p.InDim, flat)
		pre := p.Embed.Forward(x)
		act := nn.LeakyReLU(pre)
		p.offsets[a] = x
		p.pre[a] = pre
		p.act[a] = act

		switch p.Type {
		case config.PoolingMax:
			idx := make([]int, p.OutDim)
			for d := 0; d < p.OutDim; d++ {
				best := 0
				for i := 1; i < k; i++ {
					if act.At(i, d) > act.At(best, d) {
						best = i
					}
				}
				idx[d] = best
				out.Set(a, d, act.At(best, d))
			}
			p.argmax[a] = idx
		case config.PoolingSum:
			terms := make([]float64, k)
			for d := 0; d < p.OutDim; d++ {
				for i := 0; i < k; i++ {
					terms[i] = act.At(i, d)
				}
				out.Set(a, d, orderedSum(terms))
			}
		case config.PoolingAttention:
			w := p.attend(act)
			p.weights[a] = w
			terms := make([]float64, k)
			for d := 0; d < p.OutDim; d++ {
				for i := 0; i < k; i++ {
					terms[i] = w[i] * act.At(i, d)
				}
				out.Set(a, d, orderedSum(terms))
			}
		}
	}
	return out
}

// attend scores each embedded offset and normalizes with a softmax.
func (p *Pooler) attend(act *mat.Dense) []float64 {
	k, _ := act.Dims()
	scores := p.Score.Forward(act) // k x 1
	maxS := scores.At(0, 0)
	for i := 1; i < k; i++ {
		if scores.At(i, 0) > maxS {
			maxS = scores.At(i, 0)
		}
	}
	w := make([]float64, k)
	for i := 0; i < k; i++ {
		w[i] = math.Exp(scores.At(i, 0) - maxS)
	}
	sum := orderedSum(w)
	for i := range w {
		w[i] /= sum
	}
	return w
}

// orderedSum adds the terms in ascending order so that the result is
// identical for any permutation of the same multiset.
func orderedSum(terms []float64) float64 {
	sorted := append([]float64(nil), terms...)
	sort.Float64s(sorted)
	var s float64
	for _, v := range sorted {
		s += v
	}
	return s
}

// Weights returns the attention weights of the most recent Forward,
// one slice per agent (nil for non-attention reductions or empty
// sets).
func (p *Pooler) Weights() [][]float64 {
	return p.weights
}

// Backward accumulates parameter gradients given the gradient of the
// loss with respect to the pooled output (nAgents x OutDim).
func (p *Pooler) Backward(dout *mat.Dense) {
	n := len(p.offsets)
	for a := 0; a < n; a++ {
		x := p.offsets[a]
		if x == nil {
			continue
		}
		k, _ := x.Dims()
		dact := mat.NewDense(k, p.OutDim, nil)

		switch p.Type {
		case config.PoolingMax:
			for d := 0; d < p.OutDim; d++ {
				dact.Set(p.argmax[a][d], d, dout.At(a, d))
			}
		case config.PoolingSum:
			for d := 0; d < p.OutDim; d++ {
				g := dout.At(a, d)
				for i := 0; i < k; i++ {
					dact.Set(i, d, g)
				}
			}
		case config.PoolingAttention:
			w := p.weights[a]
			act := p.act[a]
			// direct path through the weighted sum
			for i := 0; i < k; i++ {
				for d := 0; d < p.OutDim; d++ {
					dact.Set(i, d, w[i]*dout.At(a, d))
				}
			}
			// path through the softmax scores
			g := make([]float64, k) // dL/dw_i before softmax jacobian
			for i := 0; i < k; i++ {
				for d := 0; d < p.OutDim; d++ {
					g[i] += dout.At(a, d) * act.At(i, d)
				}
			}
			var gBar float64
			for i := 0; i < k; i++ {
				gBar += w[i] * g[i]
			}
			ds := mat.NewDense(k, 1, nil)
			for i := 0; i < k; i++ {
				ds.Set(i, 0, w[i]*(g[i]-gBar))
			}
			dFromScore := p.Score.Backward(act, ds)
			dact.Add(dact, dFromScore)
		}

		dpre := nn.LeakyReLUBackward(p.pre[a], dact)
		p.Embed.Backward(x, dpre)
	}
}
