// Package critic implements the collision-risk oracle. It has two
// faces: a learned head trained to predict collision labels, used as
// a loss signal during training, and an analytic proximity penalty
// with exact gradients, used both for reward shaping and as the
// inference-time pruning filter.
package critic

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/forecast-labs/safegan/internal/config"
	"github.com/forecast-labs/safegan/internal/nn"
	"github.com/forecast-labs/safegan/internal/scene"
)

// Critic scores candidate futures for collision risk.
type Critic struct {
	ObsLen  int
	PredLen int

	// CollisionThreshold is the agent-pair separation below which the
	// penalty engages; OccupancyThreshold the same for obstacles.
	CollisionThreshold float64
	OccupancyThreshold float64
	// Aggregation is sum or max. Sum accumulates every near miss over
	// the horizon; max scores only the single worst moment.
	Aggregation string

	Embed   *nn.Linear
	Encoder *nn.LSTM
	Head    *nn.MLP

	inputs []*mat.Dense
}

// NewCritic builds the learned head from the configured dimensions.
func NewCritic(cfg *config.TrainingConfig, rng *rand.Rand) (*Critic, error) {
	agg := cfg.GetCriticAggregation()
	if agg != config.AggregateSum && agg != config.AggregateMax {
		return nil, fmt.Errorf("critic: unknown aggregation %q", agg)
	}
	embDim := cfg.GetEmbeddingDim()
	encH := cfg.GetEncoderHidden()
	return &Critic{
		ObsLen:             cfg.GetObsLen(),
		PredLen:            cfg.GetPredLen(),
		CollisionThreshold: cfg.GetCollisionThreshold(),
		OccupancyThreshold: cfg.GetOccupancyThreshold(),
		Aggregation:        agg,
		Embed:              nn.NewLinear("critic_embed", 2, embDim, rng),
		Encoder:            nn.NewLSTM("critic_encoder", embDim, encH, rng),
		Head:               nn.NewMLP("critic_head", []int{encH, cfg.GetMLPDim(), 1}, rng),
	}, nil
}

// Params returns the learnable parameters of the learned head.
func (c *Critic) Params() []*nn.Param {
	ps := c.Embed.Params()
	ps = append(ps, c.Encoder.Params()...)
	ps = append(ps, c.Head.Params()...)
	return ps
}

// Score encodes the observed displacements followed by predRel and
// returns one collision-risk logit per agent. Backward consumes the
// caches of the most recent Score.
func (c *Critic) Score(s *scene.Scene, predRel []*mat.Dense) (*mat.Dense, error) {
	if s.ObsLen != c.ObsLen || len(predRel) != c.PredLen {
		return nil, fmt.Errorf("critic: scene %s window %d/%d does not match model %d/%d",
			s.ID, s.ObsLen, len(predRel), c.ObsLen, c.PredLen)
	}
	n := len(s.Agents)

	c.inputs = c.inputs[:0]
	for t := 0; t < s.ObsLen; t++ {
		m := mat.NewDense(n, 2, nil)
		if t > 0 {
			for i, ag := range s.Agents {
				dp := ag.Obs[t].Sub(ag.Obs[t-1])
				m.Set(i, 0, dp.X)
				m.Set(i, 1, dp.Y)
			}
		}
		c.inputs = append(c.inputs, m)
	}
	c.inputs = append(c.inputs, predRel...)

	c.Encoder.Reset()
	h, cell := c.Encoder.ZeroState(n)
	for _, x := range c.inputs {
		h, cell = c.Encoder.Step(c.Embed.Forward(x), h, cell)
	}
	return c.Head.Forward(h), nil
}

// Backward accumulates parameter gradients from the logit gradient of
// the most recent Score.
func (c *Critic) Backward(dLogits *mat.Dense) {
	dh := c.Head.Backward(dLogits)
	dxs := c.Encoder.Backward(nil, dh, nil)
	for t, dx := range dxs {
		c.Embed.Backward(c.inputs[t], dx)
	}
}

// pairTerm is the smooth hinge on one separation distance: zero at or
// beyond the threshold, rising quadratically to 1 at contact.
func pairTerm(d, threshold float64) float64 {
	if d >= threshold {
		return 0
	}
	v := 1 - d/threshold
	return v * v
}

// ProximityPenalty computes the analytic risk of a candidate rollout:
// a smooth hinge per agent pair and agent-obstacle pair per predicted
// timestep, aggregated per the configured policy. trajs holds one
// absolute trajectory per agent (each PredLen long). The returned
// gradient has one nAgents x 2 matrix per timestep and is exact, so
// the penalty can be used directly as a training loss term.
func (c *Critic) ProximityPenalty(trajs [][]scene.Point, obstacles []scene.Point) (float64, []*mat.Dense) {
	n := len(trajs)
	if n == 0 {
		return 0, nil
	}
	steps := len(trajs[0])
	grads := make([]*mat.Dense, steps)
	for t := range grads {
		grads[t] = mat.NewDense(n, 2, nil)
	}

	type contrib struct {
		term      float64
		t         int
		i, j      int // j < 0 for an obstacle pair
		gx, gy    float64
		threshold float64
		d         float64
	}
	var terms []contrib

	for t := 0; t < steps; t++ {
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				d := trajs[i][t].Dist(trajs[j][t])
				if v := pairTerm(d, c.CollisionThreshold); v > 0 {
					terms = append(terms, contrib{term: v, t: t, i: i, j: j, d: d, threshold: c.CollisionThreshold})
				}
			}
			for _, o := range obstacles {
				d := trajs[i][t].Dist(o)
				if v := pairTerm(d, c.OccupancyThreshold); v > 0 {
					terms = append(terms, contrib{term: v, t: t, i: i, j: -1, d: d, threshold: c.OccupancyThreshold,
						gx: trajs[i][t].X - o.X, gy: trajs[i][t].Y - o.Y})
				}
			}
		}
	}
	if len(terms) == 0 {
		return 0, grads
	}

	apply := func(ct contrib, scale float64) {
		if ct.d == 0 {
			return // coincident points have no defined direction
		}
		// d(term)/d(dist) scaled into cartesian components
		g := scale * -2 * (1 - ct.d/ct.threshold) / ct.threshold / ct.d
		if ct.j >= 0 {
			dx := trajs[ct.i][ct.t].X - trajs[ct.j][ct.t].X
			dy := trajs[ct.i][ct.t].Y - trajs[ct.j][ct.t].Y
			grads[ct.t].Set(ct.i, 0, grads[ct.t].At(ct.i, 0)+g*dx)
			grads[ct.t].Set(ct.i, 1, grads[ct.t].At(ct.i, 1)+g*dy)
			grads[ct.t].Set(ct.j, 0, grads[ct.t].At(ct.j, 0)-g*dx)
			grads[ct.t].Set(ct.j, 1, grads[ct.t].At(ct.j, 1)-g*dy)
		} else {
			grads[ct.t].Set(ct.i, 0, grads[ct.t].At(ct.i, 0)+g*ct.gx)
			grads[ct.t].Set(ct.i, 1, grads[ct.t].At(ct.i, 1)+g*ct.gy)
		}
	}

	var total float64
	if c.Aggregation == config.AggregateMax {
		worst := terms[0]
		for _, ct := range terms[1:] {
			if ct.term > worst.term {
				worst = ct
			}
		}
		total = worst.term
		apply(worst, 1)
	} else {
		for _, ct := range terms {
			total += ct.term
			apply(ct, 1)
		}
	}
	return total, grads
}

// Risk is the scene-level analytic risk of a candidate, used by the
// pruning filter. The learned head shapes training; this score is
// deterministic and calibrated in physical units, which is what
// candidate comparison needs.
func (c *Critic) Risk(trajs [][]scene.Point, obstacles []scene.Point) float64 {
	v, _ := c.ProximityPenalty(trajs, obstacles)
	return v
}

// SelectSafest returns the index of the lowest risk score; ties go to
// the lowest index. ok is false when every candidate exceeds limit
// (limit <= 0 disables the threshold), signalling the caller to
// resample.
func SelectSafest(risks []float64, limit float64) (idx int, ok bool) {
	if len(risks) == 0 {
		return -1, false
	}
	best := 0
	for i, r := range risks[1:] {
		if r < risks[best] {
			best = i + 1
		}
	}
	if limit > 0 && risks[best] > limit {
		return best, false
	}
	return best, true
}

// LearnedRisk folds the head's per-agent probabilities into one scene
// score under the configured aggregation.
func (c *Critic) LearnedRisk(logits *mat.Dense) float64 {
	probs := nn.Sigmoid(logits)
	n, _ := probs.Dims()
	if c.Aggregation == config.AggregateMax {
		var m float64
		for i := 0; i < n; i++ {
			m = math.Max(m, probs.At(i, 0))
		}
		return m
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += probs.At(i, 0)
	}
	return sum
}
