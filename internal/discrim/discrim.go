// Package discrim implements the realism discriminator: an LSTM
// encoder over the full observed-plus-predicted displacement sequence
// and an MLP classifier producing one real/fake logit per agent.
package discrim

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/forecast-labs/safegan/internal/config"
	"github.com/forecast-labs/safegan/internal/nn"
	"github.com/forecast-labs/safegan/internal/scene"
)

// Discriminator scores trajectories. Backward consumes the caches of
// the most recent Score and additionally returns gradients with
// respect to the predicted displacements, which is how the
// adversarial term reaches the generator.
type Discriminator struct {
	ObsLen  int
	PredLen int

	Embed      *nn.Linear
	Encoder    *nn.LSTM
	Classifier *nn.MLP

	inputs []*mat.Dense
	hFinal *mat.Dense
}

// NewDiscriminator builds the network from the configured dimensions.
func NewDiscriminator(cfg *config.TrainingConfig, rng *rand.Rand) *Discriminator {
	embDim := cfg.GetEmbeddingDim()
	encH := cfg.GetEncoderHidden()
	return &Discriminator{
		ObsLen:     cfg.GetObsLen(),
		PredLen:    cfg.GetPredLen(),
		Embed:      nn.NewLinear("disc_embed", 2, embDim, rng),
		Encoder:    nn.NewLSTM("disc_encoder", embDim, encH, rng),
		Classifier: nn.NewMLP("disc_classifier", []int{encH, cfg.GetMLPDim(), 1}, rng),
	}
}

// Params returns the learnable parameters.
func (d *Discriminator) Params() []*nn.Param {
	ps := d.Embed.Params()
	ps = append(ps, d.Encoder.Params()...)
	ps = append(ps, d.Classifier.Params()...)
	return ps
}

// GroundTruthRel builds the per-step displacement matrices of the
// scene's ground-truth future, continuing from the last observed
// position.
func GroundTruthRel(s *scene.Scene) []*mat.Dense {
	n := len(s.Agents)
	out := make([]*mat.Dense, s.PredLen)
	for t := 0; t < s.PredLen; t++ {
		m := mat.NewDense(n, 2, nil)
		for i, ag := range s.Agents {
			prev := ag.Obs[s.ObsLen-1]
			if t > 0 {
				prev = ag.Future[t-1]
			}
			d := ag.Future[t].Sub(prev)
			m.Set(i, 0, d.X)
			m.Set(i, 1, d.Y)
		}
		out[t] = m
	}
	return out
}

// Score encodes the observed displacements followed by predRel and
// classifies the final hidden state, returning one logit per agent.
func (d *Discriminator) Score(s *scene.Scene, predRel []*mat.Dense) (*mat.Dense, error) {
	if s.ObsLen != d.ObsLen || len(predRel) != d.PredLen {
		return nil, fmt.Errorf("discrim: scene %s window %d/%d does not match model %d/%d",
			s.ID, s.ObsLen, len(predRel), d.ObsLen, d.PredLen)
	}
	n := len(s.Agents)

	d.inputs = d.inputs[:0]
	for t := 0; t < s.ObsLen; t++ {
		m := mat.NewDense(n, 2, nil)
		if t > 0 {
			for i, ag := range s.Agents {
				dp := ag.Obs[t].Sub(ag.Obs[t-1])
				m.Set(i, 0, dp.X)
				m.Set(i, 1, dp.Y)
			}
		}
		d.inputs = append(d.inputs, m)
	}
	d.inputs = append(d.inputs, predRel...)

	d.Encoder.Reset()
	h, c := d.Encoder.ZeroState(n)
	for _, x := range d.inputs {
		h, c = d.Encoder.Step(d.Embed.Forward(x), h, c)
	}
	d.hFinal = h
	return d.Classifier.Forward(h), nil
}

// Backward accumulates parameter gradients from the logit gradient of
// the most recent Score and returns the gradients with respect to the
// predicted displacement steps.
func (d *Discriminator) Backward(dLogits *mat.Dense) []*mat.Dense {
	dh := d.Classifier.Backward(dLogits)
	dxs := d.Encoder.Backward(nil, dh, nil)

	dRel := make([]*mat.Dense, d.PredLen)
	for t, dx := range dxs {
		din := d.Embed.Backward(d.inputs[t], dx)
		if t >= d.ObsLen {
			dRel[t-d.ObsLen] = din
		}
	}
	return dRel
}
