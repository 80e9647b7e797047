// Package generator implements the trajectory generator: an LSTM
// encoder over observed displacements, context fusion, latent noise
// injection, and an autoregressive LSTM decoder that emits future
// displacements one step at a time.
package generator

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/forecast-labs/safegan/internal/config"
	"github.com/forecast-labs/safegan/internal/nn"
	"github.com/forecast-labs/safegan/internal/pooling"
	"github.com/forecast-labs/safegan/internal/scene"
)

// Rollout is one sampled future for every agent in a scene.
type Rollout struct {
	// Rel holds the predicted displacement of every agent per step,
	// PredLen matrices of nAgents x 2.
	Rel []*mat.Dense
	// Abs holds the corresponding absolute positions, Abs[t][i] being
	// agent i at prediction step t.
	Abs [][]scene.Point
	// Noise is the latent vector the rollout was conditioned on.
	Noise []float64
}

// Trajectories returns the rollout as one absolute trajectory per
// agent.
func (r *Rollout) Trajectories() [][]scene.Point {
	if len(r.Abs) == 0 {
		return nil
	}
	n := len(r.Abs[0])
	out := make([][]scene.Point, n)
	for i := 0; i < n; i++ {
		traj := make([]scene.Point, len(r.Abs))
		for t := range r.Abs {
			traj[t] = r.Abs[t][i]
		}
		out[i] = traj
	}
	return out
}

// rolloutCache keeps everything Backward needs from the most recent
// Rollout call.
type rolloutCache struct {
	scene      *scene.Scene
	encInputs  []*mat.Dense // observed displacements per encoder step
	lastObsPos []scene.Point
	lastObsVel []scene.Point
	fusionIn   *mat.Dense   // concat(hEnc, ctx) fed to the fusion head
	decInputs  []*mat.Dense // displacement fed to the decoder at each step
	hMixed     []*mat.Dense // decoder hidden after per-step mixing
	stepIns    []*mat.Dense // joint mode: concat(hRaw, ctx_t) per step
	predLen    int
}

// Generator is the full seq2seq model. All randomness flows through
// the rng handed to the constructor, so a fixed seed and latent vector
// reproduce a rollout exactly.
//
// Backward consumes the caches of the most recent Rollout; when
// training picks one sample out of several, rerun Rollout with that
// sample's noise before calling Backward.
type Generator struct {
	ObsLen  int
	PredLen int
	Latent  int
	Mode    string

	EncEmbed   *nn.Linear
	Encoder    *nn.LSTM
	Context    *pooling.ContextModule
	Fusion     *nn.MLP
	DecEmbed   *nn.Linear
	Decoder    *nn.LSTM
	StepFusion *nn.MLP // joint mode only
	Hidden2Pos *nn.Linear

	rng  *rand.Rand
	last *rolloutCache
}

// NewGenerator wires the model from the configured dimensions. The
// decoder hidden width must leave room for the latent vector, since
// noise is injected by concatenation into the initial hidden state.
func NewGenerator(cfg *config.TrainingConfig, tap *pooling.AttentionTap, rng *rand.Rand) (*Generator, error) {
	embDim := cfg.GetEmbeddingDim()
	encH := cfg.GetEncoderHidden()
	decH := cfg.GetDecoderHidden()
	latent := cfg.GetLatentDim()
	mlpDim := cfg.GetMLPDim()
	if latent >= decH {
		return nil, fmt.Errorf("generator: latent dim %d must be smaller than decoder hidden %d", latent, decH)
	}

	ctx, err := pooling.NewContextModule(cfg, tap, rng)
	if err != nil {
		return nil, err
	}

	g := &Generator{
		ObsLen:     cfg.GetObsLen(),
		PredLen:    cfg.GetPredLen(),
		Latent:     latent,
		Mode:       cfg.GetRolloutMode(),
		EncEmbed:   nn.NewLinear("gen_enc_embed", 2, embDim, rng),
		Encoder:    nn.NewLSTM("gen_encoder", embDim, encH, rng),
		Context:    ctx,
		Fusion:     nn.NewMLP("gen_fusion", []int{encH + ctx.Dim(), mlpDim, decH - latent}, rng),
		DecEmbed:   nn.NewLinear("gen_dec_embed", 2, embDim, rng),
		Decoder:    nn.NewLSTM("gen_decoder", embDim, decH, rng),
		Hidden2Pos: nn.NewLinear("gen_hidden2pos", decH, 2, rng),
		rng:        rng,
	}
	if g.Mode == config.RolloutJoint {
		g.StepFusion = nn.NewMLP("gen_step_fusion", []int{decH + ctx.Dim(), mlpDim, decH}, rng)
	}
	return g, nil
}

// Params returns every learnable parameter of the generator,
// including the context poolers.
func (g *Generator) Params() []*nn.Param {
	ps := g.EncEmbed.Params()
	ps = append(ps, g.Encoder.Params()...)
	ps = append(ps, g.Context.Params()...)
	ps = append(ps, g.Fusion.Params()...)
	ps = append(ps, g.DecEmbed.Params()...)
	ps = append(ps, g.Decoder.Params()...)
	if g.StepFusion != nil {
		ps = append(ps, g.StepFusion.Params()...)
	}
	ps = append(ps, g.Hidden2Pos.Params()...)
	return ps
}

// Noise draws a fresh latent vector.
func (g *Generator) Noise() []float64 {
	z := make([]float64, g.Latent)
	for i := range z {
		z[i] = g.rng.NormFloat64()
	}
	return z
}

// obsDisplacements builds the per-step displacement matrices of the
// observed window; step 0 is all zeros.
func obsDisplacements(s *scene.Scene) []*mat.Dense {
	n := len(s.Agents)
	out := make([]*mat.Dense, s.ObsLen)
	for t := 0; t < s.ObsLen; t++ {
		m := mat.NewDense(n, 2, nil)
		if t > 0 {
			for i, ag := range s.Agents {
				d := ag.Obs[t].Sub(ag.Obs[t-1])
				m.Set(i, 0, d.X)
				m.Set(i, 1, d.Y)
			}
		}
		out[t] = m
	}
	return out
}

// Rollout generates one future for the scene conditioned on the
// latent z. The scene must already be validated; z must have exactly
// Latent entries.
func (g *Generator) Rollout(s *scene.Scene, z []float64) (*Rollout, error) {
	if len(z) != g.Latent {
		return nil, fmt.Errorf("generator: latent has %d entries, want %d", len(z), g.Latent)
	}
	if s.ObsLen != g.ObsLen || s.PredLen != g.PredLen {
		return nil, fmt.Errorf("generator: scene %s window %d/%d does not match model %d/%d",
			s.ID, s.ObsLen, s.PredLen, g.ObsLen, g.PredLen)
	}
	n := len(s.Agents)

	cache := &rolloutCache{scene: s, predLen: g.PredLen}

	// encode the observed displacements
	g.Encoder.Reset()
	cache.encInputs = obsDisplacements(s)
	hEnc, cEnc := g.Encoder.ZeroState(n)
	for _, rel := range cache.encInputs {
		hEnc, cEnc = g.Encoder.Step(g.EncEmbed.Forward(rel), hEnc, cEnc)
	}
	_ = cEnc

	// pool the social and physical context at the last observed frame
	cache.lastObsPos = pooling.Positions(s, s.ObsLen-1)
	cache.lastObsVel = pooling.Velocities(s, s.ObsLen-1)
	ctx0 := g.Context.Forward(s, cache.lastObsPos, cache.lastObsVel, s.ObsLen-1)

	fusionIn := hcat(hEnc, ctx0)
	cache.fusionIn = fusionIn
	base := g.Fusion.Forward(fusionIn)

	// initial decoder hidden = fusion output with noise appended
	decH := g.Decoder.Hidden
	h := mat.NewDense(n, decH, nil)
	for i := 0; i < n; i++ {
		for d := 0; d < decH-g.Latent; d++ {
			h.Set(i, d, base.At(i, d))
		}
		for d := 0; d < g.Latent; d++ {
			h.Set(i, decH-g.Latent+d, z[d])
		}
	}
	c := mat.NewDense(n, decH, nil)

	// autoregressive decode
	g.Decoder.Reset()
	lastRel := cache.encInputs[len(cache.encInputs)-1]
	positions := make([]scene.Point, n)
	copy(positions, cache.lastObsPos)

	out := &Rollout{Noise: append([]float64(nil), z...)}
	for t := 0; t < g.PredLen; t++ {
		cache.decInputs = append(cache.decInputs, lastRel)
		hRaw, cNext := g.Decoder.Step(g.DecEmbed.Forward(lastRel), h, c)

		hStep := hRaw
		if g.Mode == config.RolloutJoint {
			vel := make([]scene.Point, n)
			for i := range vel {
				vel[i] = scene.Point{X: lastRel.At(i, 0), Y: lastRel.At(i, 1)}
			}
			ctxT := g.Context.Forward(s, positions, vel, s.ObsLen+t)
			stepIn := hcat(hRaw, ctxT)
			cache.stepIns = append(cache.stepIns, stepIn)
			hStep = g.StepFusion.Forward(stepIn)
		}
		cache.hMixed = append(cache.hMixed, hStep)

		rel := g.Hidden2Pos.Forward(hStep)
		out.Rel = append(out.Rel, rel)
		step := make([]scene.Point, n)
		for i := 0; i < n; i++ {
			positions[i] = scene.Point{X: positions[i].X + rel.At(i, 0), Y: positions[i].Y + rel.At(i, 1)}
			step[i] = positions[i]
		}
		out.Abs = append(out.Abs, step)

		lastRel = rel
		h, c = hStep, cNext
	}

	g.last = cache
	return out, nil
}

// Sample draws k independent rollouts for the scene.
func (g *Generator) Sample(s *scene.Scene, k int) ([]*Rollout, error) {
	out := make([]*Rollout, 0, k)
	for i := 0; i < k; i++ {
		r, err := g.Rollout(s, g.Noise())
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Backward accumulates parameter gradients given the loss gradient
// with respect to each predicted displacement of the most recent
// Rollout. dRel must have PredLen entries of nAgents x 2.
//
// In joint mode the per-step context is treated as a constant; its
// gradient path is cut, while the initial context at the last observed
// frame still trains the poolers.
func (g *Generator) Backward(dRel []*mat.Dense) error {
	cache := g.last
	if cache == nil {
		return fmt.Errorf("generator: backward without a rollout")
	}
	if len(dRel) != cache.predLen {
		return fmt.Errorf("generator: got %d step gradients, want %d", len(dRel), cache.predLen)
	}
	n := len(cache.scene.Agents)
	decH := g.Decoder.Hidden

	dhNext := mat.NewDense(n, decH, nil)
	dcNext := mat.NewDense(n, decH, nil)
	var feedback *mat.Dense // gradient into rel_t via the next step's input embedding

	for t := cache.predLen - 1; t >= 0; t-- {
		dout := mat.DenseCopyOf(dRel[t])
		if feedback != nil {
			dout.Add(dout, feedback)
		}

		dhMixed := g.Hidden2Pos.Backward(cache.hMixed[t], dout)
		dhMixed.Add(dhMixed, dhNext)

		dhRaw := dhMixed
		if g.Mode == config.RolloutJoint {
			g.StepFusion.Forward(cache.stepIns[t])
			dStepIn := g.StepFusion.Backward(dhMixed)
			dhRaw = mat.NewDense(n, decH, nil)
			for i := 0; i < n; i++ {
				for d := 0; d < decH; d++ {
					dhRaw.Set(i, d, dStepIn.At(i, d))
				}
			}
		}

		dx, dhPrev, dcPrev := g.Decoder.StepBackward(t, dhRaw, dcNext)
		feedback = g.DecEmbed.Backward(cache.decInputs[t], dx)
		dhNext, dcNext = dhPrev, dcPrev
	}
	// the remaining feedback targets the last observed displacement,
	// which is data, not a parameter

	// split the initial hidden gradient into fusion output and noise
	dBase := mat.NewDense(n, decH-g.Latent, nil)
	for i := 0; i < n; i++ {
		for d := 0; d < decH-g.Latent; d++ {
			dBase.Set(i, d, dhNext.At(i, d))
		}
	}
	g.Fusion.Forward(cache.fusionIn)
	dFusionIn := g.Fusion.Backward(dBase)

	encH := g.Encoder.Hidden
	dhEnc := mat.NewDense(n, encH, nil)
	dctx := mat.NewDense(n, g.Context.Dim(), nil)
	for i := 0; i < n; i++ {
		for d := 0; d < encH; d++ {
			dhEnc.Set(i, d, dFusionIn.At(i, d))
		}
		for d := 0; d < g.Context.Dim(); d++ {
			dctx.Set(i, d, dFusionIn.At(i, encH+d))
		}
	}

	// repopulate the poolers' caches for the initial context and
	// backpropagate into them
	g.Context.Forward(cache.scene, cache.lastObsPos, cache.lastObsVel, cache.scene.ObsLen-1)
	g.Context.Backward(dctx)

	dxs := g.Encoder.Backward(nil, dhEnc, nil)
	for t, dx := range dxs {
		g.EncEmbed.Backward(cache.encInputs[t], dx)
	}
	return nil
}

// AbsGradToRel converts per-step gradients on absolute positions into
// gradients on displacements. A displacement moves every later
// position, so each entry is the suffix sum of the positional
// gradients.
func AbsGradToRel(dAbs []*mat.Dense) []*mat.Dense {
	out := make([]*mat.Dense, len(dAbs))
	var acc *mat.Dense
	for t := len(dAbs) - 1; t >= 0; t-- {
		if acc == nil {
			acc = mat.DenseCopyOf(dAbs[t])
		} else {
			acc.Add(acc, dAbs[t])
		}
		out[t] = mat.DenseCopyOf(acc)
	}
	return out
}

func hcat(a, b *mat.Dense) *mat.Dense {
	r, ca := a.Dims()
	_, cb := b.Dims()
	out := mat.NewDense(r, ca+cb, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < ca; j++ {
			out.Set(i, j, a.At(i, j))
		}
		for j := 0; j < cb; j++ {
			out.Set(i, ca+j, b.At(i, j))
		}
	}
	return out
}
