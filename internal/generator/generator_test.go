package generator

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/forecast-labs/safegan/internal/config"
	"github.com/forecast-labs/safegan/internal/nn"
	"github.com/forecast-labs/safegan/internal/scene"
)

func intp(v int) *int       { return &v }
func strp(v string) *string { return &v }

func tinyConfig() *config.TrainingConfig {
	return &config.TrainingConfig{
		ObsLen:        intp(3),
		PredLen:       intp(2),
		EmbeddingDim:  intp(3),
		EncoderHidden: intp(4),
		DecoderHidden: intp(5),
		MLPDim:        intp(4),
		BottleneckDim: intp(4),
		LatentDim:     intp(2),
		PoolingType:   strp(config.PoolingSum),
	}
}

func testScene() *scene.Scene {
	pts := func(xy ...float64) []scene.Point {
		out := make([]scene.Point, len(xy)/2)
		for i := range out {
			out[i] = scene.Point{X: xy[2*i], Y: xy[2*i+1]}
		}
		return out
	}
	return &scene.Scene{
		ID:      "gen-test",
		ObsLen:  3,
		PredLen: 2,
		Agents: []scene.Agent{
			{ID: "a", Obs: pts(0, 0, 0.1, 0, 0.2, 0.05), Future: pts(0.3, 0.1, 0.4, 0.1)},
			{ID: "b", Obs: pts(1, 1, 0.95, 0.9, 0.9, 0.8), Future: pts(0.85, 0.7, 0.8, 0.6)},
		},
		Obstacles: []scene.Point{{X: 0.5, Y: 0.5}},
	}
}

func TestRolloutShapesAndDeterminism(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator(tinyConfig(), nil, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	s := testScene()

	z := []float64{0.3, -0.7}
	r1, err := g.Rollout(s, z)
	require.NoError(t, err)
	require.Len(t, r1.Rel, 2)
	require.Len(t, r1.Abs, 2)
	rows, cols := r1.Rel[0].Dims()
	assert.Equal(t, 2, rows)
	assert.Equal(t, 2, cols)

	r2, err := g.Rollout(s, z)
	require.NoError(t, err)
	for t2 := range r1.Abs {
		for i := range r1.Abs[t2] {
			assert.Equal(t, r1.Abs[t2][i], r2.Abs[t2][i], "same latent must reproduce the rollout")
		}
	}

	r3, err := g.Rollout(s, []float64{2.5, 1.5})
	require.NoError(t, err)
	assert.NotEqual(t, r1.Abs[1][0], r3.Abs[1][0], "different latents should diverge")
}

func TestRolloutRejectsBadInput(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator(tinyConfig(), nil, rand.New(rand.NewSource(5)))
	require.NoError(t, err)

	_, err = g.Rollout(testScene(), []float64{1})
	assert.Error(t, err, "latent size mismatch")

	short := testScene()
	short.ObsLen = 2
	_, err = g.Rollout(short, []float64{0, 0})
	assert.Error(t, err, "window mismatch")

	cfg := tinyConfig()
	cfg.LatentDim = intp(5)
	_, err = NewGenerator(cfg, nil, rand.New(rand.NewSource(5)))
	assert.Error(t, err, "latent must fit inside the decoder hidden state")
}

func TestSampleCount(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator(tinyConfig(), nil, rand.New(rand.NewSource(9)))
	require.NoError(t, err)

	rollouts, err := g.Sample(testScene(), 4)
	require.NoError(t, err)
	require.Len(t, rollouts, 4)
	assert.NotEqual(t, rollouts[0].Noise, rollouts[1].Noise)

	trajs := rollouts[0].Trajectories()
	require.Len(t, trajs, 2)
	assert.Len(t, trajs[0], 2)

	// Distinct latent samples must reach the predicted positions, not
	// just the noise vectors.
	distinct := false
	for _, r := range rollouts[1:] {
		if !assert.ObjectsAreEqual(trajs, r.Trajectories()) {
			distinct = true
			break
		}
	}
	assert.True(t, distinct, "candidate trajectories all identical across latent samples")
}

// TestGeneratorGradcheck verifies the full backward pass, including
// the decoder's autoregressive feedback and the context poolers,
// against central differences.
func TestGeneratorGradcheck(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator(tinyConfig(), nil, rand.New(rand.NewSource(17)))
	require.NoError(t, err)
	s := testScene()
	z := []float64{0.25, -0.4}

	loss := func() float64 {
		r, err := g.Rollout(s, z)
		require.NoError(t, err)
		var sum float64
		for _, rel := range r.Rel {
			rows, cols := rel.Dims()
			for i := 0; i < rows; i++ {
				for j := 0; j < cols; j++ {
					sum += rel.At(i, j)
				}
			}
		}
		return sum
	}

	r, err := g.Rollout(s, z)
	require.NoError(t, err)
	dRel := make([]*mat.Dense, len(r.Rel))
	for t2, rel := range r.Rel {
		rows, cols := rel.Dims()
		d := mat.NewDense(rows, cols, nil)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				d.Set(i, j, 1)
			}
		}
		dRel[t2] = d
	}
	nn.ZeroGrads(g.Params())
	require.NoError(t, g.Backward(dRel))

	for _, p := range g.Params() {
		rows, cols := p.Value.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				const eps = 1e-6
				orig := p.Value.At(i, j)
				p.Value.Set(i, j, orig+eps)
				up := loss()
				p.Value.Set(i, j, orig-eps)
				down := loss()
				p.Value.Set(i, j, orig)
				num := (up - down) / (2 * eps)
				assert.InDelta(t, num, p.Grad.At(i, j), 1e-4, "%s[%d,%d]", p.Name, i, j)
			}
		}
	}
}

func TestJointRolloutMode(t *testing.T) {
	t.Parallel()

	cfg := tinyConfig()
	cfg.RolloutMode = strp(config.RolloutJoint)
	g, err := NewGenerator(cfg, nil, rand.New(rand.NewSource(23)))
	require.NoError(t, err)
	require.NotNil(t, g.StepFusion)
	s := testScene()

	z := []float64{0.1, 0.2}
	r1, err := g.Rollout(s, z)
	require.NoError(t, err)
	r2, err := g.Rollout(s, z)
	require.NoError(t, err)
	assert.Equal(t, r1.Abs, r2.Abs)

	dRel := make([]*mat.Dense, len(r1.Rel))
	for t2 := range dRel {
		d := mat.NewDense(2, 2, nil)
		d.Set(0, 0, 1)
		d.Set(1, 1, 1)
		dRel[t2] = d
	}
	nn.ZeroGrads(g.Params())
	require.NoError(t, g.Backward(dRel))

	var stepGrad float64
	for _, p := range g.StepFusion.Params() {
		rows, cols := p.Grad.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				stepGrad += p.Grad.At(i, j) * p.Grad.At(i, j)
			}
		}
	}
	assert.NotZero(t, stepGrad, "per-step mixing head must receive gradient")
}

func TestAbsGradToRel(t *testing.T) {
	t.Parallel()

	d0 := mat.NewDense(1, 2, []float64{1, 0})
	d1 := mat.NewDense(1, 2, []float64{2, 3})
	out := AbsGradToRel([]*mat.Dense{d0, d1})
	require.Len(t, out, 2)
	assert.Equal(t, 3.0, out[0].At(0, 0), "early displacement moves every later position")
	assert.Equal(t, 3.0, out[0].At(0, 1))
	assert.Equal(t, 2.0, out[1].At(0, 0))
	assert.Equal(t, 3.0, out[1].At(0, 1))
}
