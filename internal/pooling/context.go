package pooling

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/forecast-labs/safegan/internal/config"
	"github.com/forecast-labs/safegan/internal/nn"
	"github.com/forecast-labs/safegan/internal/scene"
)

// ContextModule pairs a dynamic pooler over neighbor offsets with a
// static pooler over obstacle offsets and concatenates their outputs
// into one context vector per agent. The two halves split the
// bottleneck dimension evenly.
type ContextModule struct {
	Extractor Extractor
	Dynamic   *Pooler
	Static    *Pooler
	Tap       *AttentionTap
}

// NewContextModule builds both poolers from the configured reduction
// type and bottleneck width. tap may be nil when attention weights are
// not being collected.
func NewContextModule(cfg *config.TrainingConfig, tap *AttentionTap, rng *rand.Rand) (*ContextModule, error) {
	half := cfg.GetBottleneckDim() / 2
	dyn, err := NewPooler(cfg.GetPoolingType(), 4, half, rng)
	if err != nil {
		return nil, err
	}
	stat, err := NewPooler(cfg.GetPoolingType(), 2, half, rng)
	if err != nil {
		return nil, err
	}
	return &ContextModule{
		Extractor: Extractor{Radius: cfg.GetContextRadius()},
		Dynamic:   dyn,
		Static:    stat,
		Tap:       tap,
	}, nil
}

// Dim returns the width of the concatenated context vector.
func (m *ContextModule) Dim() int {
	return m.Dynamic.OutDim + m.Static.OutDim
}

// Params returns the learned parameters of both poolers.
func (m *ContextModule) Params() []*nn.Param {
	return append(m.Dynamic.Params(), m.Static.Params()...)
}

// Forward computes the context matrix (nAgents x Dim) for the given
// agent positions and velocities. When the poolers use attention and
// a tap is attached, the weights are recorded under (sceneID, agentID,
// timestep).
func (m *ContextModule) Forward(s *scene.Scene, positions, velocities []scene.Point, timestep int) *mat.Dense {
	dynOff := m.Extractor.DynamicOffsets(positions, velocities)
	statOff := m.Extractor.StaticOffsets(positions, s.Obstacles)

	dynOut := m.Dynamic.Forward(dynOff)
	statOut := m.Static.Forward(statOff)

	if m.Tap != nil && m.Dynamic.Type == config.PoolingAttention {
		for i, ag := range s.Agents {
			m.Tap.Record(TapKey{SceneID: s.ID, AgentID: ag.ID, Timestep: timestep, Source: SourceDynamic}, m.Dynamic.Weights()[i])
			m.Tap.Record(TapKey{SceneID: s.ID, AgentID: ag.ID, Timestep: timestep, Source: SourceStatic}, m.Static.Weights()[i])
		}
	}

	n := len(s.Agents)
	out := mat.NewDense(n, m.Dim(), nil)
	for i := 0; i < n; i++ {
		for d := 0; d < m.Dynamic.OutDim; d++ {
			out.Set(i, d, dynOut.At(i, d))
		}
		for d := 0; d < m.Static.OutDim; d++ {
			out.Set(i, m.Dynamic.OutDim+d, statOut.At(i, d))
		}
	}
	return out
}

// Backward accumulates pooler gradients from the gradient of the
// concatenated context produced by the most recent Forward.
func (m *ContextModule) Backward(dctx *mat.Dense) {
	n, _ := dctx.Dims()
	dDyn := mat.NewDense(n, m.Dynamic.OutDim, nil)
	dStat := mat.NewDense(n, m.Static.OutDim, nil)
	for i := 0; i < n; i++ {
		for d := 0; d < m.Dynamic.OutDim; d++ {
			dDyn.Set(i, d, dctx.At(i, d))
		}
		for d := 0; d < m.Static.OutDim; d++ {
			dStat.Set(i, d, dctx.At(i, m.Dynamic.OutDim+d))
		}
	}
	m.Dynamic.Backward(dDyn)
	m.Static.Backward(dStat)
}

// Velocities derives per-agent velocities at observation timestep t as
// the displacement from the previous frame; at t == 0 the velocity is
// zero.
func Velocities(s *scene.Scene, t int) []scene.Point {
	out := make([]scene.Point, len(s.Agents))
	if t == 0 {
		return out
	}
	for i, ag := range s.Agents {
		out[i] = ag.Obs[t].Sub(ag.Obs[t-1])
	}
	return out
}

// Positions returns every agent's observed position at timestep t.
func Positions(s *scene.Scene, t int) []scene.Point {
	out := make([]scene.Point, len(s.Agents))
	for i, ag := range s.Agents {
		out[i] = ag.Obs[t]
	}
	return out
}
