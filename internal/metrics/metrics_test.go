package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forecast-labs/safegan/internal/scene"
)

func traj(xy ...float64) []scene.Point {
	out := make([]scene.Point, len(xy)/2)
	for i := range out {
		out[i] = scene.Point{X: xy[2*i], Y: xy[2*i+1]}
	}
	return out
}

func TestADEAndFDE(t *testing.T) {
	t.Parallel()

	truth := [][]scene.Point{traj(0, 0, 1, 0)}
	exact := [][]scene.Point{traj(0, 0, 1, 0)}
	off := [][]scene.Point{traj(0, 1, 1, 3)}

	assert.Zero(t, ADE(exact, truth))
	assert.Zero(t, FDE(exact, truth))
	assert.InDelta(t, 2.0, ADE(off, truth), 1e-12, "(1+3)/2")
	assert.InDelta(t, 3.0, FDE(off, truth), 1e-12)
}

func TestMinOverCandidates(t *testing.T) {
	t.Parallel()

	truth := [][]scene.Point{traj(0, 0, 1, 0)}
	cands := [][][]scene.Point{
		{traj(0, 2, 1, 2)},
		{traj(0, 0.5, 1, 0.5)},
		{traj(0, 1, 1, 1)},
	}
	assert.InDelta(t, 0.5, MinADE(cands, truth), 1e-12)
	assert.InDelta(t, 0.5, MinFDE(cands, truth), 1e-12)
	assert.Zero(t, MinADE(nil, truth))
}

func TestAccumulator(t *testing.T) {
	t.Parallel()

	a := NewAccumulator()
	a.Report(Record{MinADE: 1, MinFDE: 2, PredictedCollision: true})
	a.Report(Record{MinADE: 3, MinFDE: 4, TruthCollision: true})
	a.Skip()

	s := a.Summary()
	assert.Equal(t, 2, s.Scenes)
	assert.Equal(t, 1, s.Skipped)
	assert.InDelta(t, 2.0, s.MeanMinADE, 1e-12)
	assert.InDelta(t, 3.0, s.MeanMinFDE, 1e-12)
	assert.Equal(t, 1, s.PredictedCollisions)
	assert.Equal(t, 1, s.TruthCollisions)
}
