package scene

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func walkAgent(id string, startX, startY, stepX, stepY float64, obsLen, predLen int) Agent {
	a := Agent{ID: id}
	for t := 0; t < obsLen; t++ {
		a.Obs = append(a.Obs, Point{X: startX + float64(t)*stepX, Y: startY + float64(t)*stepY})
	}
	for t := obsLen; t < obsLen+predLen; t++ {
		a.Future = append(a.Future, Point{X: startX + float64(t)*stepX, Y: startY + float64(t)*stepY})
	}
	return a
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("accepts well-formed scene", func(t *testing.T) {
		t.Parallel()
		s := &Scene{
			ID:      "s1",
			ObsLen:  4,
			PredLen: 3,
			Agents:  []Agent{walkAgent("a", 0, 0, 0.5, 0, 4, 3)},
		}
		assert.NoError(t, s.Validate())
	})

	t.Run("rejects empty scene", func(t *testing.T) {
		t.Parallel()
		s := &Scene{ID: "s2", ObsLen: 4, PredLen: 3}
		var shapeErr *ShapeError
		require.ErrorAs(t, s.Validate(), &shapeErr)
	})

	t.Run("rejects mismatched observed length", func(t *testing.T) {
		t.Parallel()
		s := &Scene{
			ID: "s3", ObsLen: 8, PredLen: 3,
			Agents: []Agent{walkAgent("a", 0, 0, 0.5, 0, 4, 3)},
		}
		var shapeErr *ShapeError
		require.ErrorAs(t, s.Validate(), &shapeErr)
		assert.Contains(t, shapeErr.Error(), "observed positions")
	})

	t.Run("rejects non-finite positions", func(t *testing.T) {
		t.Parallel()
		a := walkAgent("a", 0, 0, 0.5, 0, 4, 3)
		a.Obs[2].X = math.NaN()
		s := &Scene{ID: "s4", ObsLen: 4, PredLen: 3, Agents: []Agent{a}}
		assert.Error(t, s.Validate())
	})
}

func TestDegenerate(t *testing.T) {
	t.Parallel()

	moving := &Scene{
		ObsLen: 4, PredLen: 2,
		Agents: []Agent{walkAgent("a", 0, 0, 1, 0, 4, 2)},
	}
	assert.False(t, moving.Degenerate())

	still := &Scene{
		ObsLen: 4, PredLen: 2,
		Agents: []Agent{walkAgent("a", 1, 1, 0, 0, 4, 2)},
	}
	assert.True(t, still.Degenerate())
}

func TestRelativeAbsoluteRoundtrip(t *testing.T) {
	t.Parallel()

	traj := []Point{{0, 0}, {1, 0.5}, {2, 1.5}, {2.5, 3}}
	rel := RelativeDisplacements(traj)
	require.Len(t, rel, len(traj))
	assert.Equal(t, Point{}, rel[0])

	abs := AbsoluteFromRelative(traj[0], rel[1:])
	require.Len(t, abs, len(traj)-1)
	for i, p := range abs {
		assert.InDelta(t, traj[i+1].X, p.X, 1e-12)
		assert.InDelta(t, traj[i+1].Y, p.Y, 1e-12)
	}
}

func TestCollisionLabel(t *testing.T) {
	t.Parallel()

	t.Run("crossing agents are labelled", func(t *testing.T) {
		t.Parallel()
		a := []Point{{0, 0}, {1, 0}, {2, 0}}
		b := []Point{{2, 0.05}, {1, 0.05}, {0, 0.05}}
		labels := CollisionLabel([][]Point{a, b}, 0.10)
		assert.Equal(t, []float64{1, 1}, labels)
	})

	t.Run("separated agents are not", func(t *testing.T) {
		t.Parallel()
		a := []Point{{0, 0}, {1, 0}, {2, 0}}
		b := []Point{{0, 5}, {1, 5}, {2, 5}}
		labels := CollisionLabel([][]Point{a, b}, 0.10)
		assert.Equal(t, []float64{0, 0}, labels)
	})
}

func TestOccupancyLabel(t *testing.T) {
	t.Parallel()

	traj := []Point{{0, 0}, {1, 0}, {2, 0}}
	obstacles := []Point{{1.0, 0.02}}
	labels := OccupancyLabel([][]Point{traj}, obstacles, 0.05)
	assert.Equal(t, []float64{1}, labels)

	far := []Point{{10, 10}}
	labels = OccupancyLabel([][]Point{traj}, far, 0.05)
	assert.Equal(t, []float64{0}, labels)
}
