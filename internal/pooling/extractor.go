// Package pooling turns the variable-size neighborhood of an agent
// (other agents and static obstacle boundary points) into a
// fixed-size context vector via a shared embedding and a
// permutation-invariant reduction.
package pooling

import (
	"math"

	"github.com/forecast-labs/safegan/internal/scene"
)

// Extractor computes normalized relative offsets from raw scene
// geometry. It has no learned parameters.
type Extractor struct {
	// Radius bounds the static neighborhood: obstacle points further
	// away are dropped, and all offsets are normalized by this radius
	// and clamped to [-1, 1] per component.
	Radius float64
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// DynamicOffsets returns, for each agent, one row per co-present
// neighbor: [dx, dy, dvx, dvy], positions and velocities relative to
// the agent and normalized by the radius. An agent with no neighbors
// gets an empty (not nil) slice.
func (e Extractor) DynamicOffsets(positions, velocities []scene.Point) [][]float64 {
	n := len(positions)
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		rows := make([]float64, 0, 4*(n-1))
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			dp := positions[j].Sub(positions[i])
			dv := velocities[j].Sub(velocities[i])
			rows = append(rows,
				clamp(dp.X/e.Radius), clamp(dp.Y/e.Radius),
				clamp(dv.X/e.Radius), clamp(dv.Y/e.Radius),
			)
		}
		out[i] = rows
	}
	return out
}

// StaticOffsets returns, for each agent, one row per obstacle boundary
// point within the radius: [dx, dy] normalized by the radius. Agents
// with no obstacle in range get an empty slice.
func (e Extractor) StaticOffsets(positions []scene.Point, obstacles []scene.Point) [][]float64 {
	out := make([][]float64, len(positions))
	for i, p := range positions {
		rows := make([]float64, 0)
		for _, o := range obstacles {
			d := o.Sub(p)
			if math.Hypot(d.X, d.Y) > e.Radius {
				continue
			}
			rows = append(rows, d.X/e.Radius, d.Y/e.Radius)
		}
		out[i] = rows
	}
	return out
}
