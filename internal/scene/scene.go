// Package scene holds the in-memory data model for one forecasting
// step: agent trajectories over a fixed observation window, the ground
// truth future where available, and the static obstacle boundary
// points of the surrounding environment.
package scene

import (
	"fmt"
	"math"
)

// Point is a 2D world-frame position in metres.
type Point struct {
	X float64
	Y float64
}

// Sub returns the displacement from q to p.
func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y}
}

// Dist returns the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Agent is one pedestrian or cyclist within a scene.
type Agent struct {
	ID string

	// Obs holds the observed trajectory, one position per timestep.
	Obs []Point

	// Future holds the ground-truth future trajectory. Nil at pure
	// inference time.
	Future []Point
}

// Scene is one spatio-temporal window: a variable number of agents
// plus the static obstacle boundary points of the environment. A
// Scene owns its slices for the duration of one training or
// evaluation step; nothing retains them across steps.
type Scene struct {
	ID string

	ObsLen  int
	PredLen int

	Agents    []Agent
	Obstacles []Point
}

// ShapeError reports a malformed scene: mismatched timestep counts,
// missing positions, or no agents. Scenes failing validation are
// skipped by the training loop, never silently truncated.
type ShapeError struct {
	SceneID string
	Reason  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("scene %s: %s", e.SceneID, e.Reason)
}

// Validate checks the scene against its declared horizon lengths.
func (s *Scene) Validate() error {
	if len(s.Agents) == 0 {
		return &ShapeError{SceneID: s.ID, Reason: "no agents"}
	}
	if s.ObsLen < 2 {
		return &ShapeError{SceneID: s.ID, Reason: fmt.Sprintf("obs_len %d too short", s.ObsLen)}
	}
	for _, a := range s.Agents {
		if len(a.Obs) != s.ObsLen {
			return &ShapeError{
				SceneID: s.ID,
				Reason:  fmt.Sprintf("agent %s has %d observed positions, want %d", a.ID, len(a.Obs), s.ObsLen),
			}
		}
		if a.Future != nil && len(a.Future) != s.PredLen {
			return &ShapeError{
				SceneID: s.ID,
				Reason:  fmt.Sprintf("agent %s has %d future positions, want %d", a.ID, len(a.Future), s.PredLen),
			}
		}
		for t, p := range a.Obs {
			if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
				return &ShapeError{
					SceneID: s.ID,
					Reason:  fmt.Sprintf("agent %s has a non-finite position at timestep %d", a.ID, t),
				}
			}
		}
	}
	for i, p := range s.Obstacles {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) {
			return &ShapeError{
				SceneID: s.ID,
				Reason:  fmt.Sprintf("obstacle point %d is not finite", i),
			}
		}
	}
	return nil
}

// Degenerate reports whether any agent's observed trajectory collapses
// to a single point. Such scenes carry no motion signal and are
// skipped rather than trained on.
func (s *Scene) Degenerate() bool {
	for _, a := range s.Agents {
		moved := false
		for t := 1; t < len(a.Obs); t++ {
			if a.Obs[t] != a.Obs[0] {
				moved = true
				break
			}
		}
		if !moved {
			return true
		}
	}
	return false
}

// HasGroundTruth reports whether every agent carries a future
// trajectory.
func (s *Scene) HasGroundTruth() bool {
	for _, a := range s.Agents {
		if a.Future == nil {
			return false
		}
	}
	return true
}

// RelativeDisplacements converts an absolute trajectory into per-step
// displacements. The first entry is zero so the output has the same
// length as the input.
func RelativeDisplacements(traj []Point) []Point {
	rel := make([]Point, len(traj))
	for t := 1; t < len(traj); t++ {
		rel[t] = traj[t].Sub(traj[t-1])
	}
	return rel
}

// AbsoluteFromRelative accumulates predicted displacements onto a
// start position, producing an absolute trajectory of the same length
// as rel.
func AbsoluteFromRelative(start Point, rel []Point) []Point {
	abs := make([]Point, len(rel))
	cur := start
	for t, d := range rel {
		cur = Point{X: cur.X + d.X, Y: cur.Y + d.Y}
		abs[t] = cur
	}
	return abs
}
