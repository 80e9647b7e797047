package scene

// Collision and occupancy labels for recorded scenes. The critic is
// trained against these: a scene is "colliding" when any agent pair
// falls below the minimum separation at some future timestep, and
// "occupying" when any agent comes within the occupancy threshold of
// a static obstacle point.

// CollisionLabel returns 1 for each agent that comes within threshold
// of another agent at any timestep of the given trajectories, else 0.
// trajs is indexed [agent][timestep].
func CollisionLabel(trajs [][]Point, threshold float64) []float64 {
	labels := make([]float64, len(trajs))
	for i := 0; i < len(trajs); i++ {
		for j := 0; j < len(trajs); j++ {
			if i == j {
				continue
			}
			steps := len(trajs[i])
			if len(trajs[j]) < steps {
				steps = len(trajs[j])
			}
			for t := 0; t < steps; t++ {
				if trajs[i][t].Dist(trajs[j][t]) < threshold {
					labels[i] = 1
				}
			}
		}
	}
	return labels
}

// OccupancyLabel returns 1 for each agent whose trajectory comes
// within threshold of any obstacle boundary point, else 0.
func OccupancyLabel(trajs [][]Point, obstacles []Point, threshold float64) []float64 {
	labels := make([]float64, len(trajs))
	for i, traj := range trajs {
		for _, p := range traj {
			for _, o := range obstacles {
				if p.Dist(o) < threshold {
					labels[i] = 1
				}
			}
			if labels[i] == 1 {
				break
			}
		}
	}
	return labels
}

// FutureTrajectories collects the ground-truth future of every agent,
// indexed [agent][timestep]. Agents without ground truth contribute a
// nil entry.
func (s *Scene) FutureTrajectories() [][]Point {
	out := make([][]Point, len(s.Agents))
	for i, a := range s.Agents {
		out[i] = a.Future
	}
	return out
}
