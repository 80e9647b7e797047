package scene

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Fixture file format: pre-materialized scenes as JSON. Points are
// [x, y] pairs.
type sceneFile struct {
	Scenes []sceneJSON `json:"scenes"`
}

type sceneJSON struct {
	ID        string      `json:"id"`
	ObsLen    int         `json:"obs_len"`
	PredLen   int         `json:"pred_len"`
	Agents    []agentJSON `json:"agents"`
	Obstacles [][]float64 `json:"obstacles"`
}

type agentJSON struct {
	ID     string      `json:"id"`
	Obs    [][]float64 `json:"obs"`
	Future [][]float64 `json:"future"`
}

func toPoints(raw [][]float64, what string) ([]Point, error) {
	// A missing or empty list stays nil so that agents without a
	// recorded future load as inference-only.
	if len(raw) == 0 {
		return nil, nil
	}
	pts := make([]Point, len(raw))
	for i, p := range raw {
		if len(p) != 2 {
			return nil, fmt.Errorf("%s point %d has %d coordinates, want 2", what, i, len(p))
		}
		pts[i] = Point{X: p[0], Y: p[1]}
	}
	return pts, nil
}

// LoadScenes reads a fixture file. Scenes without an id get a fresh
// uuid. The scenes are returned as parsed; callers validate.
func LoadScenes(path string) ([]*Scene, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenes: %w", err)
	}
	var file sceneFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse scenes %s: %w", path, err)
	}

	scenes := make([]*Scene, 0, len(file.Scenes))
	for i, sj := range file.Scenes {
		s := &Scene{
			ID:      sj.ID,
			ObsLen:  sj.ObsLen,
			PredLen: sj.PredLen,
		}
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		obstacles, err := toPoints(sj.Obstacles, fmt.Sprintf("scene %d obstacles", i))
		if err != nil {
			return nil, err
		}
		s.Obstacles = obstacles
		for _, aj := range sj.Agents {
			obs, err := toPoints(aj.Obs, fmt.Sprintf("scene %d agent %s obs", i, aj.ID))
			if err != nil {
				return nil, err
			}
			future, err := toPoints(aj.Future, fmt.Sprintf("scene %d agent %s future", i, aj.ID))
			if err != nil {
				return nil, err
			}
			id := aj.ID
			if id == "" {
				id = uuid.NewString()
			}
			s.Agents = append(s.Agents, Agent{ID: id, Obs: obs, Future: future})
		}
		scenes = append(scenes, s)
	}
	return scenes, nil
}
