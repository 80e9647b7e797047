package scene

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenes.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadScenes(t *testing.T) {
	t.Parallel()

	path := writeFixture(t, `{
		"scenes": [{
			"id": "crossing",
			"obs_len": 2,
			"pred_len": 1,
			"agents": [
				{"id": "a", "obs": [[0,0],[0.1,0]], "future": [[0.2,0]]},
				{"obs": [[1,1],[0.9,1]], "future": [[0.8,1]]}
			],
			"obstacles": [[0.5,0.5]]
		}]
	}`)

	scenes, err := LoadScenes(path)
	require.NoError(t, err)
	require.Len(t, scenes, 1)

	s := scenes[0]
	assert.Equal(t, "crossing", s.ID)
	assert.Equal(t, 2, s.ObsLen)
	require.Len(t, s.Agents, 2)
	assert.Equal(t, Point{X: 0.1, Y: 0}, s.Agents[0].Obs[1])
	assert.NotEmpty(t, s.Agents[1].ID, "missing agent ids are generated")
	require.Len(t, s.Obstacles, 1)
	require.NoError(t, s.Validate())
}

func TestLoadScenesWithoutFuture(t *testing.T) {
	t.Parallel()

	path := writeFixture(t, `{
		"scenes": [{
			"obs_len": 2, "pred_len": 3,
			"agents": [{"id": "a", "obs": [[0,0],[0.1,0]]}]
		}]
	}`)

	scenes, err := LoadScenes(path)
	require.NoError(t, err)
	require.Len(t, scenes, 1)

	s := scenes[0]
	assert.Nil(t, s.Agents[0].Future)
	assert.False(t, s.HasGroundTruth())
	require.NoError(t, s.Validate(), "inference-only scenes must load and validate")
}

func TestLoadScenesRejectsBadPoints(t *testing.T) {
	t.Parallel()

	path := writeFixture(t, `{
		"scenes": [{
			"obs_len": 1, "pred_len": 1,
			"agents": [{"id": "a", "obs": [[0,0,7]], "future": [[1,1]]}]
		}]
	}`)
	_, err := LoadScenes(path)
	assert.Error(t, err)
}

func TestLoadScenesMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadScenes(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
