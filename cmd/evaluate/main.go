// Command evaluate benchmarks a checkpointed generator: K samples per
// scene, critic pruning, displacement-error and collision metrics.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/forecast-labs/safegan/internal/checkpoint"
	"github.com/forecast-labs/safegan/internal/config"
	"github.com/forecast-labs/safegan/internal/critic"
	"github.com/forecast-labs/safegan/internal/metrics"
	"github.com/forecast-labs/safegan/internal/scene"
	"github.com/forecast-labs/safegan/internal/train"
)

// resampleRounds bounds how often the pruning filter may reject a
// whole candidate set and draw again.
const resampleRounds = 3

func main() {
	configPath := flag.String("config", "", "Path to training config JSON (defaults baked in when empty)")
	scenesPath := flag.String("scenes", "", "Path to scene fixture JSON (required)")
	dbPath := flag.String("db", "", "Checkpoint sqlite path (required)")
	migrationsDir := flag.String("migrations", "migrations", "Directory with checkpoint schema migrations")
	runID := flag.String("run", "", "Run identifier to evaluate (required)")
	step := flag.Int("step", 0, "Checkpoint step (0 = latest)")
	samples := flag.Int("k", 0, "Candidates per scene (0 = config sample_count)")
	flag.Parse()

	if *scenesPath == "" || *dbPath == "" || *runID == "" {
		flag.Usage()
		os.Exit(2)
	}

	var cfg *config.TrainingConfig
	var err error
	if *configPath != "" {
		cfg, err = config.LoadTrainingConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	} else {
		cfg = &config.TrainingConfig{}
	}

	scenes, err := scene.LoadScenes(*scenesPath)
	if err != nil {
		log.Fatalf("failed to load scenes: %v", err)
	}

	store, err := checkpoint.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open checkpoint db: %v", err)
	}
	defer store.Close()
	if err := store.MigrateUp(*migrationsDir); err != nil {
		log.Fatalf("failed to migrate checkpoint db: %v", err)
	}

	loop, err := train.NewLoop(cfg, *runID, nil, nil, nil)
	if err != nil {
		log.Fatalf("failed to build networks: %v", err)
	}

	var nets map[string][]float64
	if *step > 0 {
		nets, err = store.Load(*runID, *step)
	} else {
		*step, nets, err = store.Latest(*runID)
	}
	if err != nil {
		log.Fatalf("failed to load checkpoint: %v", err)
	}
	if err := loop.RestoreFrom(nets); err != nil {
		log.Fatalf("failed to restore checkpoint: %v", err)
	}
	log.Printf("evaluating run %s at step %d", *runID, *step)

	k := *samples
	if k == 0 {
		k = cfg.GetSampleCount()
	}
	limit := cfg.GetRiskResampleLimit()

	acc := metrics.NewAccumulator()
	var pruned, resampled int
	for _, s := range scenes {
		if err := s.Validate(); err != nil {
			log.Printf("skipping scene %s: %v", s.ID, err)
			acc.Skip()
			continue
		}
		if s.Degenerate() || !s.HasGroundTruth() {
			acc.Skip()
			continue
		}

		cands, risks, err := sampleCandidates(loop, s, k)
		if err != nil {
			log.Fatalf("scene %s: %v", s.ID, err)
		}
		best, ok := critic.SelectSafest(risks, limit)
		for round := 0; !ok && round < resampleRounds; round++ {
			resampled++
			cands, risks, err = sampleCandidates(loop, s, k)
			if err != nil {
				log.Fatalf("scene %s: %v", s.ID, err)
			}
			best, ok = critic.SelectSafest(risks, limit)
		}
		if risks[best] > 0 {
			pruned++
		}

		truth := s.FutureTrajectories()
		rec := metrics.Record{
			SceneID: s.ID,
			MinADE:  metrics.MinADE(cands, truth),
			MinFDE:  metrics.MinFDE(cands, truth),
		}
		selLabels := scene.CollisionLabel(cands[best], cfg.GetCollisionThreshold())
		for _, v := range selLabels {
			if v > 0 {
				rec.PredictedCollision = true
			}
		}
		truthLabels := scene.CollisionLabel(truth, cfg.GetCollisionThreshold())
		for _, v := range truthLabels {
			if v > 0 {
				rec.TruthCollision = true
			}
		}
		acc.Report(rec)
	}

	sum := acc.Summary()
	fmt.Printf("scenes evaluated   %d (skipped %d)\n", sum.Scenes, sum.Skipped)
	fmt.Printf("minADE (K=%d)      %.4f\n", k, sum.MeanMinADE)
	fmt.Printf("minFDE (K=%d)      %.4f\n", k, sum.MeanMinFDE)
	fmt.Printf("collisions         predicted=%d truth=%d\n", sum.PredictedCollisions, sum.TruthCollisions)
	fmt.Printf("risky selections   %d, resample rounds %d\n", pruned, resampled)
}

// sampleCandidates draws K rollouts and scores each with the critic's
// analytic risk.
func sampleCandidates(loop *train.Loop, s *scene.Scene, k int) ([][][]scene.Point, []float64, error) {
	rollouts, err := loop.Gen.Sample(s, k)
	if err != nil {
		return nil, nil, err
	}
	cands := make([][][]scene.Point, k)
	risks := make([]float64, k)
	for i, r := range rollouts {
		cands[i] = r.Trajectories()
		risks[i] = loop.Critic.Risk(cands[i], s.Obstacles)
	}
	return cands, risks, nil
}
