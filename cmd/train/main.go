// Command train runs the adversarial training loop over a file of
// pre-materialized scenes.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/forecast-labs/safegan/internal/checkpoint"
	"github.com/forecast-labs/safegan/internal/config"
	"github.com/forecast-labs/safegan/internal/metrics"
	"github.com/forecast-labs/safegan/internal/monitor"
	"github.com/forecast-labs/safegan/internal/pooling"
	"github.com/forecast-labs/safegan/internal/scene"
	"github.com/forecast-labs/safegan/internal/train"
	"github.com/forecast-labs/safegan/internal/version"
)

func main() {
	configPath := flag.String("config", "", "Path to training config JSON (defaults baked in when empty)")
	scenesPath := flag.String("scenes", "", "Path to scene fixture JSON (required)")
	epochs := flag.Int("epochs", 1, "Number of passes over the scene file")
	runID := flag.String("run", "", "Run identifier (defaults to a fresh uuid)")
	dbPath := flag.String("db", "", "Checkpoint sqlite path (checkpointing disabled when empty)")
	migrationsDir := flag.String("migrations", "migrations", "Directory with checkpoint schema migrations")
	monitorAddr := flag.String("monitor", "", "Monitor HTTP listen address (e.g. :8081; disabled when empty)")
	resume := flag.Bool("resume", false, "Resume from the latest checkpoint of this run")
	flag.Parse()

	if *scenesPath == "" {
		log.Fatal("missing required -scenes")
	}
	log.Printf("safegan train %s", version.String())

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
	log.Printf("loaded %d scenes from %s", len(scenes), *scenesPath)

	if *runID == "" {
		*runID = uuid.NewString()
	}
	log.Printf("run %s: pooling=%s rollout=%s K=%d",
		*runID, cfg.GetPoolingType(), cfg.GetRolloutMode(), cfg.GetSampleCount())

	var store *checkpoint.Store
	if *dbPath != "" {
		store, err = checkpoint.Open(*dbPath)
		if err != nil {
			log.Fatalf("failed to open checkpoint db: %v", err)
		}
		defer store.Close()
		if err := store.MigrateUp(*migrationsDir); err != nil {
			log.Fatalf("failed to migrate checkpoint db: %v", err)
		}
	}

	tap := pooling.NewAttentionTap()
	history := monitor.NewLossHistory()
	reporter := metrics.MultiReporter{metrics.LogReporter{}, history}

	loop, err := train.NewLoop(cfg, *runID, reporter, store, tap)
	if err != nil {
		log.Fatalf("failed to build training loop: %v", err)
	}

	if *resume {
		if store == nil {
			log.Fatal("-resume requires -db")
		}
		step, nets, err := store.Latest(*runID)
		if errors.Is(err, checkpoint.ErrNotFound) {
			log.Printf("no checkpoint for run %s yet, starting fresh", *runID)
		} else if err != nil {
			log.Fatalf("failed to load checkpoint: %v", err)
		} else {
			if err := loop.RestoreFrom(nets); err != nil {
				log.Fatalf("failed to restore checkpoint: %v", err)
			}
			log.Printf("resumed run %s from step %d", *runID, step)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *monitorAddr != "" {
		srv := monitor.NewServer(*monitorAddr, tap, history)
		go srv.Start(ctx)
	}

	if err := loop.Run(scenes, *epochs); err != nil {
		log.Fatalf("training failed: %v", err)
	}

	if store != nil {
		if err := store.Save(*runID, loop.Step(), loop.NetSnapshots()); err != nil {
			log.Fatalf("failed to write final checkpoint: %v", err)
		}
		log.Printf("final checkpoint written at step %d", loop.Step())
	}
	log.Printf("training complete: %d steps, %d scenes skipped", loop.Step(), loop.Skipped())
}
