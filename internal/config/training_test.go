package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyTrainingConfig()

	if cfg.GetObsLen() != 8 {
		t.Errorf("GetObsLen() = %d, want 8", cfg.GetObsLen())
	}
	if cfg.GetPredLen() != 12 {
		t.Errorf("GetPredLen() = %d, want 12", cfg.GetPredLen())
	}
	if cfg.GetPoolingType() != PoolingMax {
		t.Errorf("GetPoolingType() = %q, want %q", cfg.GetPoolingType(), PoolingMax)
	}
	if cfg.GetContextRadius() != 2.0 {
		t.Errorf("GetContextRadius() = %f, want 2.0", cfg.GetContextRadius())
	}
	if cfg.GetSampleCount() != 20 {
		t.Errorf("GetSampleCount() = %d, want 20", cfg.GetSampleCount())
	}
	if cfg.GetCriticAggregation() != AggregateSum {
		t.Errorf("GetCriticAggregation() = %q, want %q", cfg.GetCriticAggregation(), AggregateSum)
	}
	if cfg.GetCollisionThreshold() != 0.10 {
		t.Errorf("GetCollisionThreshold() = %f, want 0.10", cfg.GetCollisionThreshold())
	}
	if cfg.GetRolloutMode() != RolloutFrozen {
		t.Errorf("GetRolloutMode() = %q, want %q", cfg.GetRolloutMode(), RolloutFrozen)
	}
}

func TestLoadTrainingConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	testJSON := `{
  "obs_len": 6,
  "pred_len": 10,
  "pooling_type": "attention",
  "context_radius": 4.0,
  "sample_count": 5,
  "critic_aggregation": "max"
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadTrainingConfig(configPath)
	if err != nil {
		t.Fatalf("LoadTrainingConfig failed: %v", err)
	}

	if cfg.GetObsLen() != 6 {
		t.Errorf("GetObsLen() = %d, want 6", cfg.GetObsLen())
	}
	if cfg.GetPredLen() != 10 {
		t.Errorf("GetPredLen() = %d, want 10", cfg.GetPredLen())
	}
	if cfg.GetPoolingType() != PoolingAttention {
		t.Errorf("GetPoolingType() = %q, want attention", cfg.GetPoolingType())
	}
	if cfg.GetCriticAggregation() != AggregateMax {
		t.Errorf("GetCriticAggregation() = %q, want max", cfg.GetCriticAggregation())
	}

	// Fields not present in the file fall back to defaults.
	if cfg.GetEmbeddingDim() != 16 {
		t.Errorf("GetEmbeddingDim() = %d, want default 16", cfg.GetEmbeddingDim())
	}
}

func TestLoadTrainingConfigPartialMerge(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "partial.json")
	if err := os.WriteFile(configPath, []byte(`{"sample_count": 3}`), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	got, err := LoadTrainingConfig(configPath)
	if err != nil {
		t.Fatalf("LoadTrainingConfig failed: %v", err)
	}

	k := 3
	want := &TrainingConfig{SampleCount: &k}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateRejectsUnknownOptions(t *testing.T) {
	bad := "octree"
	cfg := &TrainingConfig{PoolingType: &bad}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown pooling_type")
	}

	badAgg := "median"
	cfg = &TrainingConfig{CriticAggregation: &badAgg}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown critic_aggregation")
	}

	badMode := "replay"
	cfg = &TrainingConfig{RolloutMode: &badMode}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown rollout_mode")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	neg := -1.0
	cfg := &TrainingConfig{ContextRadius: &neg}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-positive context_radius")
	}

	zero := 0
	cfg = &TrainingConfig{SampleCount: &zero}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero sample_count")
	}

	negW := -0.5
	cfg = &TrainingConfig{CollisionWeight: &negW}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative collision_weight")
	}
}

func TestLoadTrainingConfigRejectsNonJSON(t *testing.T) {
	if _, err := LoadTrainingConfig("training.yaml"); err == nil {
		t.Error("expected error for non-.json extension")
	}
}

func TestMustLoadDefaultConfigMatchesAccessors(t *testing.T) {
	cfg := MustLoadDefaultConfig()

	// The defaults file must agree with the accessor fallbacks so a
	// missing file and a pristine file behave identically.
	if cfg.GetObsLen() != EmptyTrainingConfig().GetObsLen() {
		t.Errorf("defaults file obs_len %d disagrees with accessor default %d",
			cfg.GetObsLen(), EmptyTrainingConfig().GetObsLen())
	}
	if cfg.GetPoolingType() != EmptyTrainingConfig().GetPoolingType() {
		t.Errorf("defaults file pooling_type %q disagrees with accessor default %q",
			cfg.GetPoolingType(), EmptyTrainingConfig().GetPoolingType())
	}
	if cfg.GetCollisionThreshold() != EmptyTrainingConfig().GetCollisionThreshold() {
		t.Errorf("defaults file collision_threshold %f disagrees with accessor default %f",
			cfg.GetCollisionThreshold(), EmptyTrainingConfig().GetCollisionThreshold())
	}
}
