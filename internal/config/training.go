package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical training defaults file.
// This is the single source of truth for all default training values.
const DefaultConfigPath = "config/training.defaults.json"

// Recognized pooling reduction types.
const (
	PoolingMax       = "max"
	PoolingSum       = "sum"
	PoolingAttention = "attention"
)

// Recognized critic aggregation policies.
const (
	AggregateSum = "sum"
	AggregateMax = "max"
)

// Recognized decoder rollout modes.
const (
	RolloutFrozen = "frozen"
	RolloutJoint  = "joint"
)

// TrainingConfig represents the root configuration for the forecasting
// core. All fields are optional pointers so partial JSON configs merge
// cleanly over the built-in defaults; use the Get* accessors to read
// values.
type TrainingConfig struct {
	// Horizon params
	ObsLen  *int `json:"obs_len,omitempty"`
	PredLen *int `json:"pred_len,omitempty"`

	// Pooling params
	PoolingType   *string  `json:"pooling_type,omitempty"` // max, sum, attention
	ContextRadius *float64 `json:"context_radius,omitempty"`

	// Network dimensions
	EmbeddingDim  *int `json:"embedding_dim,omitempty"`
	EncoderHidden *int `json:"encoder_hidden,omitempty"`
	DecoderHidden *int `json:"decoder_hidden,omitempty"`
	MLPDim        *int `json:"mlp_dim,omitempty"`
	BottleneckDim *int `json:"bottleneck_dim,omitempty"`
	LatentDim     *int `json:"latent_dim,omitempty"`

	// Sampling
	SampleCount *int    `json:"sample_count,omitempty"` // K candidates per agent
	RolloutMode *string `json:"rollout_mode,omitempty"` // frozen, joint
	Seed        *int64  `json:"seed,omitempty"`

	// Critic params
	CriticAggregation  *string  `json:"critic_aggregation,omitempty"` // sum, max
	CollisionThreshold *float64 `json:"collision_threshold,omitempty"`
	OccupancyThreshold *float64 `json:"occupancy_threshold,omitempty"`
	RiskResampleLimit  *float64 `json:"risk_resample_limit,omitempty"`

	// Loss weights
	AdversarialWeight    *float64 `json:"adversarial_weight,omitempty"`
	ReconstructionWeight *float64 `json:"reconstruction_weight,omitempty"`
	CollisionWeight      *float64 `json:"collision_weight,omitempty"`

	// Optimization
	GeneratorLR     *float64 `json:"generator_lr,omitempty"`
	DiscriminatorLR *float64 `json:"discriminator_lr,omitempty"`
	CriticLR        *float64 `json:"critic_lr,omitempty"`
	GeneratorClip   *float64 `json:"generator_clip,omitempty"`
	DiscrimClip     *float64 `json:"discriminator_clip,omitempty"`
	CriticClip      *float64 `json:"critic_clip,omitempty"`

	// Alternation schedule
	DiscrimSteps   *int `json:"discriminator_steps,omitempty"`
	CriticSteps    *int `json:"critic_steps,omitempty"`
	GeneratorSteps *int `json:"generator_steps,omitempty"`

	// Failure handling
	NumericErrorTolerance *int `json:"numeric_error_tolerance,omitempty"`

	// Checkpointing
	CheckpointEvery *int `json:"checkpoint_every,omitempty"`
}

// EmptyTrainingConfig returns a TrainingConfig with all fields set to nil.
// Use LoadTrainingConfig to load actual values from the defaults file.
func EmptyTrainingConfig() *TrainingConfig {
	return &TrainingConfig{}
}

// LoadTrainingConfig loads a TrainingConfig from a JSON file.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTrainingConfig(path string) (*TrainingConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTrainingConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical training defaults from
// DefaultConfigPath. It searches for the file in the current directory
// and common parent directories. Panics if the file cannot be loaded,
// intended for test setup.
func MustLoadDefaultConfig() *TrainingConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTrainingConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values form a runnable
// combination. Unknown enumerated options fail here, before any
// networks are constructed.
func (c *TrainingConfig) Validate() error {
	if c.PoolingType != nil {
		switch *c.PoolingType {
		case PoolingMax, PoolingSum, PoolingAttention:
		default:
			return fmt.Errorf("unknown pooling_type %q (want max, sum or attention)", *c.PoolingType)
		}
	}

	if c.CriticAggregation != nil {
		switch *c.CriticAggregation {
		case AggregateSum, AggregateMax:
		default:
			return fmt.Errorf("unknown critic_aggregation %q (want sum or max)", *c.CriticAggregation)
		}
	}

	if c.RolloutMode != nil {
		switch *c.RolloutMode {
		case RolloutFrozen, RolloutJoint:
		default:
			return fmt.Errorf("unknown rollout_mode %q (want frozen or joint)", *c.RolloutMode)
		}
	}

	if c.ObsLen != nil && *c.ObsLen < 2 {
		return fmt.Errorf("obs_len must be >= 2, got %d", *c.ObsLen)
	}
	if c.PredLen != nil && *c.PredLen < 1 {
		return fmt.Errorf("pred_len must be >= 1, got %d", *c.PredLen)
	}
	if c.ContextRadius != nil && *c.ContextRadius <= 0 {
		return fmt.Errorf("context_radius must be positive, got %f", *c.ContextRadius)
	}
	if c.SampleCount != nil && *c.SampleCount < 1 {
		return fmt.Errorf("sample_count must be >= 1, got %d", *c.SampleCount)
	}
	if c.LatentDim != nil && *c.LatentDim < 0 {
		return fmt.Errorf("latent_dim must be non-negative, got %d", *c.LatentDim)
	}
	if c.CollisionThreshold != nil && *c.CollisionThreshold <= 0 {
		return fmt.Errorf("collision_threshold must be positive, got %f", *c.CollisionThreshold)
	}
	if c.OccupancyThreshold != nil && *c.OccupancyThreshold <= 0 {
		return fmt.Errorf("occupancy_threshold must be positive, got %f", *c.OccupancyThreshold)
	}
	if c.NumericErrorTolerance != nil && *c.NumericErrorTolerance < 0 {
		return fmt.Errorf("numeric_error_tolerance must be non-negative, got %d", *c.NumericErrorTolerance)
	}

	for name, w := range map[string]*float64{
		"adversarial_weight":    c.AdversarialWeight,
		"reconstruction_weight": c.ReconstructionWeight,
		"collision_weight":      c.CollisionWeight,
	} {
		if w != nil && *w < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *w)
		}
	}

	for name, lr := range map[string]*float64{
		"generator_lr":     c.GeneratorLR,
		"discriminator_lr": c.DiscriminatorLR,
		"critic_lr":        c.CriticLR,
	} {
		if lr != nil && *lr <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *lr)
		}
	}

	return nil
}

// GetObsLen returns the obs_len value or the default.
func (c *TrainingConfig) GetObsLen() int {
	if c.ObsLen == nil {
		return 8
	}
	return *c.ObsLen
}

// GetPredLen returns the pred_len value or the default.
func (c *TrainingConfig) GetPredLen() int {
	if c.PredLen == nil {
		return 12
	}
	return *c.PredLen
}

// GetPoolingType returns the pooling_type value or the default.
func (c *TrainingConfig) GetPoolingType() string {
	if c.PoolingType == nil {
		return PoolingMax
	}
	return *c.PoolingType
}

// GetContextRadius returns the context_radius value or the default.
func (c *TrainingConfig) GetContextRadius() float64 {
	if c.ContextRadius == nil {
		return 2.0
	}
	return *c.ContextRadius
}

// GetEmbeddingDim returns the embedding_dim value or the default.
func (c *TrainingConfig) GetEmbeddingDim() int {
	if c.EmbeddingDim == nil {
		return 16
	}
	return *c.EmbeddingDim
}

// GetEncoderHidden returns the encoder_hidden value or the default.
func (c *TrainingConfig) GetEncoderHidden() int {
	if c.EncoderHidden == nil {
		return 32
	}
	return *c.EncoderHidden
}

// GetDecoderHidden returns the decoder_hidden value or the default.
func (c *TrainingConfig) GetDecoderHidden() int {
	if c.DecoderHidden == nil {
		return 32
	}
	return *c.DecoderHidden
}

// GetMLPDim returns the mlp_dim value or the default.
func (c *TrainingConfig) GetMLPDim() int {
	if c.MLPDim == nil {
		return 16
	}
	return *c.MLPDim
}

// GetBottleneckDim returns the bottleneck_dim value or the default.
func (c *TrainingConfig) GetBottleneckDim() int {
	if c.BottleneckDim == nil {
		return 8
	}
	return *c.BottleneckDim
}

// GetLatentDim returns the latent_dim value or the default.
func (c *TrainingConfig) GetLatentDim() int {
	if c.LatentDim == nil {
		return 8
	}
	return *c.LatentDim
}

// GetSampleCount returns the sample_count value or the default.
func (c *TrainingConfig) GetSampleCount() int {
	if c.SampleCount == nil {
		return 20
	}
	return *c.SampleCount
}

// GetRolloutMode returns the rollout_mode value or the default.
func (c *TrainingConfig) GetRolloutMode() string {
	if c.RolloutMode == nil {
		return RolloutFrozen
	}
	return *c.RolloutMode
}

// GetSeed returns the seed value or the default.
func (c *TrainingConfig) GetSeed() int64 {
	if c.Seed == nil {
		return 42
	}
	return *c.Seed
}

// GetCriticAggregation returns the critic_aggregation value or the default.
func (c *TrainingConfig) GetCriticAggregation() string {
	if c.CriticAggregation == nil {
		return AggregateSum
	}
	return *c.CriticAggregation
}

// GetCollisionThreshold returns the collision_threshold value or the default.
func (c *TrainingConfig) GetCollisionThreshold() float64 {
	if c.CollisionThreshold == nil {
		return 0.10
	}
	return *c.CollisionThreshold
}

// GetOccupancyThreshold returns the occupancy_threshold value or the default.
func (c *TrainingConfig) GetOccupancyThreshold() float64 {
	if c.OccupancyThreshold == nil {
		return 0.05
	}
	return *c.OccupancyThreshold
}

// GetRiskResampleLimit returns the risk_resample_limit value or the
// default. Candidates whose risk exceeds this limit trigger a resample
// at inference; zero disables resampling.
func (c *TrainingConfig) GetRiskResampleLimit() float64 {
	if c.RiskResampleLimit == nil {
		return 0
	}
	return *c.RiskResampleLimit
}

// GetAdversarialWeight returns the adversarial_weight value or the default.
func (c *TrainingConfig) GetAdversarialWeight() float64 {
	if c.AdversarialWeight == nil {
		return 1.0
	}
	return *c.AdversarialWeight
}

// GetReconstructionWeight returns the reconstruction_weight value or the default.
func (c *TrainingConfig) GetReconstructionWeight() float64 {
	if c.ReconstructionWeight == nil {
		return 1.0
	}
	return *c.ReconstructionWeight
}

// GetCollisionWeight returns the collision_weight value or the default.
func (c *TrainingConfig) GetCollisionWeight() float64 {
	if c.CollisionWeight == nil {
		return 1.0
	}
	return *c.CollisionWeight
}

// GetGeneratorLR returns the generator_lr value or the default.
func (c *TrainingConfig) GetGeneratorLR() float64 {
	if c.GeneratorLR == nil {
		return 1e-4
	}
	return *c.GeneratorLR
}

// GetDiscriminatorLR returns the discriminator_lr value or the default.
func (c *TrainingConfig) GetDiscriminatorLR() float64 {
	if c.DiscriminatorLR == nil {
		return 5e-3
	}
	return *c.DiscriminatorLR
}

// GetCriticLR returns the critic_lr value or the default.
func (c *TrainingConfig) GetCriticLR() float64 {
	if c.CriticLR == nil {
		return 5e-3
	}
	return *c.CriticLR
}

// GetGeneratorClip returns the generator_clip value or the default.
func (c *TrainingConfig) GetGeneratorClip() float64 {
	if c.GeneratorClip == nil {
		return 2.0
	}
	return *c.GeneratorClip
}

// GetDiscrimClip returns the discriminator_clip value or the default.
// Zero disables clipping.
func (c *TrainingConfig) GetDiscrimClip() float64 {
	if c.DiscrimClip == nil {
		return 0
	}
	return *c.DiscrimClip
}

// GetCriticClip returns the critic_clip value or the default.
// Zero disables clipping.
func (c *TrainingConfig) GetCriticClip() float64 {
	if c.CriticClip == nil {
		return 0
	}
	return *c.CriticClip
}

// GetDiscrimSteps returns the discriminator_steps value or the default.
func (c *TrainingConfig) GetDiscrimSteps() int {
	if c.DiscrimSteps == nil {
		return 1
	}
	return *c.DiscrimSteps
}

// GetCriticSteps returns the critic_steps value or the default.
func (c *TrainingConfig) GetCriticSteps() int {
	if c.CriticSteps == nil {
		return 1
	}
	return *c.CriticSteps
}

// GetGeneratorSteps returns the generator_steps value or the default.
func (c *TrainingConfig) GetGeneratorSteps() int {
	if c.GeneratorSteps == nil {
		return 1
	}
	return *c.GeneratorSteps
}

// GetNumericErrorTolerance returns the numeric_error_tolerance value or
// the default.
func (c *TrainingConfig) GetNumericErrorTolerance() int {
	if c.NumericErrorTolerance == nil {
		return 5
	}
	return *c.NumericErrorTolerance
}

// GetCheckpointEvery returns the checkpoint_every value or the default.
func (c *TrainingConfig) GetCheckpointEvery() int {
	if c.CheckpointEvery == nil {
		return 50
	}
	return *c.CheckpointEvery
}
