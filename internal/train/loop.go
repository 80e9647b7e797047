// Package train runs the alternating adversarial loop: a
// discriminator step, a critic step, then a generator step per scene,
// with all-or-nothing parameter commits guarded by NaN detection.
package train

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/forecast-labs/safegan/internal/checkpoint"
	"github.com/forecast-labs/safegan/internal/config"
	"github.com/forecast-labs/safegan/internal/critic"
	"github.com/forecast-labs/safegan/internal/discrim"
	"github.com/forecast-labs/safegan/internal/generator"
	"github.com/forecast-labs/safegan/internal/metrics"
	"github.com/forecast-labs/safegan/internal/nn"
	"github.com/forecast-labs/safegan/internal/pooling"
	"github.com/forecast-labs/safegan/internal/scene"
)

// ErrNumericInstability marks a training step whose updates were
// discarded because a loss or parameter went NaN or infinite.
var ErrNumericInstability = errors.New("train: numeric instability")

// ErrTooUnstable aborts a run once instability has recurred more
// often than the configured tolerance.
var ErrTooUnstable = errors.New("train: numeric error tolerance exceeded")

// Loop owns the three networks and their optimizers.
type Loop struct {
	cfg   *config.TrainingConfig
	runID string

	Gen    *generator.Generator
	Disc   *discrim.Discriminator
	Critic *critic.Critic

	genOpt    *nn.Adam
	discOpt   *nn.Adam
	criticOpt *nn.Adam

	reporter metrics.Reporter
	store    *checkpoint.Store
	tap      *pooling.AttentionTap

	step          int
	numericErrors int
	skipped       int
}

// NewLoop builds the networks from the config. reporter and store may
// be nil; the tap is only consulted when attention pooling is
// configured.
func NewLoop(cfg *config.TrainingConfig, runID string, reporter metrics.Reporter, store *checkpoint.Store, tap *pooling.AttentionTap) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.GetSeed()))

	gen, err := generator.NewGenerator(cfg, tap, rng)
	if err != nil {
		return nil, err
	}
	disc := discrim.NewDiscriminator(cfg, rng)
	crit, err := critic.NewCritic(cfg, rng)
	if err != nil {
		return nil, err
	}

	return &Loop{
		cfg:       cfg,
		runID:     runID,
		Gen:       gen,
		Disc:      disc,
		Critic:    crit,
		genOpt:    nn.NewAdam(gen.Params(), cfg.GetGeneratorLR()),
		discOpt:   nn.NewAdam(disc.Params(), cfg.GetDiscriminatorLR()),
		criticOpt: nn.NewAdam(crit.Params(), cfg.GetCriticLR()),
		reporter:  reporter,
		store:     store,
		tap:       tap,
	}, nil
}

// Step returns the number of completed training steps.
func (l *Loop) Step() int { return l.step }

// Skipped returns the number of scenes rejected before training.
func (l *Loop) Skipped() int { return l.skipped }

func (l *Loop) allParams() []*nn.Param {
	ps := l.Gen.Params()
	ps = append(ps, l.Disc.Params()...)
	ps = append(ps, l.Critic.Params()...)
	return ps
}

// NetSnapshots flattens each network's parameters for checkpointing.
func (l *Loop) NetSnapshots() map[string][]float64 {
	return map[string][]float64{
		"generator":     nn.TakeSnapshot(l.Gen.Params()).Flatten(),
		"discriminator": nn.TakeSnapshot(l.Disc.Params()).Flatten(),
		"critic":        nn.TakeSnapshot(l.Critic.Params()).Flatten(),
	}
}

// RestoreFrom loads flattened parameters previously produced by
// NetSnapshots (or read back from a checkpoint).
func (l *Loop) RestoreFrom(nets map[string][]float64) error {
	for name, params := range map[string][]*nn.Param{
		"generator":     l.Gen.Params(),
		"discriminator": l.Disc.Params(),
		"critic":        l.Critic.Params(),
	} {
		flat, ok := nets[name]
		if !ok {
			return fmt.Errorf("train: checkpoint is missing network %q", name)
		}
		snap, err := nn.UnflattenSnapshot(params, flat)
		if err != nil {
			return fmt.Errorf("train: restore %s: %w", name, err)
		}
		if err := nn.RestoreSnapshot(params, snap); err != nil {
			return fmt.Errorf("train: restore %s: %w", name, err)
		}
	}
	return nil
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// TrainScene runs one full alternating step on a scene. Invalid or
// degenerate scenes are skipped silently (counted, nil error). A
// numerically unstable step restores every network to its pre-step
// values and returns ErrNumericInstability; once that has happened
// more than the configured tolerance, ErrTooUnstable.
func (l *Loop) TrainScene(s *scene.Scene) error {
	if err := s.Validate(); err != nil {
		l.skipped++
		log.Printf("skipping scene %s: %v", s.ID, err)
		return nil
	}
	if s.Degenerate() || !s.HasGroundTruth() {
		l.skipped++
		log.Printf("skipping scene %s: degenerate or missing ground truth", s.ID)
		return nil
	}

	snap := nn.TakeSnapshot(l.allParams())
	rec, err := l.trainValidScene(s)
	if err != nil {
		if restoreErr := nn.RestoreSnapshot(l.allParams(), snap); restoreErr != nil {
			return fmt.Errorf("train: rollback failed: %v (after %w)", restoreErr, err)
		}
		l.numericErrors++
		if l.numericErrors > l.cfg.GetNumericErrorTolerance() {
			return fmt.Errorf("%w after %d occurrences: %v", ErrTooUnstable, l.numericErrors, err)
		}
		return fmt.Errorf("scene %s: %w: %v", s.ID, ErrNumericInstability, err)
	}

	l.step++
	rec.RunID = l.runID
	rec.Step = l.step
	rec.SceneID = s.ID
	if l.reporter != nil {
		l.reporter.Report(rec)
	}

	if l.store != nil && l.cfg.GetCheckpointEvery() > 0 && l.step%l.cfg.GetCheckpointEvery() == 0 {
		if err := l.store.Save(l.runID, l.step, l.NetSnapshots()); err != nil {
			return fmt.Errorf("train: checkpoint at step %d: %w", l.step, err)
		}
	}
	return nil
}

// trainValidScene performs the three phases. Any non-finite loss or
// parameter aborts with an error; the caller rolls back.
func (l *Loop) trainValidScene(s *scene.Scene) (metrics.Record, error) {
	var rec metrics.Record

	for i := 0; i < l.cfg.GetDiscrimSteps(); i++ {
		dLoss, err := l.discrimStep(s)
		if err != nil {
			return rec, err
		}
		rec.DiscrimLoss = dLoss
	}
	for i := 0; i < l.cfg.GetCriticSteps(); i++ {
		cLoss, err := l.criticStep(s)
		if err != nil {
			return rec, err
		}
		rec.CriticLoss = cLoss
	}
	for i := 0; i < l.cfg.GetGeneratorSteps(); i++ {
		if err := l.generatorStep(s, &rec); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// discrimStep trains the discriminator on the ground truth against
// one generated rollout.
func (l *Loop) discrimStep(s *scene.Scene) (float64, error) {
	fake, err := l.Gen.Rollout(s, l.Gen.Noise())
	if err != nil {
		return 0, err
	}
	n := len(s.Agents)
	ones := make([]float64, n)
	zeros := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}

	l.discOpt.ZeroGrads()

	fakeLogits, err := l.Disc.Score(s, fake.Rel)
	if err != nil {
		return 0, err
	}
	fakeLoss, dFake := nn.BCEWithLogits(fakeLogits, zeros)
	l.Disc.Backward(dFake)

	realLogits, err := l.Disc.Score(s, discrim.GroundTruthRel(s))
	if err != nil {
		return 0, err
	}
	realLoss, dReal := nn.BCEWithLogits(realLogits, ones)
	l.Disc.Backward(dReal)

	loss := fakeLoss + realLoss
	if !finite(loss) {
		return 0, fmt.Errorf("discriminator loss is not finite")
	}
	nn.ClipGradNorm(l.Disc.Params(), l.cfg.GetDiscrimClip())
	l.discOpt.Step()
	if nn.AnyNaN(l.Disc.Params()) {
		return 0, fmt.Errorf("discriminator parameters overflowed")
	}
	return loss, nil
}

// criticStep trains the learned risk head on collision labels of both
// a generated rollout and the ground truth.
func (l *Loop) criticStep(s *scene.Scene) (float64, error) {
	fake, err := l.Gen.Rollout(s, l.Gen.Noise())
	if err != nil {
		return 0, err
	}

	l.criticOpt.ZeroGrads()

	var total float64
	score := func(predRel []*mat.Dense, trajs [][]scene.Point) error {
		labels := collisionLabels(s, trajs, l.cfg)
		logits, err := l.Critic.Score(s, predRel)
		if err != nil {
			return err
		}
		loss, dLogits := nn.BCEWithLogits(logits, labels)
		l.Critic.Backward(dLogits)
		total += loss
		return nil
	}

	if err := score(fake.Rel, fake.Trajectories()); err != nil {
		return 0, err
	}
	if err := score(discrim.GroundTruthRel(s), s.FutureTrajectories()); err != nil {
		return 0, err
	}

	if !finite(total) {
		return 0, fmt.Errorf("critic loss is not finite")
	}
	nn.ClipGradNorm(l.Critic.Params(), l.cfg.GetCriticClip())
	l.criticOpt.Step()
	if nn.AnyNaN(l.Critic.Params()) {
		return 0, fmt.Errorf("critic parameters overflowed")
	}
	return total, nil
}

// collisionLabels merges agent-pair and obstacle labels per agent.
func collisionLabels(s *scene.Scene, trajs [][]scene.Point, cfg *config.TrainingConfig) []float64 {
	labels := scene.CollisionLabel(trajs, cfg.GetCollisionThreshold())
	if len(s.Obstacles) > 0 {
		occ := scene.OccupancyLabel(trajs, s.Obstacles, cfg.GetOccupancyThreshold())
		for i := range labels {
			labels[i] = math.Max(labels[i], occ[i])
		}
	}
	return labels
}

// generatorStep samples K futures, trains on the best one with the
// combined adversarial, reconstruction, and collision objective, and
// records candidate-set metrics.
func (l *Loop) generatorStep(s *scene.Scene, rec *metrics.Record) error {
	k := l.cfg.GetSampleCount()
	rollouts, err := l.Gen.Sample(s, k)
	if err != nil {
		return err
	}

	truth := s.FutureTrajectories()
	l2s := make([]float64, k)
	cands := make([][][]scene.Point, k)
	for i, r := range rollouts {
		cands[i] = r.Trajectories()
		l2s[i] = l2Error(cands[i], truth)
	}
	best := floats.MinIdx(l2s)
	rec.MinADE = metrics.MinADE(cands, truth)
	rec.MinFDE = metrics.MinFDE(cands, truth)
	rec.PredictedCollision = anyLabel(collisionLabels(s, cands[best], l.cfg))
	rec.TruthCollision = anyLabel(collisionLabels(s, truth, l.cfg))

	// rerun the winning sample so the network caches match it
	chosen, err := l.Gen.Rollout(s, rollouts[best].Noise)
	if err != nil {
		return err
	}
	n := len(s.Agents)
	predLen := s.PredLen

	wAdv := l.cfg.GetAdversarialWeight()
	wRecon := l.cfg.GetReconstructionWeight()
	wColl := l.cfg.GetCollisionWeight()

	// adversarial term: the generator wants the discriminator to call
	// its sample real
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	logits, err := l.Disc.Score(s, chosen.Rel)
	if err != nil {
		return err
	}
	advLoss, dLogits := nn.BCEWithLogits(logits, ones)
	dLogits.Scale(wAdv, dLogits)
	dRel := l.Disc.Backward(dLogits)

	// reconstruction and collision terms, formed on absolute
	// positions and folded back into displacement space
	dAbs := make([]*mat.Dense, predLen)
	var reconLoss float64
	for t := 0; t < predLen; t++ {
		dAbs[t] = mat.NewDense(n, 2, nil)
		for i := 0; i < n; i++ {
			dx := chosen.Abs[t][i].X - truth[i][t].X
			dy := chosen.Abs[t][i].Y - truth[i][t].Y
			reconLoss += dx*dx + dy*dy
			dAbs[t].Set(i, 0, 2*wRecon*dx)
			dAbs[t].Set(i, 1, 2*wRecon*dy)
		}
	}
	collLoss, dColl := l.Critic.ProximityPenalty(chosen.Trajectories(), s.Obstacles)
	for t := 0; t < predLen; t++ {
		var scaled mat.Dense
		scaled.Scale(wColl, dColl[t])
		dAbs[t].Add(dAbs[t], &scaled)
	}
	for t, d := range generator.AbsGradToRel(dAbs) {
		dRel[t].Add(dRel[t], d)
	}

	gLoss := wAdv*advLoss + wRecon*reconLoss + wColl*collLoss
	if !finite(gLoss) {
		return fmt.Errorf("generator loss is not finite")
	}

	l.genOpt.ZeroGrads()
	if err := l.Gen.Backward(dRel); err != nil {
		return err
	}
	nn.ClipGradNorm(l.Gen.Params(), l.cfg.GetGeneratorClip())
	l.genOpt.Step()
	if nn.AnyNaN(l.Gen.Params()) {
		return fmt.Errorf("generator parameters overflowed")
	}

	rec.AdvLoss = advLoss
	rec.ReconLoss = reconLoss
	rec.CollLoss = collLoss
	rec.GenLoss = gLoss
	return nil
}

func anyLabel(labels []float64) bool {
	for _, v := range labels {
		if v > 0 {
			return true
		}
	}
	return false
}

// l2Error is the summed squared positional error of a candidate.
func l2Error(cand, truth [][]scene.Point) float64 {
	var sum float64
	for i := range truth {
		for t := range truth[i] {
			d := cand[i][t].Dist(truth[i][t])
			sum += d * d
		}
	}
	return sum
}

// Run trains over the scenes for the given number of epochs. Unstable
// steps are logged and skipped; exceeding the tolerance aborts.
func (l *Loop) Run(scenes []*scene.Scene, epochs int) error {
	for e := 0; e < epochs; e++ {
		for _, s := range scenes {
			err := l.TrainScene(s)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrTooUnstable) {
				return err
			}
			if errors.Is(err, ErrNumericInstability) {
				log.Printf("discarded step: %v", err)
				continue
			}
			return err
		}
		log.Printf("epoch %d/%d complete (%d steps, %d scenes skipped)", e+1, epochs, l.step, l.skipped)
	}
	return nil
}
