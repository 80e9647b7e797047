// Package metrics accumulates evaluation numbers for the training
// loop and offline benchmarks: displacement errors over candidate
// sets and collision counts.
package metrics

import (
	"log"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/forecast-labs/safegan/internal/scene"
)

// Record is one scene's worth of training or evaluation output.
type Record struct {
	RunID   string
	Step    int
	SceneID string

	DiscrimLoss float64
	CriticLoss  float64
	GenLoss     float64
	AdvLoss     float64
	ReconLoss   float64
	CollLoss    float64

	MinADE float64
	MinFDE float64

	// PredictedCollision and TruthCollision flag whether the selected
	// candidate, respectively the ground truth, contains a collision.
	PredictedCollision bool
	TruthCollision     bool
}

// Reporter receives a record per processed scene.
type Reporter interface {
	Report(Record)
}

// ADE is the displacement error between a candidate and the ground
// truth, averaged over agents and timesteps.
func ADE(cand, truth [][]scene.Point) float64 {
	var sum float64
	var count int
	for i := range truth {
		for t := range truth[i] {
			sum += cand[i][t].Dist(truth[i][t])
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// FDE is the displacement error at the final timestep, averaged over
// agents.
func FDE(cand, truth [][]scene.Point) float64 {
	var sum float64
	for i := range truth {
		last := len(truth[i]) - 1
		sum += cand[i][last].Dist(truth[i][last])
	}
	if len(truth) == 0 {
		return 0
	}
	return sum / float64(len(truth))
}

// MinADE returns the smallest ADE over a candidate set.
func MinADE(cands [][][]scene.Point, truth [][]scene.Point) float64 {
	return minOver(cands, truth, ADE)
}

// MinFDE returns the smallest FDE over a candidate set.
func MinFDE(cands [][][]scene.Point, truth [][]scene.Point) float64 {
	return minOver(cands, truth, FDE)
}

func minOver(cands [][][]scene.Point, truth [][]scene.Point, f func(a, b [][]scene.Point) float64) float64 {
	if len(cands) == 0 {
		return 0
	}
	vals := make([]float64, len(cands))
	for i, c := range cands {
		vals[i] = f(c, truth)
	}
	return floats.Min(vals)
}

// Summary aggregates the records an Accumulator has seen.
type Summary struct {
	Scenes              int
	Skipped             int
	MeanMinADE          float64
	MeanMinFDE          float64
	PredictedCollisions int
	TruthCollisions     int
}

// Accumulator is a Reporter that keeps running sums. Safe for
// concurrent use.
type Accumulator struct {
	mu      sync.Mutex
	scenes  int
	skipped int
	sumADE  float64
	sumFDE  float64
	predCol int
	truthCo int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) Report(r Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scenes++
	a.sumADE += r.MinADE
	a.sumFDE += r.MinFDE
	if r.PredictedCollision {
		a.predCol++
	}
	if r.TruthCollision {
		a.truthCo++
	}
}

// Skip counts a scene that was rejected before scoring.
func (a *Accumulator) Skip() {
	a.mu.Lock()
	a.skipped++
	a.mu.Unlock()
}

func (a *Accumulator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Summary{
		Scenes:              a.scenes,
		Skipped:             a.skipped,
		PredictedCollisions: a.predCol,
		TruthCollisions:     a.truthCo,
	}
	if a.scenes > 0 {
		s.MeanMinADE = a.sumADE / float64(a.scenes)
		s.MeanMinFDE = a.sumFDE / float64(a.scenes)
	}
	return s
}

// LogReporter prints each record through the standard logger.
type LogReporter struct{}

func (LogReporter) Report(r Record) {
	log.Printf("step %d scene %s: d=%.4f c=%.4f g=%.4f (adv=%.4f recon=%.4f coll=%.4f) minADE=%.4f minFDE=%.4f",
		r.Step, r.SceneID, r.DiscrimLoss, r.CriticLoss, r.GenLoss, r.AdvLoss, r.ReconLoss, r.CollLoss, r.MinADE, r.MinFDE)
}

// MultiReporter fans a record out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Report(r Record) {
	for _, rep := range m {
		rep.Report(r)
	}
}
