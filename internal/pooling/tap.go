package pooling

import "sync"

// TapKey identifies a single attention readout: which scene, which
// agent, at which rollout timestep, and whether the weights come from
// the dynamic (neighbor) or static (obstacle) pooler.
type TapKey struct {
	SceneID  string
	AgentID  string
	Timestep int
	Source   string
}

// Source values for TapKey.
const (
	SourceDynamic = "dynamic"
	SourceStatic  = "static"
)

// AttentionTap collects attention weights as they are produced during
// a forward pass. It is safe for concurrent use; the training loop
// writes while the monitor server reads.
type AttentionTap struct {
	mu      sync.Mutex
	weights map[TapKey][]float64
}

func NewAttentionTap() *AttentionTap {
	return &AttentionTap{weights: make(map[TapKey][]float64)}
}

// Record stores a copy of the weights under the key, overwriting any
// previous entry.
func (t *AttentionTap) Record(key TapKey, w []float64) {
	if t == nil || len(w) == 0 {
		return
	}
	cp := make([]float64, len(w))
	copy(cp, w)
	t.mu.Lock()
	t.weights[key] = cp
	t.mu.Unlock()
}

// Get returns the recorded weights for the key, or nil.
func (t *AttentionTap) Get(key TapKey) []float64 {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.weights[key]
	if !ok {
		return nil
	}
	cp := make([]float64, len(w))
	copy(cp, w)
	return cp
}

// Snapshot returns a copy of every recorded entry.
func (t *AttentionTap) Snapshot() map[TapKey][]float64 {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[TapKey][]float64, len(t.weights))
	for k, w := range t.weights {
		cp := make([]float64, len(w))
		copy(cp, w)
		out[k] = cp
	}
	return out
}

// Reset drops all recorded entries.
func (t *AttentionTap) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.weights = make(map[TapKey][]float64)
	t.mu.Unlock()
}
