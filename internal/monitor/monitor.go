// Package monitor serves a small HTTP surface for watching a training
// run: attention-weight heatmaps, loss curves, and raw JSON feeds.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"log"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/forecast-labs/safegan/internal/metrics"
	"github.com/forecast-labs/safegan/internal/pooling"
)

// LossHistory is a metrics.Reporter that keeps the per-step loss
// series in memory for plotting. Safe for concurrent use.
type LossHistory struct {
	mu      sync.Mutex
	records []metrics.Record
}

func NewLossHistory() *LossHistory {
	return &LossHistory{}
}

func (h *LossHistory) Report(r metrics.Record) {
	h.mu.Lock()
	h.records = append(h.records, r)
	h.mu.Unlock()
}

// Records returns a copy of everything reported so far.
func (h *LossHistory) Records() []metrics.Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]metrics.Record, len(h.records))
	copy(out, h.records)
	return out
}

// Server exposes the monitoring endpoints. Construct with NewServer
// and call Start; a Server is inert when the address is empty.
type Server struct {
	address string
	tap     *pooling.AttentionTap
	history *LossHistory
	server  *http.Server
}

func NewServer(address string, tap *pooling.AttentionTap, history *LossHistory) *Server {
	s := &Server{address: address, tap: tap, history: history}
	s.server = &http.Server{
		Addr:    address,
		Handler: s.setupRoutes(),
	}
	return s
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/attention", s.handleAttention)
	mux.HandleFunc("/api/attention", s.handleAttentionJSON)
	mux.HandleFunc("/curves", s.handleCurves)
	mux.HandleFunc("/api/curves", s.handleCurvesJSON)
	return mux
}

// Start begins serving in a goroutine and shuts down when the context
// is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.address == "" {
		return nil
	}
	go func() {
		log.Printf("starting monitor server on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("monitor server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("monitor server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			log.Printf("monitor server force close error: %v", err)
		}
	}
	return nil
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// attentionSeries collects the tapped weights of one (scene, agent,
// source) across timesteps. Rows are timesteps, columns element
// indices within the pooled set.
func (s *Server) attentionSeries(sceneID, agentID, source string) map[int][]float64 {
	out := make(map[int][]float64)
	if s.tap == nil {
		return out
	}
	for key, w := range s.tap.Snapshot() {
		if key.SceneID == sceneID && key.AgentID == agentID && key.Source == source {
			out[key.Timestep] = w
		}
	}
	return out
}

// handleAttention renders a heatmap of attention weights for a
// (scene, agent) pair. Query params: scene, agent, source
// (dynamic|static, default dynamic).
func (s *Server) handleAttention(w http.ResponseWriter, r *http.Request) {
	sceneID := r.URL.Query().Get("scene")
	agentID := r.URL.Query().Get("agent")
	source := r.URL.Query().Get("source")
	if source == "" {
		source = pooling.SourceDynamic
	}
	series := s.attentionSeries(sceneID, agentID, source)
	if len(series) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no attention weights recorded for that scene/agent")
		return
	}

	var timesteps []int
	width := 0
	for t, ws := range series {
		timesteps = append(timesteps, t)
		if len(ws) > width {
			width = len(ws)
		}
	}
	sort.Ints(timesteps)

	data := make([]opts.HeatMapData, 0, len(timesteps)*width)
	maxW := 0.0
	for row, t := range timesteps {
		for col, v := range series[t] {
			if v > maxW {
				maxW = v
			}
			data = append(data, opts.HeatMapData{Value: [3]interface{}{col, row, v}})
		}
	}
	if maxW == 0 {
		maxW = 1
	}

	xLabels := make([]string, width)
	for i := range xLabels {
		xLabels[i] = strconv.Itoa(i)
	}
	yLabels := make([]string, len(timesteps))
	for i, t := range timesteps {
		yLabels[i] = strconv.Itoa(t)
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Attention Weights", Width: "900px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Attention Weights",
			Subtitle: fmt.Sprintf("scene=%s agent=%s source=%s", sceneID, agentID, source),
		}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: "element", Data: xLabels}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Name: "timestep", Data: yLabels}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxW),
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#31688e", "#35b779", "#fde725"}},
		}),
	)
	hm.AddSeries("attention", data)

	var buf bytes.Buffer
	if err := hm.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleAttentionJSON(w http.ResponseWriter, r *http.Request) {
	sceneID := r.URL.Query().Get("scene")
	agentID := r.URL.Query().Get("agent")
	source := r.URL.Query().Get("source")
	if source == "" {
		source = pooling.SourceDynamic
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.attentionSeries(sceneID, agentID, source))
}

// handleCurves renders the generator, discriminator, and critic loss
// series as a PNG.
func (s *Server) handleCurves(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSONError(w, http.StatusNotFound, "no loss history attached")
		return
	}
	records := s.history.Records()
	if len(records) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no training steps recorded yet")
		return
	}

	p := plot.New()
	p.Title.Text = "Training Losses"
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "Loss"

	series := []struct {
		name string
		get  func(metrics.Record) float64
	}{
		{"generator", func(r metrics.Record) float64 { return r.GenLoss }},
		{"discriminator", func(r metrics.Record) float64 { return r.DiscrimLoss }},
		{"critic", func(r metrics.Record) float64 { return r.CriticLoss }},
	}
	for i, sr := range series {
		pts := make(plotter.XYs, 0, len(records))
		for _, rec := range records {
			pts = append(pts, plotter.XY{X: float64(rec.Step), Y: sr.get(rec)})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build series: %v", err))
			return
		}
		line.Color = plotColors[i%len(plotColors)]
		p.Add(line)
		p.Legend.Add(sr.name, line)
	}

	wt, err := p.WriterTo(8*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		log.Printf("monitor: writing curves png: %v", err)
	}
}

func (s *Server) handleCurvesJSON(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeJSONError(w, http.StatusNotFound, "no loss history attached")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.history.Records())
}

var plotColors = []color.RGBA{
	{R: 31, G: 119, B: 180, A: 255},
	{R: 255, G: 127, B: 14, A: 255},
	{R: 44, G: 160, B: 44, A: 255},
}
