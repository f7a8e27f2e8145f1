// Package report renders reconstruction diagnostics: PNG convergence plots
// with gonum/plot and an HTML landmark overlay with go-echarts.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/banshee-data/facefit/internal/recon"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// ConvergencePlotter collects per-iteration statistics of one run and
// writes them out as line plots.
type ConvergencePlotter struct {
	mu        sync.Mutex
	outputDir string
	runID     string
	samples   []recon.IterationStats
}

// NewConvergencePlotter creates a plotter writing into outputDir. runID is
// used in plot titles and may be empty.
func NewConvergencePlotter(runID, outputDir string) *ConvergencePlotter {
	return &ConvergencePlotter{runID: runID, outputDir: outputDir}
}

// Record appends stats for one outer iteration.
func (cp *ConvergencePlotter) Record(stats ...recon.IterationStats) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.samples = append(cp.samples, stats...)
}

// Len returns the number of recorded iterations.
func (cp *ConvergencePlotter) Len() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.samples)
}

// series is one line on a plot.
type series struct {
	label string
	value func(recon.IterationStats) float64
}

// GeneratePlots writes rms_error.png, solve_costs.png and trust_weights.png.
// Returns the number of plots generated and any error.
func (cp *ConvergencePlotter) GeneratePlots() (int, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.outputDir == "" {
		return 0, fmt.Errorf("no output directory configured")
	}
	if len(cp.samples) == 0 {
		return 0, nil
	}
	if err := os.MkdirAll(cp.outputDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}

	samples := append([]recon.IterationStats(nil), cp.samples...)
	sort.SliceStable(samples, func(a, b int) bool {
		return samples[a].Iteration < samples[b].Iteration
	})

	plots := []struct {
		file   string
		title  string
		yLabel string
		lines  []series
	}{
		{
			file:   "rms_error.png",
			title:  "Landmark Reprojection Error",
			yLabel: "RMS error (px)",
			lines: []series{
				{"rms", func(s recon.IterationStats) float64 { return s.RMSError }},
			},
		},
		{
			file:   "solve_costs.png",
			title:  "Final Solve Cost",
			yLabel: "Cost",
			lines: []series{
				{"pose", func(s recon.IterationStats) float64 { return s.PoseCost }},
				{"expression", func(s recon.IterationStats) float64 { return s.ExpressionCost }},
				{"identity", func(s recon.IterationStats) float64 { return s.IdentityCost }},
			},
		},
		{
			file:   "trust_weights.png",
			title:  "Prior Trust Weights",
			yLabel: "Weight",
			lines: []series{
				{"identity", func(s recon.IterationStats) float64 { return s.IdentityTrustWeight }},
				{"expression", func(s recon.IterationStats) float64 { return s.ExpressionTrustWeight }},
			},
		},
	}

	plotCount := 0
	for _, pd := range plots {
		title := pd.title
		if cp.runID != "" {
			title = fmt.Sprintf("%s (%s)", pd.title, cp.runID)
		}
		path := filepath.Join(cp.outputDir, pd.file)
		if err := savePlot(path, title, pd.yLabel, samples, pd.lines); err != nil {
			return plotCount, fmt.Errorf("%s: %w", pd.file, err)
		}
		plotCount++
	}
	return plotCount, nil
}

func savePlot(path, title, yLabel string, samples []recon.IterationStats, lines []series) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = yLabel

	for i, s := range lines {
		pts := make(plotter.XYs, 0, len(samples))
		for _, sample := range samples {
			pts = append(pts, plotter.XY{X: float64(sample.Iteration), Y: s.value(sample)})
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(i)
		line.Width = vg.Points(1)
		points.GlyphStyle.Color = plotutil.Color(i)
		points.GlyphStyle.Shape = plotutil.Shape(i)
		points.GlyphStyle.Radius = vg.Points(2)
		p.Add(line, points)
		p.Legend.Add(s.label, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}
