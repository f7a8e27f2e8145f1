package report

import (
	"fmt"
	"io"
	"math"

	"github.com/banshee-data/facefit/internal/recon"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/spatial/r2"
)

// LandmarkChart is the input to RenderLandmarkChart.
type LandmarkChart struct {
	Title       string
	ImageWidth  int
	ImageHeight int

	// Observed are the 2D constraints and Projected the fitted landmark
	// vertices, index-aligned. The first NumContour entries are contour
	// landmarks and are drawn as a separate series.
	Observed   []r2.Vec
	Projected  []r2.Vec
	NumContour int

	History []recon.IterationStats

	// AssetsHost overrides where the page loads echarts from; empty uses
	// the library default.
	AssetsHost string
}

// RenderLandmarkChart writes an HTML page with the observed and fitted
// landmarks in image coordinates and, when history is present, the RMS
// error per iteration.
func RenderLandmarkChart(w io.Writer, c LandmarkChart) error {
	if len(c.Observed) != len(c.Projected) {
		return fmt.Errorf("landmark chart: %d observed vs %d projected points", len(c.Observed), len(c.Projected))
	}
	if c.NumContour < 0 || c.NumContour > len(c.Observed) {
		return fmt.Errorf("landmark chart: contour count %d out of range [0, %d]", c.NumContour, len(c.Observed))
	}
	title := c.Title
	if title == "" {
		title = "Landmark Fit"
	}

	initOpts := opts.Initialization{PageTitle: title, Theme: "dark", Width: "900px", Height: "700px"}
	if c.AssetsHost != "" {
		initOpts.AssetsHost = c.AssetsHost
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts),
		charts.WithTitleOpts(opts.Title{
			Title:    title,
			Subtitle: fmt.Sprintf("landmarks=%d contour=%d rms=%.3fpx", len(c.Observed), c.NumContour, rmsDistance(c.Observed, c.Projected)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: c.ImageWidth, Name: "x (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: c.ImageHeight, Name: "y (px)", NameLocation: "middle", NameGap: 30}),
	)

	scatter.AddSeries("observed", scatterData(c.Observed[c.NumContour:]),
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#9e9e9e"}))
	scatter.AddSeries("observed contour", scatterData(c.Observed[:c.NumContour]),
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ffd54f"}))
	scatter.AddSeries("fitted", scatterData(c.Projected),
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ff5252"}))

	page := components.NewPage()
	if c.AssetsHost != "" {
		page.SetAssetsHost(c.AssetsHost)
	}
	page.AddCharts(scatter)

	if len(c.History) > 0 {
		iters := make([]int, len(c.History))
		rms := make([]opts.LineData, len(c.History))
		for i, s := range c.History {
			iters[i] = s.Iteration
			rms[i] = opts.LineData{Value: s.RMSError}
		}
		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(initOpts),
			charts.WithTitleOpts(opts.Title{Title: "RMS error per iteration"}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithXAxisOpts(opts.XAxis{Name: "iteration", NameLocation: "middle", NameGap: 25}),
			charts.WithYAxisOpts(opts.YAxis{Name: "px", NameLocation: "middle", NameGap: 30}),
		)
		line.SetXAxis(iters).AddSeries("rms", rms)
		page.AddCharts(line)
	}

	return page.Render(w)
}

func scatterData(pts []r2.Vec) []opts.ScatterData {
	data := make([]opts.ScatterData, 0, len(pts))
	for _, p := range pts {
		data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y}})
	}
	return data
}

func rmsDistance(a, b []r2.Vec) float64 {
	if len(a) == 0 {
		return 0
	}
	var sum float64
	for i := range a {
		sum += r2.Norm2(r2.Sub(a[i], b[i]))
	}
	return math.Sqrt(sum / float64(len(a)))
}
