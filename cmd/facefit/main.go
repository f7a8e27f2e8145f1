// Command facefit fits the multilinear face model to 2D landmarks and
// writes the recovered pose, weights and mesh.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/banshee-data/facefit/internal/config"
	"github.com/banshee-data/facefit/internal/db"
	"github.com/banshee-data/facefit/internal/landmarks"
	"github.com/banshee-data/facefit/internal/recon"
	"github.com/banshee-data/facefit/internal/report"
	"github.com/banshee-data/facefit/internal/storage/sqlite"
	"github.com/banshee-data/facefit/internal/synth"
	"github.com/banshee-data/facefit/internal/version"
	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r2"
)

// options holds the parsed command line.
type options struct {
	configPath   string
	modelPath    string
	priorIDPath  string
	priorExpPath string
	meshPath     string
	pointsPath   string
	indicesPath  string
	contourPath  string
	width        int
	height       int
	outDir       string
	dbPath       string
	migrations   string
	plotsDir     string
	chartPath    string
	showVersion  bool
	logDiag      bool
	logTrace     bool
	synthetic    bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("facefit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "Tuning config JSON (defaults apply to omitted keys)")
	fs.StringVar(&o.modelPath, "model", "", "Multilinear core tensor file")
	fs.StringVar(&o.priorIDPath, "prior-id", "", "Identity prior file")
	fs.StringVar(&o.priorExpPath, "prior-exp", "", "Expression prior file")
	fs.StringVar(&o.meshPath, "mesh", "", "Template mesh (OBJ)")
	fs.StringVar(&o.pointsPath, "points", "", "2D landmark points, one 'x y' per line")
	fs.StringVar(&o.indicesPath, "indices", "", "Landmark vertex indices")
	fs.StringVar(&o.contourPath, "contour", "", "Contour candidate groups, one group per line")
	fs.IntVar(&o.width, "width", 0, "Image width in pixels")
	fs.IntVar(&o.height, "height", 0, "Image height in pixels")
	fs.StringVar(&o.outDir, "out", "", "Output directory for result.json and fitted.obj")
	fs.StringVar(&o.dbPath, "db", "", "SQLite database to record the run in (optional)")
	fs.StringVar(&o.migrations, "migrations", "", "Migrations directory (default: embedded migrations)")
	fs.StringVar(&o.plotsDir, "plots", "", "Directory for convergence PNG plots (optional)")
	fs.StringVar(&o.chartPath, "chart", "", "HTML landmark chart output path (optional)")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")
	fs.BoolVar(&o.logDiag, "log-diag", false, "Log one line per inner solve")
	fs.BoolVar(&o.logTrace, "log-trace", false, "Log every solver iteration")
	fs.BoolVar(&o.synthetic, "synthetic", false, "Generate a synthetic scene into <out>/input and fit it")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

// validate checks that every required input is present once -synthetic has
// filled in its paths.
func (o *options) validate() error {
	if o.outDir == "" {
		return errors.New("-out is required")
	}
	required := []struct {
		flag, value string
	}{
		{"-model", o.modelPath},
		{"-prior-id", o.priorIDPath},
		{"-prior-exp", o.priorExpPath},
		{"-mesh", o.meshPath},
		{"-points", o.pointsPath},
		{"-indices", o.indicesPath},
		{"-contour", o.contourPath},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required (or use -synthetic)", r.flag)
		}
	}
	if o.width <= 0 || o.height <= 0 {
		return fmt.Errorf("-width and -height must be positive, got %dx%d", o.width, o.height)
	}
	return nil
}

// useSynthetic writes a synthetic scene under outDir and points the input
// flags at it.
func (o *options) useSynthetic() error {
	scene, err := synth.NewScene(synth.DefaultTruth())
	if err != nil {
		return err
	}
	paths, err := scene.WriteFiles(filepath.Join(o.outDir, "input"))
	if err != nil {
		return err
	}
	o.modelPath = paths.Model
	o.priorIDPath = paths.IdentityPrior
	o.priorExpPath = paths.ExpressionPrior
	o.meshPath = paths.Mesh
	o.pointsPath = paths.Points
	o.indicesPath = paths.Indices
	o.contourPath = paths.Contour
	o.width = scene.Truth.Width
	o.height = scene.Truth.Height
	log.Printf("[facefit] synthetic scene written to %s", filepath.Dir(paths.Model))
	return nil
}

// result is the JSON document written to <out>/result.json.
type result struct {
	RunID                   string              `json:"run_id"`
	Version                 string              `json:"version"`
	Termination             string              `json:"termination"`
	ImageWidth              int                 `json:"image_width"`
	ImageHeight             int                 `json:"image_height"`
	Rotation                [3]float64          `json:"rotation"`
	Translation             [3]float64          `json:"translation"`
	IdentityWeights         []float64           `json:"identity_weights"`
	ExpressionWeights       []float64           `json:"expression_weights"`
	NativeExpressionWeights []float64           `json:"native_expression_weights"`
	Indices                 []int               `json:"indices"`
	RMSError                float64             `json:"rms_error"`
	History                 []*sqlite.Iteration `json:"history"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("facefit: %v", err)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if o.showVersion {
		fmt.Fprintln(stdout, version.String())
		return nil
	}

	tuning := config.EmptyTuningConfig()
	if o.configPath != "" {
		if tuning, err = config.LoadTuningConfig(o.configPath); err != nil {
			return err
		}
	}
	cfg := tuning.ReconConfig()
	opt := tuning.OptimizationParameters()

	writers := recon.LogWriters{Ops: stderr}
	if o.logDiag {
		writers.Diag = stderr
	}
	if o.logTrace {
		writers.Trace = stderr
	}
	recon.SetLogWriters(writers)
	defer recon.SetLogWriters(recon.LogWriters{})

	if o.synthetic && o.outDir != "" {
		if err := o.useSynthetic(); err != nil {
			return err
		}
	}
	if err := o.validate(); err != nil {
		return err
	}

	points, err := landmarks.LoadPoints(o.pointsPath)
	if err != nil {
		return err
	}
	indices, err := landmarks.LoadIndices(o.indicesPath)
	if err != nil {
		return err
	}
	contour, err := landmarks.LoadContour(o.contourPath)
	if err != nil {
		return err
	}

	r, err := recon.NewReconstructor(cfg)
	if err != nil {
		return err
	}
	if err := r.LoadModel(o.modelPath); err != nil {
		return err
	}
	if err := r.LoadPriors(o.priorIDPath, o.priorExpPath); err != nil {
		return err
	}
	if err := r.LoadMesh(o.meshPath); err != nil {
		return err
	}
	r.SetImageSize(o.width, o.height)
	r.SetIndices(indices)
	r.SetConstraints(recon.ConstraintsFromPoints(points, 1))
	r.SetContourIndices(contour)
	r.SetOptimizationParameters(opt)

	if err := r.Reconstruct(); err != nil {
		return err
	}

	runID := uuid.New().String()
	res := buildResult(runID, r, opt)

	if err := os.MkdirAll(o.outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := writeJSON(filepath.Join(o.outDir, "result.json"), res); err != nil {
		return err
	}
	if err := r.Mesh().SaveOBJ(filepath.Join(o.outDir, "fitted.obj")); err != nil {
		return err
	}
	log.Printf("[facefit] run %s: %d iterations, rms %.4fpx, results in %s", runID, len(res.History), res.RMSError, o.outDir)

	if o.dbPath != "" {
		if err := recordRun(o, tuning, res); err != nil {
			return err
		}
	}
	if o.plotsDir != "" {
		plotter := report.NewConvergencePlotter(runID, o.plotsDir)
		plotter.Record(r.History()...)
		n, err := plotter.GeneratePlots()
		if err != nil {
			return fmt.Errorf("generate plots: %w", err)
		}
		log.Printf("[facefit] wrote %d plots to %s", n, o.plotsDir)
	}
	if o.chartPath != "" {
		if err := writeChart(o.chartPath, runID, r); err != nil {
			return err
		}
	}

	fmt.Fprintln(stdout, runID)
	return nil
}

func buildResult(runID string, r *recon.Reconstructor, opt recon.OptimizationParameters) *result {
	history := r.History()
	scheduled := r.Config().OuterIterations
	if opt.MaxIters > 0 {
		scheduled = opt.MaxIters
	}
	termination := "completed"
	if len(history) < scheduled {
		termination = "early_exit"
	}
	var rms float64
	if len(history) > 0 {
		rms = history[len(history)-1].RMSError
	}
	rot, tr := r.Rotation(), r.Translation()
	return &result{
		RunID:                   runID,
		Version:                 version.Version,
		Termination:             termination,
		ImageWidth:              int(r.CameraParameters().ImageSize.X),
		ImageHeight:             int(r.CameraParameters().ImageSize.Y),
		Rotation:                [3]float64{rot.X, rot.Y, rot.Z},
		Translation:             [3]float64{tr.X, tr.Y, tr.Z},
		IdentityWeights:         r.IdentityWeights(),
		ExpressionWeights:       r.ExpressionWeights(),
		NativeExpressionWeights: r.NativeExpressionWeights(),
		Indices:                 r.Indices(),
		RMSError:                rms,
		History:                 sqlite.IterationsFromStats(runID, history),
	}
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func recordRun(o *options, tuning *config.TuningConfig, res *result) error {
	var database *db.DB
	var err error
	if o.migrations != "" {
		if database, err = db.OpenDB(o.dbPath); err == nil {
			if err = database.MigrateUp(os.DirFS(o.migrations)); err != nil {
				database.Close()
			}
		}
	} else {
		database, err = db.NewDB(o.dbPath)
	}
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	params, err := json.Marshal(tuning)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	store := sqlite.NewRunStore(database.DB)
	rec := &sqlite.Run{
		RunID:          res.RunID,
		ImageWidth:     res.ImageWidth,
		ImageHeight:    res.ImageHeight,
		NumConstraints: len(res.Indices),
		Iterations:     len(res.History),
		Termination:    res.Termination,
		Rotation:       res.Rotation,
		Translation:    res.Translation,
		Identity:       res.IdentityWeights,
		Expression:     res.ExpressionWeights,
		Indices:        res.Indices,
		RMSError:       res.RMSError,
		ParamsJSON:     params,
		SourcePath:     o.pointsPath,
	}
	if err := store.Insert(rec); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	if err := store.InsertIterations(res.History); err != nil {
		return fmt.Errorf("record iterations: %w", err)
	}
	log.Printf("[facefit] run %s recorded in %s", res.RunID, o.dbPath)
	return nil
}

func writeChart(path, runID string, r *recon.Reconstructor) error {
	constraints := r.Constraints()
	observed := make([]r2.Vec, len(constraints))
	for i, c := range constraints {
		observed[i] = c.Data
	}
	numContour := r.Config().NumContourPoints
	if numContour > len(observed) {
		numContour = len(observed)
	}
	cam := r.CameraParameters()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chart: %w", err)
	}
	err = report.RenderLandmarkChart(f, report.LandmarkChart{
		Title:       "facefit " + runID,
		ImageWidth:  int(cam.ImageSize.X),
		ImageHeight: int(cam.ImageSize.Y),
		Observed:    observed,
		Projected:   r.ProjectedLandmarks(),
		NumContour:  numContour,
		History:     r.History(),
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}
