package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/facefit/internal/recon"
	"github.com/banshee-data/facefit/internal/solver"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// TuningConfig represents the root configuration for a reconstruction run.
// Every field is optional; the Get* accessors fall back to the reference
// schedule for anything the JSON omits.
type TuningConfig struct {
	// Outer loop schedule
	OuterIterations         *int `json:"outer_iterations,omitempty"`
	PoseIterations          *int `json:"pose_iterations,omitempty"`
	InnerIterationsPerOuter *int `json:"inner_iterations_per_outer,omitempty"`

	// Contour params
	NumContourPoints      *int     `json:"num_contour_points,omitempty"`
	InitialContourWeight  *float64 `json:"initial_contour_weight,omitempty"`
	ContourAcceptDistance *float64 `json:"contour_accept_distance,omitempty"` // pixels

	// Initial state
	InitialTranslation *[3]float64 `json:"initial_translation,omitempty"`
	NeutralEpsilon     *float64    `json:"neutral_epsilon,omitempty"`

	// Prior params
	IdentityTrustWeight   *float64 `json:"identity_trust_weight,omitempty"`
	IdentityTrustDecay    *float64 `json:"identity_trust_decay,omitempty"`
	ExpressionTrustWeight *float64 `json:"expression_trust_weight,omitempty"`
	ExpressionTrustDecay  *float64 `json:"expression_trust_decay,omitempty"`
	ExpressionBound       *float64 `json:"expression_bound,omitempty"`
	PupilLandmarks        *[4]int  `json:"pupil_landmarks,omitempty"`
	PupilScaleDivisor     *float64 `json:"pupil_scale_divisor,omitempty"`

	// Camera
	FocalLength *float64 `json:"focal_length,omitempty"`

	// Solver params
	SolverMethod             *string  `json:"solver_method,omitempty"` // trust_region | dense_lm
	ConcurrentResiduals      *bool    `json:"concurrent_residuals,omitempty"`
	FunctionTolerance        *float64 `json:"function_tolerance,omitempty"`
	GradientTolerance        *float64 `json:"gradient_tolerance,omitempty"`
	ParameterTolerance       *float64 `json:"parameter_tolerance,omitempty"`
	InitialTrustRegionRadius *float64 `json:"initial_trust_region_radius,omitempty"`
	NumericDiffStep          *float64 `json:"numeric_diff_step,omitempty"`

	// Early exit (0 disables)
	MaxIters           *int     `json:"max_iters,omitempty"`
	ErrorThreshold     *float64 `json:"error_threshold,omitempty"`
	ErrorDiffThreshold *float64 `json:"error_diff_threshold,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field set to the
// reference schedule.
func DefaultTuningConfig() *TuningConfig {
	d := recon.DefaultConfig()
	translation := [3]float64{d.InitialTranslation.X, d.InitialTranslation.Y, d.InitialTranslation.Z}
	pupils := d.PupilLandmarks
	return &TuningConfig{
		OuterIterations:          ptrInt(d.OuterIterations),
		PoseIterations:           ptrInt(d.PoseIterations),
		InnerIterationsPerOuter:  ptrInt(d.InnerIterationsPerOuter),
		NumContourPoints:         ptrInt(d.NumContourPoints),
		InitialContourWeight:     ptrFloat64(d.InitialContourWeight),
		ContourAcceptDistance:    ptrFloat64(d.ContourAcceptDistance),
		InitialTranslation:       &translation,
		NeutralEpsilon:           ptrFloat64(d.NeutralEpsilon),
		IdentityTrustWeight:      ptrFloat64(d.IdentityTrustWeight),
		IdentityTrustDecay:       ptrFloat64(d.IdentityTrustDecay),
		ExpressionTrustWeight:    ptrFloat64(d.ExpressionTrustWeight),
		ExpressionTrustDecay:     ptrFloat64(d.ExpressionTrustDecay),
		ExpressionBound:          ptrFloat64(d.ExpressionBound),
		PupilLandmarks:           &pupils,
		PupilScaleDivisor:        ptrFloat64(d.PupilScaleDivisor),
		FocalLength:              ptrFloat64(d.FocalLength),
		SolverMethod:             ptrString(d.Solver.Method.String()),
		ConcurrentResiduals:      ptrBool(d.ConcurrentResiduals),
		FunctionTolerance:        ptrFloat64(d.Solver.FunctionTolerance),
		GradientTolerance:        ptrFloat64(d.Solver.GradientTolerance),
		ParameterTolerance:       ptrFloat64(d.Solver.ParameterTolerance),
		InitialTrustRegionRadius: ptrFloat64(d.Solver.InitialTrustRegionRadius),
		NumericDiffStep:          ptrFloat64(d.Solver.NumericDiffStep),
		MaxIters:                 ptrInt(0),
		ErrorThreshold:           ptrFloat64(0),
		ErrorDiffThreshold:       ptrFloat64(0),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
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

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from internal/storage/sqlite/
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the values that are set are in range. The full
// schedule is checked again by recon.Config.Validate once defaults are
// filled in.
func (c *TuningConfig) Validate() error {
	positiveInts := []struct {
		name string
		v    *int
	}{
		{"outer_iterations", c.OuterIterations},
		{"pose_iterations", c.PoseIterations},
		{"inner_iterations_per_outer", c.InnerIterationsPerOuter},
	}
	for _, p := range positiveInts {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, *p.v)
		}
	}

	nonNegativeInts := []struct {
		name string
		v    *int
	}{
		{"num_contour_points", c.NumContourPoints},
		{"max_iters", c.MaxIters},
	}
	for _, p := range nonNegativeInts {
		if p.v != nil && *p.v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", p.name, *p.v)
		}
	}

	nonNegativeFloats := []struct {
		name string
		v    *float64
	}{
		{"contour_accept_distance", c.ContourAcceptDistance},
		{"neutral_epsilon", c.NeutralEpsilon},
		{"identity_trust_weight", c.IdentityTrustWeight},
		{"identity_trust_decay", c.IdentityTrustDecay},
		{"expression_trust_weight", c.ExpressionTrustWeight},
		{"expression_trust_decay", c.ExpressionTrustDecay},
		{"function_tolerance", c.FunctionTolerance},
		{"gradient_tolerance", c.GradientTolerance},
		{"parameter_tolerance", c.ParameterTolerance},
		{"error_threshold", c.ErrorThreshold},
		{"error_diff_threshold", c.ErrorDiffThreshold},
	}
	for _, p := range nonNegativeFloats {
		if p.v != nil && *p.v < 0 {
			return fmt.Errorf("%s must be non-negative, got %g", p.name, *p.v)
		}
	}

	positiveFloats := []struct {
		name string
		v    *float64
	}{
		{"expression_bound", c.ExpressionBound},
		{"pupil_scale_divisor", c.PupilScaleDivisor},
		{"initial_trust_region_radius", c.InitialTrustRegionRadius},
		{"numeric_diff_step", c.NumericDiffStep},
	}
	for _, p := range positiveFloats {
		if p.v != nil && *p.v <= 0 {
			return fmt.Errorf("%s must be positive, got %g", p.name, *p.v)
		}
	}

	// Square-rooting keeps a weight in (0, 1] rising toward 1.
	if w := c.InitialContourWeight; w != nil && (*w <= 0 || *w > 1) {
		return fmt.Errorf("initial_contour_weight must be in (0, 1], got %g", *w)
	}
	if c.SolverMethod != nil {
		if _, err := solver.ParseMethod(*c.SolverMethod); err != nil {
			return err
		}
	}
	if c.InitialTranslation != nil && c.InitialTranslation[2] >= 0 {
		return fmt.Errorf("initial_translation z must be negative, got %g", c.InitialTranslation[2])
	}
	if c.PupilLandmarks != nil {
		for _, i := range c.PupilLandmarks {
			if i < 0 {
				return fmt.Errorf("pupil_landmarks must be non-negative, got %v", *c.PupilLandmarks)
			}
		}
	}

	return nil
}

// GetOuterIterations returns the outer_iterations value or the default.
func (c *TuningConfig) GetOuterIterations() int {
	if c.OuterIterations == nil {
		return 8
	}
	return *c.OuterIterations
}

// GetPoseIterations returns the pose_iterations value or the default.
func (c *TuningConfig) GetPoseIterations() int {
	if c.PoseIterations == nil {
		return 30
	}
	return *c.PoseIterations
}

// GetInnerIterationsPerOuter returns the inner_iterations_per_outer value or the default.
func (c *TuningConfig) GetInnerIterationsPerOuter() int {
	if c.InnerIterationsPerOuter == nil {
		return 5
	}
	return *c.InnerIterationsPerOuter
}

// GetNumContourPoints returns the num_contour_points value or the default.
func (c *TuningConfig) GetNumContourPoints() int {
	if c.NumContourPoints == nil {
		return 15
	}
	return *c.NumContourPoints
}

// GetInitialContourWeight returns the initial_contour_weight value or the default.
func (c *TuningConfig) GetInitialContourWeight() float64 {
	if c.InitialContourWeight == nil {
		return 0.9
	}
	return *c.InitialContourWeight
}

// GetContourAcceptDistance returns the contour_accept_distance value or the default.
func (c *TuningConfig) GetContourAcceptDistance() float64 {
	if c.ContourAcceptDistance == nil {
		return 100
	}
	return *c.ContourAcceptDistance
}

// GetInitialTranslation returns the initial_translation value or the default.
func (c *TuningConfig) GetInitialTranslation() r3.Vec {
	if c.InitialTranslation == nil {
		return r3.Vec{X: 0, Y: 0, Z: -1}
	}
	t := *c.InitialTranslation
	return r3.Vec{X: t[0], Y: t[1], Z: t[2]}
}

// GetNeutralEpsilon returns the neutral_epsilon value or the default.
func (c *TuningConfig) GetNeutralEpsilon() float64 {
	if c.NeutralEpsilon == nil {
		return 1e-6
	}
	return *c.NeutralEpsilon
}

// GetIdentityTrustWeight returns the identity_trust_weight value or the default.
func (c *TuningConfig) GetIdentityTrustWeight() float64 {
	if c.IdentityTrustWeight == nil {
		return 10
	}
	return *c.IdentityTrustWeight
}

// GetIdentityTrustDecay returns the identity_trust_decay value or the default.
func (c *TuningConfig) GetIdentityTrustDecay() float64 {
	if c.IdentityTrustDecay == nil {
		return 1
	}
	return *c.IdentityTrustDecay
}

// GetExpressionTrustWeight returns the expression_trust_weight value or the default.
func (c *TuningConfig) GetExpressionTrustWeight() float64 {
	if c.ExpressionTrustWeight == nil {
		return 0.1
	}
	return *c.ExpressionTrustWeight
}

// GetExpressionTrustDecay returns the expression_trust_decay value or the default.
func (c *TuningConfig) GetExpressionTrustDecay() float64 {
	if c.ExpressionTrustDecay == nil {
		return 0.01
	}
	return *c.ExpressionTrustDecay
}

// GetExpressionBound returns the expression_bound value or the default.
func (c *TuningConfig) GetExpressionBound() float64 {
	if c.ExpressionBound == nil {
		return 1
	}
	return *c.ExpressionBound
}

// GetPupilLandmarks returns the pupil_landmarks value or the default.
func (c *TuningConfig) GetPupilLandmarks() [4]int {
	if c.PupilLandmarks == nil {
		return [4]int{28, 30, 32, 34}
	}
	return *c.PupilLandmarks
}

// GetPupilScaleDivisor returns the pupil_scale_divisor value or the default.
func (c *TuningConfig) GetPupilScaleDivisor() float64 {
	if c.PupilScaleDivisor == nil {
		return 100
	}
	return *c.PupilScaleDivisor
}

// GetFocalLength returns the focal_length value or the default.
func (c *TuningConfig) GetFocalLength() float64 {
	if c.FocalLength == nil {
		return 1000
	}
	return *c.FocalLength
}

// GetSolverMethod returns the solver_method value or the default. Unknown
// names resolve to the default; Validate rejects them.
func (c *TuningConfig) GetSolverMethod() solver.Method {
	if c.SolverMethod == nil {
		return solver.TrustRegion
	}
	m, err := solver.ParseMethod(*c.SolverMethod)
	if err != nil {
		return solver.TrustRegion
	}
	return m
}

// GetConcurrentResiduals returns the concurrent_residuals value or the default.
func (c *TuningConfig) GetConcurrentResiduals() bool {
	if c.ConcurrentResiduals == nil {
		return false
	}
	return *c.ConcurrentResiduals
}

// GetFunctionTolerance returns the function_tolerance value or the default.
func (c *TuningConfig) GetFunctionTolerance() float64 {
	if c.FunctionTolerance == nil {
		return 1e-6
	}
	return *c.FunctionTolerance
}

// GetGradientTolerance returns the gradient_tolerance value or the default.
func (c *TuningConfig) GetGradientTolerance() float64 {
	if c.GradientTolerance == nil {
		return 1e-10
	}
	return *c.GradientTolerance
}

// GetParameterTolerance returns the parameter_tolerance value or the default.
func (c *TuningConfig) GetParameterTolerance() float64 {
	if c.ParameterTolerance == nil {
		return 1e-8
	}
	return *c.ParameterTolerance
}

// GetInitialTrustRegionRadius returns the initial_trust_region_radius value or the default.
func (c *TuningConfig) GetInitialTrustRegionRadius() float64 {
	if c.InitialTrustRegionRadius == nil {
		return 1e4
	}
	return *c.InitialTrustRegionRadius
}

// GetNumericDiffStep returns the numeric_diff_step value or the default.
func (c *TuningConfig) GetNumericDiffStep() float64 {
	if c.NumericDiffStep == nil {
		return 1e-6
	}
	return *c.NumericDiffStep
}

// GetMaxIters returns the max_iters value or the default (0, no override).
func (c *TuningConfig) GetMaxIters() int {
	if c.MaxIters == nil {
		return 0
	}
	return *c.MaxIters
}

// GetErrorThreshold returns the error_threshold value or the default (0, disabled).
func (c *TuningConfig) GetErrorThreshold() float64 {
	if c.ErrorThreshold == nil {
		return 0
	}
	return *c.ErrorThreshold
}

// GetErrorDiffThreshold returns the error_diff_threshold value or the default (0, disabled).
func (c *TuningConfig) GetErrorDiffThreshold() float64 {
	if c.ErrorDiffThreshold == nil {
		return 0
	}
	return *c.ErrorDiffThreshold
}

// ReconConfig resolves every field into a recon.Config.
func (c *TuningConfig) ReconConfig() recon.Config {
	cfg := recon.DefaultConfig()
	cfg.OuterIterations = c.GetOuterIterations()
	cfg.PoseIterations = c.GetPoseIterations()
	cfg.InnerIterationsPerOuter = c.GetInnerIterationsPerOuter()
	cfg.NumContourPoints = c.GetNumContourPoints()
	cfg.InitialContourWeight = c.GetInitialContourWeight()
	cfg.ContourAcceptDistance = c.GetContourAcceptDistance()
	cfg.InitialTranslation = c.GetInitialTranslation()
	cfg.NeutralEpsilon = c.GetNeutralEpsilon()
	cfg.IdentityTrustWeight = c.GetIdentityTrustWeight()
	cfg.IdentityTrustDecay = c.GetIdentityTrustDecay()
	cfg.ExpressionTrustWeight = c.GetExpressionTrustWeight()
	cfg.ExpressionTrustDecay = c.GetExpressionTrustDecay()
	cfg.ExpressionBound = c.GetExpressionBound()
	cfg.PupilLandmarks = c.GetPupilLandmarks()
	cfg.PupilScaleDivisor = c.GetPupilScaleDivisor()
	cfg.FocalLength = c.GetFocalLength()
	cfg.ConcurrentResiduals = c.GetConcurrentResiduals()
	cfg.Solver.Method = c.GetSolverMethod()
	cfg.Solver.FunctionTolerance = c.GetFunctionTolerance()
	cfg.Solver.GradientTolerance = c.GetGradientTolerance()
	cfg.Solver.ParameterTolerance = c.GetParameterTolerance()
	cfg.Solver.InitialTrustRegionRadius = c.GetInitialTrustRegionRadius()
	cfg.Solver.NumericDiffStep = c.GetNumericDiffStep()
	return cfg
}

// OptimizationParameters returns the early-exit settings.
func (c *TuningConfig) OptimizationParameters() recon.OptimizationParameters {
	return recon.OptimizationParameters{
		MaxIters:           c.GetMaxIters(),
		ErrorThreshold:     c.GetErrorThreshold(),
		ErrorDiffThreshold: c.GetErrorDiffThreshold(),
	}
}
