package recon

import (
	"fmt"

	"github.com/banshee-data/facefit/internal/solver"
	"gonum.org/v1/gonum/spatial/r3"
)

// Config holds the schedule constants of the alternating reconstruction.
type Config struct {
	OuterIterations         int
	PoseIterations          int
	InnerIterationsPerOuter int

	// The first NumContourPoints constraints are silhouette landmarks.
	NumContourPoints      int
	InitialContourWeight  float64
	ContourAcceptDistance float64

	InitialTranslation r3.Vec
	NeutralEpsilon     float64

	IdentityTrustWeight   float64
	IdentityTrustDecay    float64
	ExpressionTrustWeight float64
	ExpressionTrustDecay  float64
	ExpressionBound       float64

	// PupilLandmarks are constraint indices (a, b, c, d); the prior scale is
	// |mid(a,b) - mid(c,d)| / PupilScaleDivisor.
	PupilLandmarks    [4]int
	PupilScaleDivisor float64

	FocalLength float64

	ConcurrentResiduals bool

	// Solver carries the inner-solve tolerances; MaxIterations is set per
	// solve from the schedule above.
	Solver solver.Options
}

// DefaultConfig returns the reference schedule.
func DefaultConfig() Config {
	return Config{
		OuterIterations:         8,
		PoseIterations:          30,
		InnerIterationsPerOuter: 5,
		NumContourPoints:        15,
		InitialContourWeight:    0.9,
		ContourAcceptDistance:   100,
		InitialTranslation:      r3.Vec{X: 0, Y: 0, Z: -1},
		NeutralEpsilon:          1e-6,
		IdentityTrustWeight:     10,
		IdentityTrustDecay:      1,
		ExpressionTrustWeight:   0.1,
		ExpressionTrustDecay:    0.01,
		ExpressionBound:         1,
		PupilLandmarks:          [4]int{28, 30, 32, 34},
		PupilScaleDivisor:       100,
		FocalLength:             1000,
		Solver:                  solver.DefaultOptions(),
	}
}

// Validate checks value ranges. Checks that depend on the inputs happen in
// Reconstruct.
func (c Config) Validate() error {
	switch {
	case c.OuterIterations <= 0:
		return fmt.Errorf("outer_iterations must be positive, got %d", c.OuterIterations)
	case c.PoseIterations <= 0:
		return fmt.Errorf("pose_iterations must be positive, got %d", c.PoseIterations)
	case c.InnerIterationsPerOuter <= 0:
		return fmt.Errorf("inner_iterations_per_outer must be positive, got %d", c.InnerIterationsPerOuter)
	case c.NumContourPoints < 0:
		return fmt.Errorf("num_contour_points must be non-negative, got %d", c.NumContourPoints)
	case c.InitialContourWeight <= 0 || c.InitialContourWeight > 1:
		return fmt.Errorf("initial_contour_weight must be in (0, 1], got %g", c.InitialContourWeight)
	case c.ContourAcceptDistance < 0:
		return fmt.Errorf("contour_accept_distance must be non-negative, got %g", c.ContourAcceptDistance)
	case c.IdentityTrustWeight < 0 || c.ExpressionTrustWeight < 0:
		return fmt.Errorf("trust weights must be non-negative")
	case c.IdentityTrustDecay < 0 || c.ExpressionTrustDecay < 0:
		return fmt.Errorf("trust weight decays must be non-negative")
	case c.ExpressionBound <= 0:
		return fmt.Errorf("expression_bound must be positive, got %g", c.ExpressionBound)
	case c.PupilScaleDivisor <= 0:
		return fmt.Errorf("pupil_scale_divisor must be positive, got %g", c.PupilScaleDivisor)
	case c.InitialTranslation.Z >= 0:
		return fmt.Errorf("initial_translation must place the model in front of the camera (z < 0), got %g", c.InitialTranslation.Z)
	}
	for _, i := range c.PupilLandmarks {
		if i < 0 {
			return fmt.Errorf("pupil_landmarks must be non-negative, got %v", c.PupilLandmarks)
		}
	}
	return nil
}
