// Package camera implements the fixed field-of-view pinhole camera used to
// project model vertices onto the image plane.
package camera

import (
	"math"

	"github.com/banshee-data/facefit/internal/geom"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Projection constants. The focal length carried by Parameters is not used
// by the projector; the field of view is fixed.
const (
	FieldOfViewDeg = 45.0
	NearPlane      = 1.0
	FarPlane       = 10.0
)

// Parameters describes the camera for one reconstruction run.
type Parameters struct {
	FocalLength      r2.Vec // reserved
	ImagePlaneCenter r2.Vec
	ImageSize        r2.Vec // width, height in pixels
}

// NewParameters returns parameters for an image of the given size with the
// image plane centre at the middle of the image.
func NewParameters(width, height int, focalLength float64) Parameters {
	return Parameters{
		FocalLength:      r2.Vec{X: focalLength, Y: focalLength},
		ImagePlaneCenter: r2.Vec{X: float64(width) * 0.5, Y: float64(height) * 0.5},
		ImageSize:        r2.Vec{X: float64(width), Y: float64(height)},
	}
}

// Aspect returns width / height.
func (c Parameters) Aspect() float64 {
	return c.ImageSize.X / c.ImageSize.Y
}

// Projection returns the perspective projection matrix for c.
func (c Parameters) Projection() geom.Mat4 {
	return geom.Perspective(FieldOfViewDeg*math.Pi/180.0, c.Aspect(), NearPlane, FarPlane)
}

// Viewport returns (0, 0, width, height).
func (c Parameters) Viewport() [4]float64 {
	return [4]float64{0, 0, c.ImageSize.X, c.ImageSize.Y}
}

// ProjectPoint maps p through view and the camera's projection into image
// coordinates. X and Y are pixels with the origin at the bottom-left of the
// viewport; Z is window depth. Points outside the frustum are projected
// anyway and the result carries no meaning.
func ProjectPoint(p r3.Vec, view geom.Mat4, cam Parameters) r3.Vec {
	return geom.Project(p, view, cam.Projection(), cam.Viewport())
}

// ProjectPoint2 is ProjectPoint without the depth component.
func ProjectPoint2(p r3.Vec, view geom.Mat4, cam Parameters) r2.Vec {
	q := ProjectPoint(p, view, cam)
	return r2.Vec{X: q.X, Y: q.Y}
}
