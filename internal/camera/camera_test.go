package camera

import (
	"fmt"
	"math"
	"testing"

	"github.com/banshee-data/facefit/internal/geom"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestProjectPointOnAxisHitsImageCenter(t *testing.T) {
	t.Parallel()

	sizes := []struct{ w, h int }{
		{640, 480},
		{480, 640},
		{1, 1},
		{1920, 1080},
		{333, 17},
	}
	for _, sz := range sizes {
		sz := sz
		t.Run(fmt.Sprintf("%dx%d", sz.w, sz.h), func(t *testing.T) {
			t.Parallel()
			cam := NewParameters(sz.w, sz.h, 1000)
			for _, depth := range []float64{1.5, 3, 9.5} {
				q := ProjectPoint(r3.Vec{Z: -depth}, geom.Identity(), cam)
				assert.InDelta(t, cam.ImagePlaneCenter.X, q.X, 1e-9)
				assert.InDelta(t, cam.ImagePlaneCenter.Y, q.Y, 1e-9)
				assert.Greater(t, q.Z, 0.0)
				assert.Less(t, q.Z, 1.0)
			}
		})
	}
}

func TestProjectPointUsesViewTransform(t *testing.T) {
	t.Parallel()
	cam := NewParameters(640, 480, 1000)

	// A point at the origin pushed 3 units down the camera axis by the view.
	view := geom.Translate(r3.Vec{Z: -3})
	q := ProjectPoint(r3.Vec{}, view, cam)
	assert.InDelta(t, 320.0, q.X, 1e-9)
	assert.InDelta(t, 240.0, q.Y, 1e-9)

	// Moving the point right and up moves the projection right and up.
	q = ProjectPoint(r3.Vec{X: 0.1, Y: 0.1}, view, cam)
	assert.Greater(t, q.X, 320.0)
	assert.Greater(t, q.Y, 240.0)
}

func TestProjectPointPixelScale(t *testing.T) {
	t.Parallel()
	cam := NewParameters(640, 480, 1000)

	// Vertical focal length in pixels is (h/2) / tan(fov/2).
	fy := 240.0 / math.Tan(FieldOfViewDeg*math.Pi/360.0)
	q := ProjectPoint2(r3.Vec{Y: 0.2, Z: -2}, geom.Identity(), cam)
	assert.InDelta(t, 240.0+fy*0.1, q.Y, 1e-9)
	assert.InDelta(t, 320.0, q.X, 1e-9)
}
