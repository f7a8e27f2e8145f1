package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/banshee-data/facefit/internal/db"
	"github.com/banshee-data/facefit/internal/mesh"
	"github.com/banshee-data/facefit/internal/storage/sqlite"
	"github.com/banshee-data/facefit/internal/synth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"-version"}, &stdout, &stderr))
	assert.True(t, strings.HasPrefix(stdout.String(), "facefit "))
}

func TestHelpFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run([]string{"-h"}, &stdout, &stderr)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, stderr.String(), "-synthetic")
}

func TestMissingInputs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no output", []string{}, "-out is required"},
		{"no model", []string{"-out", t.TempDir()}, "-model is required"},
		{
			"no image size",
			[]string{
				"-out", t.TempDir(), "-model", "m", "-prior-id", "a", "-prior-exp", "b",
				"-mesh", "c", "-points", "d", "-indices", "e", "-contour", "f",
			},
			"-width and -height must be positive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(tt.args, &stdout, &stderr)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBadConfigPath(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run([]string{"-config", "tuning.yaml", "-synthetic", "-out", t.TempDir()}, &stdout, &stderr)
	assert.Error(t, err)
}

func TestMissingInputFile(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	err := run([]string{
		"-out", dir, "-model", filepath.Join(dir, "nope.bin"), "-prior-id", "a", "-prior-exp", "b",
		"-mesh", "c", "-points", filepath.Join(dir, "nope.txt"), "-indices", "e", "-contour", "f",
		"-width", "640", "-height", "480",
	}, &stdout, &stderr)
	assert.Error(t, err)
}

func TestSyntheticRunWritesEverything(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	dbPath := filepath.Join(dir, "runs.db")
	plots := filepath.Join(dir, "plots")
	chart := filepath.Join(dir, "chart.html")

	var stdout, stderr bytes.Buffer
	err := run([]string{
		"-synthetic", "-out", out,
		"-db", dbPath, "-plots", plots, "-chart", chart,
		"-log-diag",
	}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	runID := strings.TrimSpace(stdout.String())
	require.NotEmpty(t, runID)
	assert.Contains(t, stderr.String(), "reconstruction begins")
	assert.Contains(t, stderr.String(), "Solver Report")

	data, err := os.ReadFile(filepath.Join(out, "result.json"))
	require.NoError(t, err)
	var res result
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, runID, res.RunID)
	assert.Equal(t, "completed", res.Termination)
	assert.Len(t, res.History, 8)
	assert.Less(t, res.RMSError, 1.0)
	assert.Len(t, res.IdentityWeights, synth.NumIdentity)
	assert.Len(t, res.Indices, 50)

	truth := synth.DefaultTruth()
	assert.InDelta(t, truth.Translation.Z, res.Translation[2], 0.05)

	scene, err := synth.NewScene(truth)
	require.NoError(t, err)
	fitted, err := mesh.LoadOBJ(filepath.Join(out, "fitted.obj"))
	require.NoError(t, err)
	assert.Equal(t, scene.Mesh.VertexCount(), fitted.VertexCount())
	assert.Equal(t, (synth.Rings-1)*synth.Segments, fitted.VertexCount())

	for _, name := range []string{"rms_error.png", "solve_costs.png", "trust_weights.png"} {
		_, err := os.Stat(filepath.Join(plots, name))
		assert.NoError(t, err, name)
	}
	html, err := os.ReadFile(chart)
	require.NoError(t, err)
	assert.Contains(t, string(html), "observed contour")

	database, err := db.NewDB(dbPath)
	require.NoError(t, err)
	defer database.Close()
	store := sqlite.NewRunStore(database.DB)
	stored, err := store.Get(runID)
	require.NoError(t, err)
	assert.Equal(t, 640, stored.ImageWidth)
	assert.Equal(t, res.Indices, stored.Indices)
	its, err := store.ListIterations(runID)
	require.NoError(t, err)
	assert.Len(t, its, 8)
}

func TestSyntheticRunEarlyExit(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "tuning.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"max_iters": 2, "concurrent_residuals": true}`), 0o644))

	out := filepath.Join(dir, "out")
	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"-config", cfgPath, "-synthetic", "-out", out}, &stdout, &stderr), stderr.String())

	data, err := os.ReadFile(filepath.Join(out, "result.json"))
	require.NoError(t, err)
	var res result
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Len(t, res.History, 2)
	assert.Equal(t, "completed", res.Termination)
}

func TestRecordRunWithMigrationsDir(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	dbPath := filepath.Join(dir, "runs.db")

	var stdout, stderr bytes.Buffer
	err := run([]string{
		"-synthetic", "-out", out, "-db", dbPath,
		"-migrations", filepath.Join("..", "..", "internal", "db", "migrations"),
	}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	database, err := db.OpenDB(dbPath)
	require.NoError(t, err)
	defer database.Close()
	runs, err := sqlite.NewRunStore(database.DB).List(0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
