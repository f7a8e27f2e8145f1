package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/facefit/internal/recon"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a run id has no row.
var ErrNotFound = errors.New("run not found")

// Run is a persisted reconstruction result.
type Run struct {
	RunID          string          `json:"run_id"`
	CreatedAt      int64           `json:"created_at"`
	ImageWidth     int             `json:"image_width"`
	ImageHeight    int             `json:"image_height"`
	NumConstraints int             `json:"num_constraints"`
	Iterations     int             `json:"iterations"`
	Termination    string          `json:"termination"`
	Rotation       [3]float64      `json:"rotation"`
	Translation    [3]float64      `json:"translation"`
	Identity       []float64       `json:"identity"`
	Expression     []float64       `json:"expression"`
	Indices        []int           `json:"indices"`
	RMSError       float64         `json:"rms_error"`
	ParamsJSON     json.RawMessage `json:"params_json,omitempty"`
	SourcePath     string          `json:"source_path,omitempty"`
}

// Iteration is one row of a run's convergence history.
type Iteration struct {
	RunID                 string  `json:"run_id"`
	Iteration             int     `json:"iteration"`
	PoseCost              float64 `json:"pose_cost"`
	ExpressionCost        float64 `json:"expression_cost"`
	IdentityCost          float64 `json:"identity_cost"`
	RMSError              float64 `json:"rms_error"`
	IdentityTrustWeight   float64 `json:"identity_trust_weight"`
	ExpressionTrustWeight float64 `json:"expression_trust_weight"`
	ContourRebinds        int     `json:"contour_rebinds"`
}

// IterationsFromStats converts reconstructor history into rows for runID.
func IterationsFromStats(runID string, stats []recon.IterationStats) []*Iteration {
	out := make([]*Iteration, len(stats))
	for i, s := range stats {
		out[i] = &Iteration{
			RunID:                 runID,
			Iteration:             s.Iteration,
			PoseCost:              s.PoseCost,
			ExpressionCost:        s.ExpressionCost,
			IdentityCost:          s.IdentityCost,
			RMSError:              s.RMSError,
			IdentityTrustWeight:   s.IdentityTrustWeight,
			ExpressionTrustWeight: s.ExpressionTrustWeight,
			ContourRebinds:        s.ContourRebinds,
		}
	}
	return out
}

// RunStore provides persistence for reconstruction runs.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Insert persists a new run. If RunID is empty, a UUID is generated.
func (s *RunStore) Insert(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().UnixNano()
	}

	rotation, err := json.Marshal(run.Rotation)
	if err != nil {
		return fmt.Errorf("marshal rotation: %w", err)
	}
	translation, err := json.Marshal(run.Translation)
	if err != nil {
		return fmt.Errorf("marshal translation: %w", err)
	}
	identity, err := marshalSlice(run.Identity)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	expression, err := marshalSlice(run.Expression)
	if err != nil {
		return fmt.Errorf("marshal expression: %w", err)
	}
	indices, err := json.Marshal(nonNilInts(run.Indices))
	if err != nil {
		return fmt.Errorf("marshal indices: %w", err)
	}

	var paramsStr interface{}
	if len(run.ParamsJSON) > 0 {
		paramsStr = string(run.ParamsJSON)
	}
	var sourcePath interface{}
	if run.SourcePath != "" {
		sourcePath = run.SourcePath
	}

	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO reconstruction_runs (
				run_id, created_unix_nanos, image_width, image_height,
				num_constraints, iterations, termination,
				rotation_json, translation_json, identity_json, expression_json, indices_json,
				rms_error, params_json, source_path
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.CreatedAt, run.ImageWidth, run.ImageHeight,
			run.NumConstraints, run.Iterations, run.Termination,
			string(rotation), string(translation), identity, expression, string(indices),
			run.RMSError, paramsStr, sourcePath,
		)
		return err
	})
}

// InsertIterations persists a run's history in one transaction.
func (s *RunStore) InsertIterations(iterations []*Iteration) error {
	if len(iterations) == 0 {
		return nil
	}
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.Prepare(`
			INSERT INTO reconstruction_iterations (
				run_id, iteration, pose_cost, expression_cost, identity_cost,
				rms_error, identity_trust_weight, expression_trust_weight, contour_rebinds
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, it := range iterations {
			if _, err := stmt.Exec(
				it.RunID, it.Iteration, it.PoseCost, it.ExpressionCost, it.IdentityCost,
				it.RMSError, it.IdentityTrustWeight, it.ExpressionTrustWeight, it.ContourRebinds,
			); err != nil {
				return fmt.Errorf("insert iteration %d: %w", it.Iteration, err)
			}
		}
		return tx.Commit()
	})
}

const runColumns = `
	run_id, created_unix_nanos, image_width, image_height,
	num_constraints, iterations, termination,
	rotation_json, translation_json, identity_json, expression_json, indices_json,
	rms_error, params_json, source_path`

// Get returns a single run by ID.
func (s *RunStore) Get(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM reconstruction_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, err
	}
	return run, nil
}

// List returns the most recent runs, newest first. limit <= 0 returns all.
func (s *RunStore) List(limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM reconstruction_runs ORDER BY created_unix_nanos DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListIterations returns a run's history ordered by iteration.
func (s *RunStore) ListIterations(runID string) ([]*Iteration, error) {
	rows, err := s.db.Query(`
		SELECT run_id, iteration, pose_cost, expression_cost, identity_cost,
		       rms_error, identity_trust_weight, expression_trust_weight, contour_rebinds
		FROM reconstruction_iterations
		WHERE run_id = ?
		ORDER BY iteration`, runID)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var out []*Iteration
	for rows.Next() {
		var it Iteration
		if err := rows.Scan(
			&it.RunID, &it.Iteration, &it.PoseCost, &it.ExpressionCost, &it.IdentityCost,
			&it.RMSError, &it.IdentityTrustWeight, &it.ExpressionTrustWeight, &it.ContourRebinds,
		); err != nil {
			return nil, fmt.Errorf("scan iteration row: %w", err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

// Delete removes a run and, through the foreign key, its history.
func (s *RunStore) Delete(runID string) error {
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`DELETE FROM reconstruction_runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var rotation, translation, identity, expression, indices string
	var paramsStr, sourcePath sql.NullString
	err := row.Scan(
		&r.RunID, &r.CreatedAt, &r.ImageWidth, &r.ImageHeight,
		&r.NumConstraints, &r.Iterations, &r.Termination,
		&rotation, &translation, &identity, &expression, &indices,
		&r.RMSError, &paramsStr, &sourcePath,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run row: %w", err)
	}

	fields := []struct {
		name string
		src  string
		dst  interface{}
	}{
		{"rotation", rotation, &r.Rotation},
		{"translation", translation, &r.Translation},
		{"identity", identity, &r.Identity},
		{"expression", expression, &r.Expression},
		{"indices", indices, &r.Indices},
	}
	for _, f := range fields {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("decode %s for run %s: %w", f.name, r.RunID, err)
		}
	}
	if paramsStr.Valid {
		r.ParamsJSON = json.RawMessage(paramsStr.String)
	}
	if sourcePath.Valid {
		r.SourcePath = sourcePath.String
	}
	return &r, nil
}

func marshalSlice(v []float64) (string, error) {
	if v == nil {
		v = []float64{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
