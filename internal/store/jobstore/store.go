// Package jobstore provides persistent storage for analysis job state and results using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of an analysis job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job types understood by the analysis workers.
const (
	JobTypeSpatialStatistics   = "spatial_statistics"
	JobTypeDensityEstimation   = "density_estimation"
	JobTypeSyntheticGeneration = "synthetic_generation"
)

// JobParams contains the parameters for an analysis job. Fields are
// interpreted per job type; zero values fall back to configured defaults.
type JobParams struct {
	SlideID string `json:"slide_id"`
	Label   string `json:"label,omitempty"` // Optional: restrict analysis to one annotation label

	// spatial_statistics
	HotspotCellSize      float64   `json:"hotspot_cell_size,omitempty"`     // Grid cell size in micrometers
	HotspotMinDensity    float64   `json:"hotspot_min_density,omitempty"`   // Points per 100x100 micrometer unit
	ColocalizationRadius float64   `json:"colocalization_radius,omitempty"` // Neighborhood radius in micrometers
	ComputeRipleysK      bool      `json:"compute_ripleys_k,omitempty"`
	RipleyRadii          []float64 `json:"ripley_radii,omitempty"` // Ascending radii in micrometers

	// density_estimation
	DensityCellSize float64 `json:"density_cell_size,omitempty"` // Grid cell size in micrometers
	SmoothingSigma  float64 `json:"smoothing_sigma,omitempty"`   // Gaussian sigma in grid cells
	ContourLevels   int     `json:"contour_levels,omitempty"`
	KDEResolution   int     `json:"kde_resolution,omitempty"`
	Seed            int64   `json:"seed,omitempty"` // KDE subsample seed

	// synthetic_generation
	NumPoints   int     `json:"num_points,omitempty"`
	NumClusters int     `json:"num_clusters,omitempty"`
	SlideWidth  float64 `json:"slide_width,omitempty"`  // Micrometers
	SlideHeight float64 `json:"slide_height,omitempty"` // Micrometers
}

// JobProgress represents the progress of an analysis job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job represents an analysis job.
type Job struct {
	ID         string      `json:"job_id"`
	SlideID    string      `json:"slide_id"`
	JobType    string      `json:"job_type"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	NPoints    int         `json:"n_points"`
	Error      string      `json:"error,omitempty"`
}

// OperationResult contains the stored outcome of a single analysis operation.
// Status is "ok" or a classified error kind; Result holds the operation's
// JSON payload when the operation succeeded.
type OperationResult struct {
	Operation string          `json:"operation"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Store provides persistent storage for analysis jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based job store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS analysis_jobs (
		job_id TEXT PRIMARY KEY,
		slide_id TEXT NOT NULL,
		job_type TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n_points INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_analysis_jobs_slide ON analysis_jobs(slide_id);
	CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_analysis_jobs_finished ON analysis_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS analysis_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT DEFAULT '',
		result_json TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES analysis_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_analysis_results_job ON analysis_results(job_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_analysis_results_job_op ON analysis_results(job_id, operation);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO analysis_jobs (job_id, slide_id, job_type, status, params_json, phase, done, total, n_points, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.SlideID,
		job.JobType,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.NPoints,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT job_id, slide_id, job_type, status, params_json, phase, done, total, n_points, error, created_at, started_at, finished_at
		FROM analysis_jobs WHERE job_id = ?
	`, jobID)

	var job Job
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&job.ID,
		&job.SlideID,
		&job.JobType,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.NPoints,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}

	return &job, nil
}

// UpdateJobStatus updates the job status and optional fields.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE analysis_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE analysis_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE analysis_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// UpdateJobPoints records how many annotation points the job analyzed.
func (s *Store) UpdateJobPoints(jobID string, nPoints int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE analysis_jobs SET n_points = ?
		WHERE job_id = ?
	`, nPoints, jobID)
	return err
}

// InsertResults inserts operation results in a batch transaction.
func (s *Store) InsertResults(jobID string, results []*OperationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO analysis_results (job_id, operation, status, error, result_json)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		_, err := stmt.Exec(jobID, r.Operation, r.Status, r.Error, string(r.Result))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ResultsForJob returns all operation results for a job in insertion order.
func (s *Store) ResultsForJob(jobID string) ([]*OperationResult, error) {
	rows, err := s.db.Query(`
		SELECT operation, status, error, result_json
		FROM analysis_results
		WHERE job_id = ?
		ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*OperationResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, nil
}

// GetResult returns the result of a single operation, or nil if absent.
func (s *Store) GetResult(jobID, operation string) (*OperationResult, error) {
	row := s.db.QueryRow(`
		SELECT operation, status, error, result_json
		FROM analysis_results
		WHERE job_id = ? AND operation = ?
	`, jobID, operation)

	r, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListJobs returns jobs matching the optional slide and status filters,
// newest first, plus the total match count for pagination.
func (s *Store) ListJobs(slideID string, status JobStatus, limit, offset int) ([]*Job, int, error) {
	where := "1=1"
	args := []interface{}{}
	if slideID != "" {
		where += " AND slide_id = ?"
		args = append(args, slideID)
	}
	if status != "" {
		where += " AND status = ?"
		args = append(args, string(status))
	}

	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM analysis_jobs WHERE "+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT job_id, slide_id, job_type, status, params_json, phase, done, total, n_points, error, created_at, started_at, finished_at
		FROM analysis_jobs WHERE %s
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, where)

	rows, err := s.db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs, err := s.scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// CountsByStatus returns the number of jobs per status.
func (s *Store) CountsByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM analysis_jobs GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, nil
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, slide_id, job_type, status, params_json, phase, done, total, n_points, error, created_at, started_at, finished_at
		FROM analysis_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE analysis_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	// Delete results first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM analysis_results WHERE job_id IN (
			SELECT job_id FROM analysis_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	// Delete jobs
	result, err := s.db.Exec(`
		DELETE FROM analysis_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Delete results first
	_, err := s.db.Exec("DELETE FROM analysis_results WHERE job_id = ?", jobID)
	if err != nil {
		return err
	}

	_, err = s.db.Exec("DELETE FROM analysis_jobs WHERE job_id = ?", jobID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResult(row rowScanner) (*OperationResult, error) {
	var r OperationResult
	var resultJSON string
	err := row.Scan(&r.Operation, &r.Status, &r.Error, &resultJSON)
	if err != nil {
		return nil, err
	}
	if resultJSON != "" {
		r.Result = json.RawMessage(resultJSON)
	}
	return &r, nil
}

func (s *Store) scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		var paramsJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.SlideID,
			&job.JobType,
			&job.Status,
			&paramsJSON,
			&job.Progress.Phase,
			&job.Progress.Done,
			&job.Progress.Total,
			&job.NPoints,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, startedAtStr.String)
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			job.FinishedAt = &t
		}

		jobs = append(jobs, &job)
	}
	return jobs, nil
}
