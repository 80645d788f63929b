package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

// Store wraps SQLite-backed persistence for jobs, calibrated frames and the
// catalog query cache.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path with the pure-Go driver and
// ensures schema.
func New(path string) (*Store, error) {
	return Open(DriverModernc, path)
}

// Open opens the database at path using the named driver.
func Open(driver, path string) (*Store, error) {
	switch driver {
	case "", DriverModernc:
		driver = DriverModernc
	case DriverCgo:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY between the
	// worker pool and the catalog cache.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS calibrated_frames (
            frame_path TEXT PRIMARY KEY,
            artifact_path TEXT NOT NULL,
            filter TEXT,
            catalog TEXT,
            aperture TEXT,
            sources INTEGER,
            color_term REAL,
            color_term2 REAL,
            mjd REAL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS catalog_cache (
            cache_key TEXT PRIMARY KEY,
            payload BLOB NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_job_results_job_id ON job_results(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_calibrated_frames_filter ON calibrated_frames(filter);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FrameRecord summarizes one calibrated frame.
type FrameRecord struct {
	FramePath    string  `json:"frame_path"`
	ArtifactPath string  `json:"artifact_path"`
	Filter       string  `json:"filter"`
	Catalog      string  `json:"catalog"`
	Aperture     string  `json:"aperture"`
	Sources      int     `json:"sources"`
	ColorTerm    float64 `json:"color_term"`
	ColorTerm2   float64 `json:"color_term2"`
	MJD          float64 `json:"mjd"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job returns a single job by ID. sql.ErrNoRows is returned for unknown IDs.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRow(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs WHERE id=?;`, id)
	return scanJob(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (JobRecord, error) {
	var rec JobRecord
	var input, output, options, errorMsg sql.NullString
	var created, started, completed sql.NullTime
	if err := sc.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options, &created, &started, &completed, &errorMsg); err != nil {
		return JobRecord{}, err
	}
	rec.InputPath = input.String
	rec.OutputPath = output.String
	rec.OptionsJSON = options.String
	rec.Error = errorMsg.String
	if created.Valid {
		rec.CreatedAt = created.Time
	}
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordFrame upserts the summary of a calibrated frame.
func (s *Store) RecordFrame(rec FrameRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO calibrated_frames (frame_path, artifact_path, filter, catalog, aperture, sources, color_term, color_term2, mjd, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);`,
		rec.FramePath, rec.ArtifactPath, rec.Filter, rec.Catalog, rec.Aperture, rec.Sources, rec.ColorTerm, rec.ColorTerm2, rec.MJD)
	return err
}

// Frames lists calibrated frames, optionally restricted to one filter.
func (s *Store) Frames(filter string) ([]FrameRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	q := `SELECT frame_path, artifact_path, filter, catalog, aperture, sources, color_term, color_term2, mjd FROM calibrated_frames`
	var args []any
	if filter != "" {
		q += ` WHERE filter=?`
		args = append(args, filter)
	}
	q += ` ORDER BY mjd, frame_path;`

	rows, err := s.DB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []FrameRecord
	for rows.Next() {
		var rec FrameRecord
		var flt, cat, ap sql.NullString
		if err := rows.Scan(&rec.FramePath, &rec.ArtifactPath, &flt, &cat, &ap, &rec.Sources, &rec.ColorTerm, &rec.ColorTerm2, &rec.MJD); err != nil {
			return nil, err
		}
		rec.Filter, rec.Catalog, rec.Aperture = flt.String, cat.String, ap.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetCatalog returns a cached catalog payload.
func (s *Store) GetCatalog(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, nil
	}
	var payload []byte
	err := s.DB.QueryRowContext(ctx, `SELECT payload FROM catalog_cache WHERE cache_key=?;`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// PutCatalog stores a catalog payload under key, replacing any previous one.
func (s *Store) PutCatalog(ctx context.Context, key string, payload []byte) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `INSERT OR REPLACE INTO catalog_cache (cache_key, payload) VALUES (?, ?);`, key, payload)
	return err
}

// PruneCatalogCache removes cache entries older than maxAge and reports how
// many were deleted.
func (s *Store) PruneCatalogCache(ctx context.Context, maxAge time.Duration) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge).UTC().Format("2006-01-02 15:04:05")
	res, err := s.DB.ExecContext(ctx, `DELETE FROM catalog_cache WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
