package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding screenshot records. It is the durable
// record store behind the analysis scheduler and the search paths.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "glimpse.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying database handle. Used by tests and by callers
// that need read-only ad hoc queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

const screenshotColumns = `id, file_path, captured_at, app_id, app_label, extracted_text,
	embedding, categories, tags, description, status, retry_count, last_error, run_after, updated_at`

// SaveScreenshot inserts a new screenshot record. Records are created pending
// with a run_after of their capture time so the scheduler serves them in
// capture order.
func (s *Store) SaveScreenshot(shot Screenshot) error {
	status := shot.Status
	if status == "" {
		status = StatusPending
	}
	capturedAt := shot.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}
	runAfter := shot.RunAfter
	if runAfter.IsZero() {
		runAfter = capturedAt
	}

	categories, err := json.Marshal(emptyIfNil(shot.Categories))
	if err != nil {
		return fmt.Errorf("encoding categories: %w", err)
	}
	tags, err := json.Marshal(emptyIfNil(shot.Tags))
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO screenshots (`+screenshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		shot.ID, shot.FilePath, capturedAt.UTC().Format(time.RFC3339),
		shot.AppID, shot.AppLabel, shot.ExtractedText,
		encodeEmbedding(shot.Embedding), string(categories), string(tags),
		shot.Description, string(status), shot.RetryCount, shot.LastError,
		runAfter.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetScreenshot returns the record with the given id, or ErrNotFound.
func (s *Store) GetScreenshot(id string) (Screenshot, error) {
	row := s.db.QueryRow(`SELECT `+screenshotColumns+` FROM screenshots WHERE id = ?`, id)
	shot, err := scanScreenshot(row)
	if err == sql.ErrNoRows {
		return Screenshot{}, ErrNotFound
	}
	return shot, err
}

// HasFilePath reports whether any record already references the given image
// file path.
func (s *Store) HasFilePath(path string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM screenshots WHERE file_path = ?`, path).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteScreenshot removes the record with the given id. The caller is
// responsible for removing the referenced image file.
func (s *Store) DeleteScreenshot(id string) error {
	res, err := s.db.Exec(`DELETE FROM screenshots WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimNext atomically transitions the oldest eligible pending record to
// processing and returns it. Returns nil when no record is claimable.
// Eligibility respects run_after so retry backoff delays are honoured.
// Ordering is capture time ascending with id as the deterministic tiebreak.
func (s *Store) ClaimNext() (*Screenshot, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	row := tx.QueryRow(`
		SELECT `+screenshotColumns+` FROM screenshots
		WHERE status = ? AND run_after <= ?
		ORDER BY captured_at ASC, id ASC
		LIMIT 1`, StatusPending, now)
	shot, err := scanScreenshot(row)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next pending record: %w", err)
	}

	res, err := tx.Exec(`UPDATE screenshots SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusProcessing, now, shot.ID, StatusPending)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating record status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated rows: %w", err)
	}
	if n != 1 {
		// Someone else transitioned the record between select and update.
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	shot.Status = StatusProcessing
	return &shot, nil
}

// ReleaseProcessed applies the analysis results and marks the record
// processed in a single write. Only records currently processing can be
// released, which keeps stray retries of an already-released record from
// clobbering it.
func (s *Store) ReleaseProcessed(id string, u AnalysisUpdate) error {
	categories, err := json.Marshal(emptyIfNil(u.Categories))
	if err != nil {
		return fmt.Errorf("encoding categories: %w", err)
	}
	tags, err := json.Marshal(emptyIfNil(u.Tags))
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE screenshots
		SET extracted_text = ?, embedding = ?, categories = ?, tags = ?, description = ?,
		    status = ?, last_error = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		u.ExtractedText, encodeEmbedding(u.Embedding), string(categories), string(tags),
		u.Description, StatusProcessed, time.Now().UTC().Format(time.RFC3339),
		id, StatusProcessing,
	)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// ReleaseRetry returns a processing record to pending with the given retry
// count, eligible for re-claim once runAfter has passed.
func (s *Store) ReleaseRetry(id string, retryCount int, errMsg string, runAfter time.Time) error {
	res, err := s.db.Exec(`
		UPDATE screenshots
		SET status = ?, retry_count = ?, last_error = ?, run_after = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusPending, retryCount, errMsg, runAfter.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339), id, StatusProcessing,
	)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// ReleaseFailed marks a processing record as terminally failed. Partial data
// from earlier attempts stays on the record.
func (s *Store) ReleaseFailed(id string, retryCount int, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE screenshots
		SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusFailed, retryCount, errMsg,
		time.Now().UTC().Format(time.RFC3339), id, StatusProcessing,
	)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// Requeue resets a failed record to pending with a fresh retry budget.
// This is the explicit manual re-trigger path; it never touches records in
// other states.
func (s *Store) Requeue(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE screenshots
		SET status = ?, retry_count = 0, last_error = '', run_after = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusPending, now, now, id, StatusFailed,
	)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// ResetStale returns processing records not updated since olderThan back to
// pending. Run at startup so an attempt interrupted by a crash or shutdown
// becomes claimable again.
func (s *Store) ResetStale(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(`
		UPDATE screenshots SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at <= ?`,
		StatusPending, time.Now().UTC().Format(time.RFC3339),
		StatusProcessing, olderThan.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListByStatus returns all records in the given status, oldest capture first.
func (s *Store) ListByStatus(status Status) ([]Screenshot, error) {
	return s.queryScreenshots(`
		SELECT `+screenshotColumns+` FROM screenshots
		WHERE status = ? ORDER BY captured_at ASC, id ASC`, status)
}

// ListRecent returns the most recently captured records, newest first.
func (s *Store) ListRecent(limit int) ([]Screenshot, error) {
	return s.queryScreenshots(`
		SELECT `+screenshotColumns+` FROM screenshots
		ORDER BY captured_at DESC, id DESC LIMIT ?`, limit)
}

// ListByApp returns records captured from the given app, newest first.
func (s *Store) ListByApp(appID string, limit int) ([]Screenshot, error) {
	return s.queryScreenshots(`
		SELECT `+screenshotColumns+` FROM screenshots
		WHERE app_id = ? ORDER BY captured_at DESC, id DESC LIMIT ?`, appID, limit)
}

// ListApps returns the distinct app labels present in the store.
func (s *Store) ListApps() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT app_label FROM screenshots ORDER BY app_label ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// SearchText returns processed records whose extracted text contains the
// query (case-insensitive, substring), newest first.
func (s *Store) SearchText(query string, limit int) ([]Screenshot, error) {
	return s.queryScreenshots(`
		SELECT `+screenshotColumns+` FROM screenshots
		WHERE status = ? AND extracted_text LIKE '%' || ? || '%'
		ORDER BY captured_at DESC, id DESC LIMIT ?`, StatusProcessed, query, limit)
}

// AllWithEmbeddings returns the similarity-search corpus: processed records
// that carry an embedding, in capture order so repeated searches over the
// same data rank ties identically.
func (s *Store) AllWithEmbeddings() ([]Screenshot, error) {
	return s.queryScreenshots(`
		SELECT `+screenshotColumns+` FROM screenshots
		WHERE status = ? AND embedding IS NOT NULL
		ORDER BY captured_at ASC, id ASC`, StatusProcessed)
}

func (s *Store) queryScreenshots(query string, args ...any) ([]Screenshot, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Screenshot
	for rows.Next() {
		shot, err := scanScreenshot(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, shot)
	}
	return results, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanScreenshot(row rowScanner) (Screenshot, error) {
	var shot Screenshot
	var capturedAt, runAfter, updatedAt string
	var categories, tags string
	var blob []byte

	err := row.Scan(
		&shot.ID, &shot.FilePath, &capturedAt, &shot.AppID, &shot.AppLabel,
		&shot.ExtractedText, &blob, &categories, &tags, &shot.Description,
		&shot.Status, &shot.RetryCount, &shot.LastError, &runAfter, &updatedAt,
	)
	if err != nil {
		return Screenshot{}, err
	}

	if shot.Embedding, err = decodeEmbedding(blob); err != nil {
		return Screenshot{}, fmt.Errorf("decoding embedding for %s: %w", shot.ID, err)
	}
	if err := json.Unmarshal([]byte(categories), &shot.Categories); err != nil {
		return Screenshot{}, fmt.Errorf("decoding categories for %s: %w", shot.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &shot.Tags); err != nil {
		return Screenshot{}, fmt.Errorf("decoding tags for %s: %w", shot.ID, err)
	}
	if shot.CapturedAt, err = time.Parse(time.RFC3339, capturedAt); err != nil {
		return Screenshot{}, fmt.Errorf("parsing captured_at for %s: %w", shot.ID, err)
	}
	if shot.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Screenshot{}, fmt.Errorf("parsing run_after for %s: %w", shot.ID, err)
	}
	if shot.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Screenshot{}, fmt.Errorf("parsing updated_at for %s: %w", shot.ID, err)
	}
	return shot, nil
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
