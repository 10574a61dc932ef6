package storage

import (
	"database/sql"
	"embed"
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

// Store wraps a SQLite database with methods for extraction strategies,
// their outcomes, and the theater directory.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "cinepyle.db")
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

		// Check if already applied.
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

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Strategies ---

// InsertStrategy stores st as the next version for its (site, task) key and
// returns the stored row. The version is assigned here; st.Version is ignored.
func (s *Store) InsertStrategy(st Strategy) (Strategy, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Strategy{}, fmt.Errorf("beginning strategy transaction: %w", err)
	}
	defer tx.Rollback()

	var current int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM strategies WHERE site = ? AND task = ?`,
		st.Site, st.Task,
	).Scan(&current); err != nil {
		return Strategy{}, fmt.Errorf("reading current version: %w", err)
	}

	st.Version = current + 1
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	st.Stale = false

	if _, err := tx.Exec(`
		INSERT INTO strategies (site, task, version, source, body, success_count, failure_count, created_at, last_validated_at, stale)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		st.Site, st.Task, st.Version, st.Source, st.Body, st.SuccessCount, st.FailureCount,
		formatTime(st.CreatedAt), nullTime(st.LastValidatedAt),
	); err != nil {
		return Strategy{}, fmt.Errorf("inserting strategy %s/%s v%d: %w", st.Site, st.Task, st.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return Strategy{}, fmt.Errorf("committing strategy: %w", err)
	}
	return st, nil
}

const strategyColumns = `site, task, version, source, body, success_count, failure_count, created_at, last_validated_at, stale`

// LatestStrategy returns the highest non-stale version for (site, task).
func (s *Store) LatestStrategy(site, task string) (Strategy, error) {
	row := s.db.QueryRow(`SELECT `+strategyColumns+` FROM strategies
		WHERE site = ? AND task = ? AND stale = 0
		ORDER BY version DESC LIMIT 1`, site, task)
	return scanStrategy(row)
}

// GetStrategy returns one specific version regardless of staleness.
func (s *Store) GetStrategy(site, task string, version int) (Strategy, error) {
	row := s.db.QueryRow(`SELECT `+strategyColumns+` FROM strategies
		WHERE site = ? AND task = ? AND version = ?`, site, task, version)
	return scanStrategy(row)
}

// ListStrategies returns every stored version ordered by key and version.
func (s *Store) ListStrategies() ([]Strategy, error) {
	rows, err := s.db.Query(`SELECT ` + strategyColumns + ` FROM strategies ORDER BY site, task, version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, st)
	}
	return results, rows.Err()
}

// MarkStale flags a version so LatestStrategy skips it. The row is kept.
func (s *Store) MarkStale(site, task string, version int) error {
	res, err := s.db.Exec(`UPDATE strategies SET stale = 1 WHERE site = ? AND task = ? AND version = ?`, site, task, version)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(r rowScanner) (Strategy, error) {
	var st Strategy
	var createdAt string
	var lastValidated sql.NullString
	var stale int
	err := r.Scan(&st.Site, &st.Task, &st.Version, &st.Source, &st.Body,
		&st.SuccessCount, &st.FailureCount, &createdAt, &lastValidated, &stale)
	if err == sql.ErrNoRows {
		return Strategy{}, ErrNotFound
	}
	if err != nil {
		return Strategy{}, err
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return Strategy{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastValidated.Valid && lastValidated.String != "" {
		if st.LastValidatedAt, err = parseTime(lastValidated.String); err != nil {
			return Strategy{}, fmt.Errorf("parsing last_validated_at: %w", err)
		}
	}
	st.Stale = stale != 0
	return st, nil
}

// --- Outcomes ---

// RecordOutcome appends o to the audit table and, for stored versions,
// bumps the matching counter. Counters only ever increase.
func (s *Store) RecordOutcome(o Outcome) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning outcome transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO strategy_outcomes (id, site, task, version, tier, success, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Site, o.Task, o.Version, o.Tier, boolInt(o.Success), o.Detail, formatTime(o.CreatedAt),
	); err != nil {
		return fmt.Errorf("inserting outcome: %w", err)
	}

	if o.Version > 0 {
		var res sql.Result
		if o.Success {
			res, err = tx.Exec(`UPDATE strategies SET success_count = success_count + 1, last_validated_at = ?
				WHERE site = ? AND task = ? AND version = ?`, formatTime(o.CreatedAt), o.Site, o.Task, o.Version)
		} else {
			res, err = tx.Exec(`UPDATE strategies SET failure_count = failure_count + 1
				WHERE site = ? AND task = ? AND version = ?`, o.Site, o.Task, o.Version)
		}
		if err != nil {
			return fmt.Errorf("updating counters: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrNotFound
		}
	}

	return tx.Commit()
}

// RecentOutcomes returns up to limit outcomes for one version, newest first.
func (s *Store) RecentOutcomes(site, task string, version, limit int) ([]Outcome, error) {
	rows, err := s.db.Query(`
		SELECT id, site, task, version, tier, success, detail, created_at
		FROM strategy_outcomes WHERE site = ? AND task = ? AND version = ?
		ORDER BY rowid DESC LIMIT ?`, site, task, version, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

// ListOutcomes returns up to limit outcomes for a key across all tiers, newest first.
func (s *Store) ListOutcomes(site, task string, limit int) ([]Outcome, error) {
	rows, err := s.db.Query(`
		SELECT id, site, task, version, tier, success, detail, created_at
		FROM strategy_outcomes WHERE site = ? AND task = ?
		ORDER BY rowid DESC LIMIT ?`, site, task, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutcomes(rows)
}

func scanOutcomes(rows *sql.Rows) ([]Outcome, error) {
	var results []Outcome
	for rows.Next() {
		var o Outcome
		var success int
		var createdAt string
		if err := rows.Scan(&o.ID, &o.Site, &o.Task, &o.Version, &o.Tier, &success, &o.Detail, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		o.CreatedAt = t
		o.Success = success != 0
		results = append(results, o)
	}
	return results, rows.Err()
}

// --- Theaters ---

// UpsertTheaters writes the given directory entries, replacing existing rows
// with the same (chain, id).
func (s *Store) UpsertTheaters(theaters []Theater) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning theater transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now().UTC())
	for _, th := range theaters {
		if th.Chain == "" || th.ID == "" || th.Name == "" {
			return 0, fmt.Errorf("theater entry missing chain, id or name: %+v", th)
		}
		if _, err := tx.Exec(`
			INSERT INTO theaters (chain, theater_id, name, region, lat, lng, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chain, theater_id) DO UPDATE SET
				name = excluded.name, region = excluded.region,
				lat = excluded.lat, lng = excluded.lng, updated_at = excluded.updated_at`,
			strings.ToLower(th.Chain), th.ID, th.Name, th.Region, th.Lat, th.Lng, now,
		); err != nil {
			return 0, fmt.Errorf("upserting theater %s/%s: %w", th.Chain, th.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing theaters: %w", err)
	}
	return len(theaters), nil
}

// SearchTheaters finds theaters whose name contains query. An empty chain
// searches all chains.
func (s *Store) SearchTheaters(chain, query string, limit int) ([]Theater, error) {
	if limit <= 0 {
		limit = 15
	}
	q := `SELECT chain, theater_id, name, region, lat, lng FROM theaters WHERE name LIKE ?`
	args := []any{"%" + strings.TrimSpace(query) + "%"}
	if chain != "" {
		q += ` AND chain = ?`
		args = append(args, strings.ToLower(chain))
	}
	q += ` ORDER BY chain, name LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Theater
	for rows.Next() {
		var th Theater
		if err := rows.Scan(&th.Chain, &th.ID, &th.Name, &th.Region, &th.Lat, &th.Lng); err != nil {
			return nil, err
		}
		results = append(results, th)
	}
	return results, rows.Err()
}

// GetTheater returns one directory entry.
func (s *Store) GetTheater(chain, id string) (Theater, error) {
	var th Theater
	err := s.db.QueryRow(`SELECT chain, theater_id, name, region, lat, lng FROM theaters WHERE chain = ? AND theater_id = ?`,
		strings.ToLower(chain), id).Scan(&th.Chain, &th.ID, &th.Name, &th.Region, &th.Lat, &th.Lng)
	if err == sql.ErrNoRows {
		return Theater{}, ErrNotFound
	}
	return th, err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
