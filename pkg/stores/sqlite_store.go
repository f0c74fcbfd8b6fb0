package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/skiff/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrJobNotFound is returned when a jid is not in the cache.
var ErrJobNotFound = errors.New("job not found")

// SQLiteStore is the job cache. It implements engine.JobCache.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate before use.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}
	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path
	if s.path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SaveLoad implements engine.JobCache.
func (s *SQLiteStore) SaveLoad(ctx context.Context, job *engine.JobDescriptor, targets []string) error {
	arg, err := json.Marshal(nonNil(job.ArgList()))
	if err != nil {
		return fmt.Errorf("failed to encode job args: %w", err)
	}
	minions, err := json.Marshal(nonNil(targets))
	if err != nil {
		return fmt.Errorf("failed to encode job targets: %w", err)
	}

	query := `
		INSERT INTO jobs (jid, fun, arg, tgt, tgt_type, user, minions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET minions = excluded.minions
	`
	_, err = s.db.ExecContext(ctx, query,
		job.JID,
		job.FunName(),
		string(arg),
		job.Pattern,
		string(matchType(job.MatchType)),
		job.User,
		string(minions),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save job load: %w", err)
	}

	log.Debug().Str("jid", job.JID).Int("targets", len(targets)).Msg("Saved job load")
	return nil
}

// SaveReturn implements engine.JobCache. A return that is not valid JSON is stored as
// its string form.
func (s *SQLiteStore) SaveReturn(ctx context.Context, jid string, rec engine.ResultRecord) error {
	ret, err := json.Marshal(rec.Return)
	if err != nil {
		ret, _ = json.Marshal(fmt.Sprint(rec.Return))
	}

	query := `
		INSERT INTO returns (jid, id, return, retcode, success, stderr, error_kind, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (jid, id) DO UPDATE SET
			return = excluded.return,
			retcode = excluded.retcode,
			success = excluded.success,
			stderr = excluded.stderr,
			error_kind = excluded.error_kind,
			duration_ms = excluded.duration_ms,
			created_at = excluded.created_at
	`
	_, err = s.db.ExecContext(ctx, query,
		jid,
		rec.ID,
		string(ret),
		rec.Retcode,
		!rec.Failed(),
		rec.Stderr,
		string(engine.KindOf(rec.Err)),
		rec.Duration.Milliseconds(),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save return for %s: %w", rec.ID, err)
	}
	return nil
}

// GetJob returns the load of a job.
func (s *SQLiteStore) GetJob(ctx context.Context, jid string) (*Job, error) {
	query := `
		SELECT jid, fun, arg, tgt, tgt_type, user, minions, created_at
		FROM jobs
		WHERE jid = ?
	`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, jid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs lists the most recent jobs first, with their return counts.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*JobSummary, error) {
	query := `
		SELECT j.jid, j.fun, j.arg, j.tgt, j.tgt_type, j.user, j.minions, j.created_at,
			COUNT(r.id), COALESCE(SUM(CASE WHEN r.success = 0 THEN 1 ELSE 0 END), 0)
		FROM jobs j
		LEFT JOIN returns r ON r.jid = j.jid
		GROUP BY j.jid
		ORDER BY j.created_at DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*JobSummary{}
	for rows.Next() {
		var (
			summary      JobSummary
			arg, minions string
			created      int64
		)
		err := rows.Scan(
			&summary.JID,
			&summary.Fun,
			&arg,
			&summary.Target,
			&summary.TargetType,
			&summary.User,
			&minions,
			&created,
			&summary.Returned,
			&summary.Failed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		if err := decodeJob(&summary.Job, arg, minions, created); err != nil {
			return nil, err
		}
		jobs = append(jobs, &summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

// GetReturns returns every stored return of a job, keyed by target id.
func (s *SQLiteStore) GetReturns(ctx context.Context, jid string) (map[string]*Return, error) {
	query := `
		SELECT jid, id, return, retcode, success, stderr, error_kind, duration_ms, created_at
		FROM returns
		WHERE jid = ?
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, jid)
	if err != nil {
		return nil, fmt.Errorf("failed to get returns: %w", err)
	}
	defer rows.Close()

	returns := make(map[string]*Return)
	for rows.Next() {
		var (
			ret            Return
			raw            string
			durMs, created int64
		)
		err := rows.Scan(
			&ret.JID,
			&ret.ID,
			&raw,
			&ret.Retcode,
			&ret.Success,
			&ret.Stderr,
			&ret.ErrorKind,
			&durMs,
			&created,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan return: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &ret.Return); err != nil {
			ret.Return = raw
		}
		ret.Duration = time.Duration(durMs) * time.Millisecond
		ret.CreatedAt = time.Unix(0, created)
		returns[ret.ID] = &ret
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating returns: %w", err)
	}
	return returns, nil
}

// PurgeOlderThan deletes jobs, and their returns, started before cutoff. It returns the
// number of jobs removed.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		log.Debug().Int64("jobs", n).Time("cutoff", cutoff).Msg("Purged job cache")
	}
	return n, nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var (
		job          Job
		arg, minions string
		created      int64
	)
	err := row.Scan(
		&job.JID,
		&job.Fun,
		&arg,
		&job.Target,
		&job.TargetType,
		&job.User,
		&minions,
		&created,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJob(&job, arg, minions, created); err != nil {
		return nil, err
	}
	return &job, nil
}

func decodeJob(job *Job, arg, minions string, created int64) error {
	if err := json.Unmarshal([]byte(arg), &job.Arg); err != nil {
		return fmt.Errorf("failed to decode args of job %s: %w", job.JID, err)
	}
	if err := json.Unmarshal([]byte(minions), &job.Minions); err != nil {
		return fmt.Errorf("failed to decode targets of job %s: %w", job.JID, err)
	}
	job.StartTime = time.Unix(0, created)
	return nil
}

func matchType(m engine.MatchType) engine.MatchType {
	if m == "" {
		return engine.MatchGlob
	}
	return m
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
