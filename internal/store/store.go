// Package store keeps the run history of the pipeline in SQLite: one row
// per trained profile, one row per measured concurrency level, and a log of
// deployment actions. The schema is managed by golang-migrate from SQL files
// embedded in the binary.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/shinji-kodama/treeserve/internal/bench"
	"github.com/shinji-kodama/treeserve/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// Store is an open history database.
type Store struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// Open opens or creates the database at path and migrates it to the latest
// schema. ":memory:" opens a private in-memory database.
func Open(path string, log *zap.Logger) (*Store, error) {
	log = logging.OrNop(log)
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure %s: %w", path, err)
	}

	s := &Store{db: db, log: log, now: time.Now}
	if err := s.migrateUp(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{log: s.log.Sugar()}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not closed
// because that would close the shared database handle.
func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

type migrateLogger struct {
	log *zap.SugaredLogger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.log.Debugf("[migrate] "+strings.TrimSuffix(format, "\n"), v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// TrainingRun is one trained profile.
type TrainingRun struct {
	ID           string        `json:"id"`
	Model        string        `json:"model"`
	Profile      string        `json:"profile"`
	Trainer      string        `json:"trainer"`
	Rounds       int           `json:"rounds"`
	MaxDepth     int           `json:"maxDepth"`
	LearningRate float64       `json:"learningRate"`
	TrainRows    int           `json:"trainRows"`
	TestRows     int           `json:"testRows"`
	NumFeatures  int           `json:"numFeatures"`
	NumTrees     int           `json:"numTrees"`
	TestAUC      float64       `json:"testAuc"`
	TestLogLoss  float64       `json:"testLogLoss"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// RecordTraining inserts run and returns its ID. Empty IDs and zero
// timestamps are filled in.
func (s *Store) RecordTraining(ctx context.Context, run TrainingRun) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO train_runs (id, model, profile, trainer, rounds, max_depth, learning_rate,
			train_rows, test_rows, num_features, num_trees, test_auc, test_logloss, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Model, run.Profile, run.Trainer, run.Rounds, run.MaxDepth, run.LearningRate,
		run.TrainRows, run.TestRows, run.NumFeatures, run.NumTrees, run.TestAUC, run.TestLogLoss,
		run.Duration.Milliseconds(), run.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("failed to record training run: %w", err)
	}
	return run.ID, nil
}

// ListTraining returns the most recent runs first. A limit of 0 or less
// returns every run.
func (s *Store) ListTraining(ctx context.Context, limit int) ([]TrainingRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model, profile, trainer, rounds, max_depth, learning_rate, train_rows, test_rows,
			num_features, num_trees, test_auc, test_logloss, duration_ms, created_at
		FROM train_runs ORDER BY created_at DESC, id LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list training runs: %w", err)
	}
	defer rows.Close()

	var runs []TrainingRun
	for rows.Next() {
		var r TrainingRun
		var durationMS int64
		var created string
		if err := rows.Scan(&r.ID, &r.Model, &r.Profile, &r.Trainer, &r.Rounds, &r.MaxDepth,
			&r.LearningRate, &r.TrainRows, &r.TestRows, &r.NumFeatures, &r.NumTrees,
			&r.TestAUC, &r.TestLogLoss, &durationMS, &created); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		if r.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("training run %s: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PerfRecord is one measured concurrency level of a sweep.
type PerfRecord struct {
	SweepID   string       `json:"sweepId"`
	Model     string       `json:"model"`
	Protocol  string       `json:"protocol"`
	Tool      string       `json:"tool"`
	Result    bench.Result `json:"result"`
	CreatedAt time.Time    `json:"createdAt"`
}

// RecordPerf stores every level of sweep in one transaction and returns the
// sweep ID shared by its rows.
func (s *Store) RecordPerf(ctx context.Context, sweep *bench.Sweep) (string, error) {
	if len(sweep.Results) == 0 {
		return "", fmt.Errorf("sweep for %s has no results", sweep.Model)
	}
	id := uuid.NewString()
	created := s.now().UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO perf_results (sweep_id, model, protocol, tool, concurrency, batch_size, requests,
			errors, throughput, mean_us, p50_us, p90_us, p95_us, p99_us, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	for _, r := range sweep.Results {
		if _, err := stmt.ExecContext(ctx, id, sweep.Model, sweep.Protocol, sweep.Tool,
			r.Concurrency, r.BatchSize, r.Requests, r.Errors, r.Throughput,
			r.Mean.Microseconds(), r.P50.Microseconds(), r.P90.Microseconds(),
			r.P95.Microseconds(), r.P99.Microseconds(), created); err != nil {
			return "", fmt.Errorf("failed to record perf result: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// ListPerf returns the recorded levels for modelName, newest sweep first
// and by concurrency within a sweep. An empty modelName lists every model.
func (s *Store) ListPerf(ctx context.Context, modelName string, limit int) ([]PerfRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sweep_id, model, protocol, tool, concurrency, batch_size, requests, errors,
			throughput, mean_us, p50_us, p90_us, p95_us, p99_us, created_at
		FROM perf_results
		WHERE ? = '' OR model = ?
		ORDER BY created_at DESC, sweep_id, concurrency LIMIT ?`,
		modelName, modelName, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list perf results: %w", err)
	}
	defer rows.Close()

	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	var out []PerfRecord
	for rows.Next() {
		var p PerfRecord
		var mean, p50, p90, p95, p99 int64
		var created string
		r := &p.Result
		if err := rows.Scan(&p.SweepID, &p.Model, &p.Protocol, &p.Tool, &r.Concurrency, &r.BatchSize,
			&r.Requests, &r.Errors, &r.Throughput, &mean, &p50, &p90, &p95, &p99, &created); err != nil {
			return nil, err
		}
		r.Mean, r.P50, r.P90, r.P95, r.P99 = us(mean), us(p50), us(p90), us(p95), us(p99)
		if p.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("perf result of sweep %s: %w", p.SweepID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Deployment actions.
const (
	ActionDeploy = "deploy"
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionRemove = "remove"
)

// DeploymentEvent is one action taken on a deployment.
type DeploymentEvent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Action    string    `json:"action"`
	Image     string    `json:"image,omitempty"`
	Models    []string  `json:"models,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RecordDeployment appends ev to the deployment log and returns its ID.
func (s *Store) RecordDeployment(ctx context.Context, ev DeploymentEvent) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments_log (id, name, action, image, models, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Name, ev.Action, ev.Image, strings.Join(ev.Models, ","), ev.Detail,
		ev.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("failed to record deployment event: %w", err)
	}
	return ev.ID, nil
}

// ListDeploymentEvents returns the log for name, newest first. An empty
// name lists every deployment.
func (s *Store) ListDeploymentEvents(ctx context.Context, name string, limit int) ([]DeploymentEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, action, image, models, detail, created_at
		FROM deployments_log
		WHERE ? = '' OR name = ?
		ORDER BY created_at DESC, id LIMIT ?`, name, name, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list deployment events: %w", err)
	}
	defer rows.Close()

	var out []DeploymentEvent
	for rows.Next() {
		var ev DeploymentEvent
		var models, created string
		if err := rows.Scan(&ev.ID, &ev.Name, &ev.Action, &ev.Image, &models, &ev.Detail, &created); err != nil {
			return nil, err
		}
		if models != "" {
			ev.Models = strings.Split(models, ",")
		}
		if ev.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("deployment event %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
