// Package history is the durable record of incidents and action outcomes.
// Incidents are upserted as they move through their lifecycle; outcomes are
// append-only and feed future learning. SQLite keeps the history queryable
// with standard tooling.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/autopilotstack/autopilot-engine/internal/models"
	"github.com/autopilotstack/autopilot-engine/internal/utils"
)

// ErrNotFound is returned when an incident id is unknown.
var ErrNotFound = errors.New("incident not found")

// Config configures the history database.
type Config struct {
	Path        string
	BusyTimeout int
	JournalMode string
	MaxConns    int
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = "autopilot.db"
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5000
	}
	if c.JournalMode == "" {
		c.JournalMode = "WAL"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 4
	}
}

// Store persists incidents and action outcomes.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool

	upsertIncident *sql.Stmt
	selectIncident *sql.Stmt
	insertOutcome  *sql.Stmt
}

// Open opens (and if needed creates) the history database.
func Open(cfg Config) (*Store, error) {
	cfg.applyDefaults()

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, utils.NewAppError("history.Open", "open database", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns / 2)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, utils.NewAppError("history.Open", "initialise schema", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, utils.NewAppError("history.Open", "prepare statements", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			service TEXT NOT NULL,
			status TEXT NOT NULL,
			severity TEXT NOT NULL,
			opened_at INTEGER NOT NULL,
			resolved_at INTEGER,
			data BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS action_outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action_id TEXT NOT NULL,
			incident_id TEXT NOT NULL,
			service TEXT NOT NULL,
			action_kind TEXT NOT NULL,
			executed_at INTEGER NOT NULL,
			result TEXT NOT NULL,
			observed_effect TEXT,
			confidence REAL NOT NULL,
			automatic INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_incidents_service ON incidents(service, opened_at);
		CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
		CREATE INDEX IF NOT EXISTS idx_outcomes_service ON action_outcomes(service, executed_at);
		CREATE INDEX IF NOT EXISTS idx_outcomes_incident ON action_outcomes(incident_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

func (s *Store) prepareStatements() error {
	var err error

	s.upsertIncident, err = s.db.Prepare(`
		INSERT OR REPLACE INTO incidents (id, service, status, severity, opened_at, resolved_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.selectIncident, err = s.db.Prepare(`SELECT data FROM incidents WHERE id = ?`)
	if err != nil {
		return err
	}

	s.insertOutcome, err = s.db.Prepare(`
		INSERT INTO action_outcomes
			(action_id, incident_id, service, action_kind, executed_at, result, observed_effect, confidence, automatic)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	return err
}

// SaveIncident writes the incident's current state, replacing any prior row.
func (s *Store) SaveIncident(ctx context.Context, inc *models.Incident) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("encode incident: %w", err)
	}
	var resolvedAt any
	if inc.ResolvedAt != nil {
		resolvedAt = inc.ResolvedAt.UnixMilli()
	}
	_, err = s.upsertIncident.ExecContext(ctx,
		inc.ID, inc.Service, string(inc.Status), string(inc.Severity),
		inc.OpenedAt.UnixMilli(), resolvedAt, data)
	if err != nil {
		return fmt.Errorf("save incident %s: %w", inc.ID, err)
	}
	return nil
}

// Incident loads one incident by id.
func (s *Store) Incident(ctx context.Context, id string) (*models.Incident, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.selectIncident.QueryRowContext(ctx, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load incident %s: %w", id, err)
	}
	var inc models.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return nil, fmt.Errorf("decode incident %s: %w", id, err)
	}
	return &inc, nil
}

// IncidentFilter narrows Incidents listings. Zero values match everything.
type IncidentFilter struct {
	Service string
	Status  models.IncidentStatus
	Limit   int
}

// Incidents lists incidents newest-first.
func (s *Store) Incidents(ctx context.Context, filter IncidentFilter) ([]*models.Incident, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	query := `SELECT data FROM incidents WHERE 1=1`
	args := make([]any, 0, 3)
	if filter.Service != "" {
		query += ` AND service = ?`
		args = append(args, filter.Service)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY opened_at DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []*models.Incident
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var inc models.Incident
		if err := json.Unmarshal(data, &inc); err != nil {
			continue
		}
		out = append(out, &inc)
	}
	return out, rows.Err()
}

// RecordOutcome appends one action outcome. Outcomes are never updated.
func (s *Store) RecordOutcome(ctx context.Context, outcome models.ActionOutcome) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	automatic := 0
	if outcome.Automatic {
		automatic = 1
	}
	_, err := s.insertOutcome.ExecContext(ctx,
		outcome.ActionID, outcome.IncidentID, outcome.Service, outcome.ActionKind,
		outcome.ExecutedAt.UnixMilli(), string(outcome.Result), outcome.ObservedEffect,
		outcome.Confidence, automatic)
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", outcome.ActionID, err)
	}
	return nil
}

// Outcomes lists action outcomes for a service newest-first, or for every
// service when service is empty.
func (s *Store) Outcomes(ctx context.Context, service string, limit int) ([]models.ActionOutcome, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT action_id, incident_id, service, action_kind, executed_at, result,
		       observed_effect, confidence, automatic
		FROM action_outcomes`
	args := make([]any, 0, 2)
	if service != "" {
		query += ` WHERE service = ?`
		args = append(args, service)
	}
	query += ` ORDER BY executed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.ActionOutcome
	for rows.Next() {
		var (
			o          models.ActionOutcome
			executedAt int64
			result     string
			automatic  int
		)
		if err := rows.Scan(&o.ActionID, &o.IncidentID, &o.Service, &o.ActionKind,
			&executedAt, &result, &o.ObservedEffect, &o.Confidence, &automatic); err != nil {
			return nil, err
		}
		o.ExecutedAt = time.UnixMilli(executedAt).UTC()
		o.Result = models.ActionResult(result)
		o.Automatic = automatic == 1
		out = append(out, o)
	}
	return out, rows.Err()
}

// SuccessRate reports the fraction of successful automatic executions of an
// action kind for a service, and the sample count it is based on.
func (s *Store) SuccessRate(ctx context.Context, service, actionKind string) (float64, int, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, 0, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN result IN ('success', 'rolled_back') THEN 1 ELSE 0 END), 0)
		FROM action_outcomes
		WHERE service = ? AND action_kind = ?
	`, service, actionKind)
	var total, ok int
	if err := row.Scan(&total, &ok); err != nil {
		return 0, 0, fmt.Errorf("success rate: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(ok) / float64(total), total, nil
}

// Close releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, stmt := range []*sql.Stmt{s.upsertIncident, s.selectIncident, s.insertOutcome} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *Store) ensureOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("history store is closed")
	}
	return nil
}
