// Package database persists scored anomaly runs and serialized model
// snapshots to PostgreSQL.
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"candlewatch/models"
)

// DB represents a database connection.
type DB struct {
	*sql.DB
}

// ConnectionParams holds PostgreSQL connection parameters.
type ConnectionParams struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// New creates a new database connection and ensures the schema exists.
func New(params ConnectionParams) (*DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		params.Host, params.Port, params.User, params.Password, params.DBName, params.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if err := createTables(db); err != nil {
		return nil, err
	}
	return &DB{db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS anomaly_runs (
			id SERIAL PRIMARY KEY,
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			total_samples INT NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			anomaly_rate DOUBLE PRECISION NOT NULL,
			warning_count INT NOT NULL,
			critical_count INT NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS anomalies (
			id SERIAL PRIMARY KEY,
			run_id INT NOT NULL REFERENCES anomaly_runs(id),
			sample_index INT NOT NULL,
			reconstruction_error DOUBLE PRECISION NOT NULL,
			severity TEXT NOT NULL,
			is_major_event BOOLEAN NOT NULL,
			contributions JSONB
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS model_snapshots (
			id SERIAL PRIMARY KEY,
			symbol TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			snapshot JSONB NOT NULL
		)
	`)
	return err
}

// SaveRun stores a run summary together with its warning and critical
// records. Normal rows are not persisted.
func (db *DB) SaveRun(symbol, interval string, report *models.ScoreReport) (int64, error) {
	var runID int64
	err := db.QueryRow(`
		INSERT INTO anomaly_runs
			(symbol, interval, created_at, total_samples, threshold, anomaly_rate, warning_count, critical_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, symbol, interval, time.Now().UTC(), report.TotalSamples, report.Threshold, report.AnomalyRate,
		report.SeverityLevels[models.SeverityWarning], report.SeverityLevels[models.SeverityCritical],
	).Scan(&runID)
	if err != nil {
		return 0, fmt.Errorf("saving run: %w", err)
	}

	for _, rec := range report.Anomalies {
		if rec.Severity == models.SeverityNormal {
			continue
		}
		contributions, err := json.Marshal(rec.Contributions)
		if err != nil {
			return 0, fmt.Errorf("encoding contributions: %w", err)
		}
		_, err = db.Exec(`
			INSERT INTO anomalies
				(run_id, sample_index, reconstruction_error, severity, is_major_event, contributions)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, runID, rec.Index, rec.ReconstructionError, string(rec.Severity), rec.IsMajorEvent, contributions)
		if err != nil {
			return 0, fmt.Errorf("saving anomaly %d: %w", rec.Index, err)
		}
	}
	return runID, nil
}

// SaveSnapshot stores a serialized model bundle for the symbol.
func (db *DB) SaveSnapshot(symbol string, snapshot []byte) error {
	_, err := db.Exec(`
		INSERT INTO model_snapshots (symbol, created_at, snapshot)
		VALUES ($1, $2, $3)
	`, symbol, time.Now().UTC(), snapshot)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// LoadLatestSnapshot returns the most recent model bundle for the symbol,
// or sql.ErrNoRows when none exists.
func (db *DB) LoadLatestSnapshot(symbol string) ([]byte, error) {
	var snapshot []byte
	err := db.QueryRow(`
		SELECT snapshot FROM model_snapshots
		WHERE symbol = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, symbol).Scan(&snapshot)
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}
