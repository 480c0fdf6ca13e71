package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"birdseye/models"
)

// Store persists fetch checkpoints and the latest report between runs so an
// interrupted enrichment resumes instead of restarting.
type Store struct {
	db    *sql.DB
	mutex sync.RWMutex
	log   *logrus.Logger
}

// NewStore opens (or creates) the local cache database.
func NewStore(dbPath string, log *logrus.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	store := &Store{
		db:  db,
		log: log,
	}

	if err := store.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.db.Close()
}

func (s *Store) initTables() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		resource TEXT PRIMARY KEY,
		cursor TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		generated_at TIMESTAMP NOT NULL
	);
	`

	_, err := s.db.Exec(query)
	return err
}

// Save writes a checkpoint for a resource. INSERT OR REPLACE keeps the write
// idempotent; re-saving the same page commit is harmless.
func (s *Store) Save(cp models.FetchCheckpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	query := `
	INSERT OR REPLACE INTO checkpoints (resource, cursor, sequence, updated_at)
	VALUES (?, ?, ?, ?)
	`

	_, err := s.db.Exec(query, cp.Resource, cp.Cursor, cp.Sequence, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// Load returns the checkpoint for a resource, or nil when none is stored.
func (s *Store) Load(resource string) (*models.FetchCheckpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	query := `
	SELECT resource, cursor, sequence, updated_at
	FROM checkpoints
	WHERE resource = ?
	`

	var cp models.FetchCheckpoint
	var updatedAt string
	err := s.db.QueryRow(query, resource).Scan(&cp.Resource, &cp.Cursor, &cp.Sequence, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &cp, nil
}

// Clear discards a resource's checkpoint after its pagination completed.
func (s *Store) Clear(resource string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE resource = ?`, resource)
	if err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}

	s.log.WithField("resource", resource).Debug("Checkpoint cleared after pagination completed")
	return nil
}

// SaveReport stores the latest pipeline report so a rerun without fresh data
// can serve it immediately.
func (s *Store) SaveReport(report *models.Report) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to serialize report: %w", err)
	}

	query := `
	INSERT OR REPLACE INTO reports (id, body, generated_at)
	VALUES ('latest', ?, ?)
	`

	if _, err := s.db.Exec(query, string(body), report.GeneratedAt); err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}

	return nil
}

// LoadReport returns the cached report, or nil when none exists.
func (s *Store) LoadReport() (*models.Report, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var body string
	err := s.db.QueryRow(`SELECT body FROM reports WHERE id = 'latest'`).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report: %w", err)
	}

	var report models.Report
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return nil, fmt.Errorf("failed to parse cached report: %w", err)
	}

	return &report, nil
}
