// Package checkpoint tracks the latest logical date the pipeline completed,
// so a resumed backfill can pick up after it.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/realtor-etl/internal/artifact"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint represents the pipeline's progress state.
type Checkpoint struct {
	Pipeline      string               `json:"pipeline"`
	LastSucceeded artifact.LogicalDate `json:"last_succeeded_date"`
	LastRunID     string               `json:"last_run_id,omitempty"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the current checkpoint.
	Load(ctx context.Context) (*Checkpoint, error)

	// Advance records date as succeeded if it is later than the stored
	// date. Earlier dates (from a backfill) leave the checkpoint alone.
	Advance(ctx context.Context, date artifact.LogicalDate, runID string) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled  bool
	Dir      string // Directory for checkpoint files
	Pipeline string
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}
	if cfg.Pipeline == "" {
		cfg.Pipeline = "default"
	}

	// Ensure checkpoint directory exists
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir, pipeline: cfg.Pipeline}, nil
}

// fileManager persists checkpoints to local files.
type fileManager struct {
	mu       sync.Mutex
	dir      string
	pipeline string
}

func (m *fileManager) path() string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", m.pipeline))
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

func (m *fileManager) load() (*Checkpoint, error) {
	data, err := os.ReadFile(m.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	return &cp, nil
}

// Advance moves the checkpoint forward to date.
func (m *fileManager) Advance(ctx context.Context, date artifact.LogicalDate, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.load()
	if err != nil && !errors.Is(err, ErrNoCheckpoint) {
		return err
	}
	if cur != nil && !date.After(cur.LastSucceeded) {
		return nil
	}

	cp := &Checkpoint{
		Pipeline:      m.pipeline,
		LastSucceeded: date,
		LastRunID:     runID,
		UpdatedAt:     time.Now().UTC(),
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	path := m.path()
	tempPath := path + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Advance(ctx context.Context, date artifact.LogicalDate, runID string) error {
	return nil
}
