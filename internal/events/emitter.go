// Package events emits a hash-chained event for every pipeline run, to an
// HTTP endpoint and a local backup directory.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/withObsrvr/realtor-etl/internal/logging"
	"github.com/withObsrvr/realtor-etl/internal/retry"
)

// Config configures event emission.
type Config struct {
	Enabled   bool
	Endpoint  string // optional; file backup only when empty
	BackupDir string
}

// Emitter publishes run events.
type Emitter interface {
	Emit(ctx context.Context, evt RunEvent) error
	Close() error
}

// NewEmitter creates an emitter based on configuration.
func NewEmitter(cfg Config) (Emitter, error) {
	log := logging.Component("events")
	if !cfg.Enabled {
		log.Debug("events disabled, using no-op emitter")
		return noopEmitter{}, nil
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = "./events"
	}

	chain, err := NewChainTracker(cfg.BackupDir)
	if err != nil {
		return nil, err
	}
	backup, err := NewFileBackup(cfg.BackupDir)
	if err != nil {
		return nil, err
	}

	e := &ChainedEmitter{chain: chain, backup: backup}
	if cfg.Endpoint != "" {
		e.poster = NewHTTPPoster(cfg.Endpoint, retry.Policy{Attempts: 3, Delay: time.Second})
		log.Info("emitting run events", "endpoint", cfg.Endpoint, "backup_dir", cfg.BackupDir)
	} else {
		log.Info("emitting run events to files only", "backup_dir", cfg.BackupDir)
	}
	return e, nil
}

// ChainedEmitter links each pipeline's events by hash, backs every event
// up to disk and, when configured, posts it.
type ChainedEmitter struct {
	mu     sync.Mutex // serializes head read, emit, head update
	chain  *ChainTracker
	backup *FileBackup
	poster *HTTPPoster
}

// Emit stamps evt with its chain hashes and delivers it. The chain head
// advances only after a successful delivery.
func (e *ChainedEmitter) Emit(ctx context.Context, evt RunEvent) error {
	log := logging.FromContext(ctx, "events")

	e.mu.Lock()
	defer e.mu.Unlock()

	key := evt.Run.Pipeline
	prev, err := e.chain.Head(key)
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}
	evt.stamp(prev)

	// Backup first; the HTTP endpoint is the primary path.
	if err := e.backup.Save(&evt); err != nil {
		if e.poster == nil {
			return err
		}
		log.Warn("event backup failed", "error", err)
	}

	if e.poster != nil {
		if err := e.poster.Post(ctx, &evt); err != nil {
			return fmt.Errorf("post event: %w", err)
		}
	}

	if err := e.chain.SetHead(key, evt.Chain.EventHash); err != nil {
		log.Warn("failed to update chain head", "error", err)
	}
	log.Debug("run event emitted", "event_id", evt.EventID, "event_hash", evt.Chain.EventHash)
	return nil
}

// Close releases resources.
func (e *ChainedEmitter) Close() error { return nil }

// noopEmitter discards all events.
type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, RunEvent) error { return nil }

func (noopEmitter) Close() error { return nil }
