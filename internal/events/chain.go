package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// ErrNoChainHead indicates no previous event exists for a chain.
var ErrNoChainHead = errors.New("no chain head found")

// ChainTracker persists the last event hash per pipeline.
type ChainTracker struct {
	mu       sync.RWMutex
	heads    map[string]string // pipeline -> event hash
	filePath string
}

// NewChainTracker creates a chain tracker that persists to dir.
func NewChainTracker(dir string) (*ChainTracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chain tracker dir: %w", err)
	}

	ct := &ChainTracker{
		heads:    make(map[string]string),
		filePath: filepath.Join(dir, "event-chain-heads.json"),
	}
	if err := ct.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load chain heads: %w", err)
	}
	return ct, nil
}

// Head returns the last event hash for key.
func (ct *ChainTracker) Head(key string) (string, error) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	hash, ok := ct.heads[key]
	if !ok || hash == "" {
		return "", ErrNoChainHead
	}
	return hash, nil
}

// SetHead records eventHash as the head of key and persists all heads.
func (ct *ChainTracker) SetHead(key, eventHash string) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	ct.heads[key] = eventHash
	return ct.save()
}

func (ct *ChainTracker) load() error {
	data, err := os.ReadFile(ct.filePath)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &ct.heads)
}

func (ct *ChainTracker) save() error {
	data, err := json.MarshalIndent(ct.heads, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := ct.filePath + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, ct.filePath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
