package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileBackup saves run events to local JSON files.
type FileBackup struct {
	dir string
}

// NewFileBackup creates a new file backup handler.
func NewFileBackup(dir string) (*FileBackup, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FileBackup{dir: dir}, nil
}

// Path returns the backup file for evt: {pipeline}_{date}_{run_id}.json.
func (f *FileBackup) Path(evt *RunEvent) string {
	name := fmt.Sprintf("%s_%s_%s.json", evt.Run.Pipeline, evt.Run.LogicalDate, evt.Run.RunID)
	return filepath.Join(f.dir, name)
}

// Save writes evt to its backup file.
func (f *FileBackup) Save(evt *RunEvent) error {
	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(f.Path(evt), data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}
