package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventVersion = "1.0"
	EventType    = "pipeline_run"
)

// RunEvent is the record emitted after every pipeline run.
type RunEvent struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Run      RunInfo      `json:"run"`
	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// RunInfo describes the run outcome.
type RunInfo struct {
	RunID          string           `json:"run_id"`
	Pipeline       string           `json:"pipeline"`
	LogicalDate    string           `json:"logical_date"`
	State          string           `json:"state"`
	Stage          string           `json:"stage"`
	ErrorKind      string           `json:"error_kind,omitempty"`
	Error          string           `json:"error,omitempty"`
	RowsLoaded     int64            `json:"rows_loaded"`
	LoadSkipped    bool             `json:"load_skipped,omitempty"`
	RawURI         string           `json:"raw_uri,omitempty"`
	TransformedURI string           `json:"transformed_uri,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	FinishedAt     time.Time        `json:"finished_at"`
	StageMillis    map[string]int64 `json:"stage_ms,omitempty"`
}

// ProducerInfo identifies the software that ran the pipeline.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ChainInfo links events of one pipeline into a tamper-evident log.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ComputeEventHash returns the SHA256 of the event's JSON form with
// event_hash cleared.
func ComputeEventHash(evt *RunEvent) string {
	c := *evt
	c.Chain.EventHash = ""

	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// stamp fills the envelope fields and chain hashes.
func (e *RunEvent) stamp(prevHash string) {
	e.Version = EventVersion
	e.EventType = EventType
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Chain.PrevEventHash = prevHash
	e.Chain.EventHash = ComputeEventHash(e)
}
