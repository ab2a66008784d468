package models

import (
	"time"

	"github.com/google/uuid"
)

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // see the Event* and Request* constants
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// Pipeline event types
const (
	EventSamplesGenerated   = "samples.generated"
	EventRunFailed          = "run.failed"
	EventDatasetInvalidated = "dataset.invalidated"

	// Requests consumed from the dataset-requests topic
	RequestInvalidate = "dataset.invalidate"
)

// Run statuses
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Sample generation run
type SampleRun struct {
	ID           uuid.UUID              `json:"id"`
	Dataset      string                 `json:"dataset"`
	Task         string                 `json:"task"`
	Status       string                 `json:"status"`
	Workers      int                    `json:"workers"`
	ChunkSize    int                    `json:"chunk_size"`
	CacheDir     string                 `json:"cache_dir,omitempty"`
	Patients     int                    `json:"patients"`
	Samples      int                    `json:"samples"`
	Reloaded     bool                   `json:"reloaded"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// Dataset statistics
type DatasetStats struct {
	Dataset  string         `json:"dataset"`
	DevMode  bool           `json:"dev_mode"`
	Patients int            `json:"patients"`
	Events   int            `json:"events"`
	Tables   map[string]int `json:"tables"`
}

// Per-patient sample summary kept in the hot cache
type PatientSampleSummary struct {
	PatientID string    `json:"patient_id"`
	Task      string    `json:"task"`
	Samples   int       `json:"samples"`
	Indices   []int     `json:"indices"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event query API
type TimelineEvent struct {
	PatientID  string                 `json:"patient_id"`
	EventType  string                 `json:"event_type"`
	Timestamp  *time.Time             `json:"timestamp,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

type PatientEvents struct {
	PatientID string          `json:"patient_id"`
	Count     int             `json:"count"`
	Events    []TimelineEvent `json:"events"`
}
