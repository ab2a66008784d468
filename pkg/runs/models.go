package runs

import (
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/ehrpipe/pkg/common/models"
	"gorm.io/datatypes"
)

type RunModel struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey;column:id"`
	Dataset      string            `gorm:"column:dataset;index"`
	Task         string            `gorm:"column:task;index"`
	Status       string            `gorm:"column:status"`
	Workers      int               `gorm:"column:workers"`
	ChunkSize    int               `gorm:"column:chunk_size"`
	CacheDir     string            `gorm:"column:cache_dir"`
	Patients     int               `gorm:"column:patients"`
	Samples      int               `gorm:"column:samples"`
	Reloaded     bool              `gorm:"column:reloaded"`
	ErrorMessage string            `gorm:"column:error_message"`
	Metadata     datatypes.JSONMap `gorm:"column:metadata"`
	CreatedAt    time.Time         `gorm:"column:created_at"`
	UpdatedAt    time.Time         `gorm:"column:updated_at"`
	StartedAt    *time.Time        `gorm:"column:started_at"`
	CompletedAt  *time.Time        `gorm:"column:completed_at"`
}

func (RunModel) TableName() string {
	return "sample_generation_runs"
}

func FromSampleRun(run *models.SampleRun) *RunModel {
	m := &RunModel{
		ID:           run.ID,
		Dataset:      run.Dataset,
		Task:         run.Task,
		Status:       run.Status,
		Workers:      run.Workers,
		ChunkSize:    run.ChunkSize,
		CacheDir:     run.CacheDir,
		Patients:     run.Patients,
		Samples:      run.Samples,
		Reloaded:     run.Reloaded,
		ErrorMessage: run.ErrorMessage,
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    time.Now().UTC(),
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
	if run.Metadata != nil {
		m.Metadata = datatypes.JSONMap(run.Metadata)
	}
	return m
}

func (m *RunModel) SampleRun() models.SampleRun {
	return models.SampleRun{
		ID:           m.ID,
		Dataset:      m.Dataset,
		Task:         m.Task,
		Status:       m.Status,
		Workers:      m.Workers,
		ChunkSize:    m.ChunkSize,
		CacheDir:     m.CacheDir,
		Patients:     m.Patients,
		Samples:      m.Samples,
		Reloaded:     m.Reloaded,
		ErrorMessage: m.ErrorMessage,
		Metadata:     map[string]interface{}(m.Metadata),
		CreatedAt:    m.CreatedAt,
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
	}
}
