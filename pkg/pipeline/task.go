package pipeline

import (
	"context"

	"github.com/synaptica-ai/ehrpipe/pkg/common/models"
	"github.com/synaptica-ai/ehrpipe/pkg/patient"
	"github.com/synaptica-ai/ehrpipe/pkg/samples"
	"github.com/synaptica-ai/ehrpipe/pkg/table"
)

// Task turns one patient's events into zero or more samples. Call runs on
// worker goroutines and must not share writable state between calls.
type Task interface {
	Name() string
	InputSchema() samples.Schema
	OutputSchema() samples.Schema
	PreFilter(events *table.Lazy) *table.Lazy
	Call(p *patient.Patient) ([]samples.Sample, error)
}

// NoPreFilter can be embedded by tasks that need every event.
type NoPreFilter struct{}

func (NoPreFilter) PreFilter(events *table.Lazy) *table.Lazy { return events }

// Source provides the canonical event frame a task runs over.
type Source interface {
	Name() string
	CollectedEvents(ctx context.Context) (*table.Frame, error)
}

// EventPublisher receives run lifecycle events. *kafka.Producer satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType, source string, data map[string]interface{}) error
}

// RunTracker records sample generation runs.
type RunTracker interface {
	Start(ctx context.Context, run *models.SampleRun) error
	Finish(ctx context.Context, run *models.SampleRun) error
}

// SummaryCache stores per-patient sample counts for fast lookup.
type SummaryCache interface {
	PutPatientSummaries(ctx context.Context, dataset, task string, summaries []models.PatientSampleSummary) error
}
