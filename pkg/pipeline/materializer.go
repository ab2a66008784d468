package pipeline

import (
	"time"

	"github.com/synaptica-ai/ehrpipe/pkg/common/models"
	"github.com/synaptica-ai/ehrpipe/pkg/samples"
)

// PatientSummaries lists each patient's sample positions in st, in patient
// order.
func PatientSummaries(st *samples.Store, at time.Time) []models.PatientSampleSummary {
	index := st.PatientToIndex()
	out := make([]models.PatientSampleSummary, 0, len(index))
	for _, pid := range st.Patients() {
		idx := index[pid]
		out = append(out, models.PatientSampleSummary{
			PatientID: pid,
			Task:      st.Task,
			Samples:   len(idx),
			Indices:   idx,
			UpdatedAt: at,
		})
	}
	return out
}

// RunEventData is the payload published for run lifecycle events.
func RunEventData(run *models.SampleRun) map[string]interface{} {
	data := map[string]interface{}{
		"run_id":     run.ID.String(),
		"dataset":    run.Dataset,
		"task":       run.Task,
		"status":     run.Status,
		"patients":   run.Patients,
		"samples":    run.Samples,
		"reloaded":   run.Reloaded,
		"workers":    run.Workers,
		"chunk_size": run.ChunkSize,
	}
	if run.CacheDir != "" {
		data["cache_dir"] = run.CacheDir
	}
	if run.ErrorMessage != "" {
		data["error"] = run.ErrorMessage
	}
	return data
}
