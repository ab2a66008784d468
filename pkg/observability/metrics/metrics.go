package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

var (
	cacheHits         atomic.Int64
	cacheConversions  atomic.Int64
	rowsSkipped       atomic.Int64
	materializations  atomic.Int64
	patientsProcessed atomic.Int64
	samplesGenerated  atomic.Int64
	runsFailed        atomic.Int64
	storeReloads      atomic.Int64
)

func Init() {}

func CacheHit()               { cacheHits.Add(1) }
func CacheConversion()        { cacheConversions.Add(1) }
func RowsSkipped(n int)       { rowsSkipped.Add(int64(n)) }
func Materialized()           { materializations.Add(1) }
func PatientsProcessed(n int) { patientsProcessed.Add(int64(n)) }
func SamplesGenerated(n int)  { samplesGenerated.Add(int64(n)) }
func RunFailed()              { runsFailed.Add(1) }
func StoreReloaded()          { storeReloads.Add(1) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	CacheHits         int64 `json:"cache_hits"`
	CacheConversions  int64 `json:"cache_conversions"`
	RowsSkipped       int64 `json:"rows_skipped"`
	Materializations  int64 `json:"materializations"`
	PatientsProcessed int64 `json:"patients_processed"`
	SamplesGenerated  int64 `json:"samples_generated"`
	RunsFailed        int64 `json:"runs_failed"`
	StoreReloads      int64 `json:"store_reloads"`
}

func Current() Snapshot {
	return Snapshot{
		CacheHits:         cacheHits.Load(),
		CacheConversions:  cacheConversions.Load(),
		RowsSkipped:       rowsSkipped.Load(),
		Materializations:  materializations.Load(),
		PatientsProcessed: patientsProcessed.Load(),
		SamplesGenerated:  samplesGenerated.Load(),
		RunsFailed:        runsFailed.Load(),
		StoreReloads:      storeReloads.Load(),
	}
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeText(w, Current())
}

func writeText(w io.Writer, s Snapshot) {
	counter(w, "ehrpipe_cache_hits_total", "Cache files reused without conversion.", s.CacheHits)
	counter(w, "ehrpipe_cache_conversions_total", "Raw tables converted into cache files.", s.CacheConversions)
	counter(w, "ehrpipe_cache_rows_skipped_total", "Malformed raw rows skipped during conversion.", s.RowsSkipped)
	counter(w, "ehrpipe_dataset_materializations_total", "Global event frame materializations.", s.Materializations)
	counter(w, "ehrpipe_pipeline_patients_processed_total", "Patients passed through a task.", s.PatientsProcessed)
	counter(w, "ehrpipe_pipeline_samples_generated_total", "Samples produced by tasks.", s.SamplesGenerated)
	counter(w, "ehrpipe_pipeline_runs_failed_total", "Sample generation runs that failed.", s.RunsFailed)
	counter(w, "ehrpipe_pipeline_store_reloads_total", "Sample stores reloaded from a cache directory.", s.StoreReloads)
}

func counter(w io.Writer, name, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, v)
}
