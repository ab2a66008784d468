package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/ehrpipe/pkg/common/logger"
	"github.com/synaptica-ai/ehrpipe/pkg/common/models"
	"github.com/synaptica-ai/ehrpipe/pkg/observability/metrics"
	"github.com/synaptica-ai/ehrpipe/pkg/patient"
	"github.com/synaptica-ai/ehrpipe/pkg/samples"
	"github.com/synaptica-ai/ehrpipe/pkg/table"
	"golang.org/x/sync/errgroup"
)

// Unit is the message handed to a worker: one patient's rows and the slot
// its samples go to.
type Unit struct {
	Index     int
	PatientID string
	Rows      *table.Frame
}

func (u Unit) apply(task Task) ([]samples.Sample, error) {
	p, err := patient.New(u.PatientID, u.Rows)
	if err != nil {
		return nil, fmt.Errorf("patient %s: %w", u.PatientID, err)
	}
	out, err := task.Call(p)
	if err != nil {
		return nil, fmt.Errorf("task %s on patient %s: %w", task.Name(), u.PatientID, err)
	}
	return out, nil
}

// Run applies task to every patient of src and builds a sample store. Sample
// order follows patient first appearance and is the same for any worker count
// or chunk size.
func Run(ctx context.Context, src Source, task Task, opts ...Option) (*samples.Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	now := time.Now().UTC()
	run := &models.SampleRun{
		ID:        uuid.New(),
		Dataset:   src.Name(),
		Task:      task.Name(),
		Status:    models.RunRunning,
		Workers:   o.workers,
		ChunkSize: o.chunkSize,
		CacheDir:  o.cacheDir,
		CreatedAt: now,
		StartedAt: &now,
	}
	o.startRun(ctx, run)

	var (
		st  *samples.Store
		err error
	)
	if o.cacheDir != "" && samples.Exists(o.cacheDir) {
		st, err = samples.Load(o.cacheDir)
		run.Reloaded = err == nil
	} else {
		st, err = generate(ctx, src, task, o, run)
	}
	if err != nil {
		o.failRun(ctx, run, err)
		return nil, err
	}
	o.completeRun(ctx, run, st)
	return st, nil
}

func generate(ctx context.Context, src Source, task Task, o options, run *models.SampleRun) (*samples.Store, error) {
	events, err := src.CollectedEvents(ctx)
	if err != nil {
		return nil, err
	}
	frame, err := task.PreFilter(table.FromFrame(events)).Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("pre-filter for task %s: %w", task.Name(), err)
	}
	ids, groups, err := frame.GroupIndices(patient.ColPatientID)
	if err != nil {
		return nil, err
	}
	run.Patients = len(ids)

	logger.Log.WithFields(map[string]interface{}{
		"run":        run.ID.String(),
		"task":       task.Name(),
		"patients":   len(ids),
		"events":     frame.Len(),
		"workers":    o.workers,
		"chunk_size": o.chunkSize,
	}).Info("Generating samples")

	results := make([][]samples.Sample, len(ids))
	for lo := 0; lo < len(ids); lo += o.chunkSize {
		hi := lo + o.chunkSize
		if hi > len(ids) {
			hi = len(ids)
		}
		units := make([]Unit, 0, hi-lo)
		for i := lo; i < hi; i++ {
			units = append(units, Unit{Index: i, PatientID: ids[i], Rows: frame.Take(groups[ids[i]])})
		}
		if err := runChunk(ctx, task, units, o.workers, results); err != nil {
			return nil, err
		}
		metrics.PatientsProcessed(len(units))
		logger.Log.WithFields(map[string]interface{}{
			"run":  run.ID.String(),
			"done": hi,
			"of":   len(ids),
		}).Debug("Chunk finished")
	}

	var raw []samples.Sample
	for _, out := range results {
		raw = append(raw, out...)
	}
	metrics.SamplesGenerated(len(raw))

	storeOpts := []samples.Option{samples.WithOrigin(src.Name(), task.Name())}
	if o.registry != nil {
		storeOpts = append(storeOpts, samples.WithRegistry(o.registry))
	}
	if o.cacheDir != "" {
		storeOpts = append(storeOpts, samples.WithSavePath(o.cacheDir))
	}
	return samples.NewStore(raw, task.InputSchema(), task.OutputSchema(), storeOpts...)
}

// runChunk fills results[u.Index] for every unit. The first failing unit
// cancels the rest of the chunk.
func runChunk(ctx context.Context, task Task, units []Unit, workers int, results [][]samples.Sample) error {
	if workers <= 1 {
		for _, u := range units {
			if err := ctx.Err(); err != nil {
				return err
			}
			out, err := u.apply(task)
			if err != nil {
				return err
			}
			results[u.Index] = out
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan Unit)
	g.Go(func() error {
		defer close(jobs)
		for _, u := range units {
			select {
			case jobs <- u:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for u := range jobs {
				if err := gctx.Err(); err != nil {
					return err
				}
				out, err := u.apply(task)
				if err != nil {
					return err
				}
				results[u.Index] = out
			}
			return nil
		})
	}
	return g.Wait()
}

func (o options) startRun(ctx context.Context, run *models.SampleRun) {
	if o.tracker == nil {
		return
	}
	if err := o.tracker.Start(ctx, run); err != nil {
		logger.Log.WithError(err).WithField("run", run.ID.String()).Warn("Failed to record run start")
	}
}

func (o options) failRun(ctx context.Context, run *models.SampleRun, cause error) {
	metrics.RunFailed()
	done := time.Now().UTC()
	run.Status = models.RunFailed
	run.ErrorMessage = cause.Error()
	run.CompletedAt = &done

	logger.Log.WithError(cause).WithFields(map[string]interface{}{
		"run":     run.ID.String(),
		"dataset": run.Dataset,
		"task":    run.Task,
	}).Error("Sample generation failed")

	if o.tracker != nil {
		if err := o.tracker.Finish(ctx, run); err != nil {
			logger.Log.WithError(err).WithField("run", run.ID.String()).Warn("Failed to record run failure")
		}
	}
	o.publish(ctx, models.EventRunFailed, run)
}

func (o options) completeRun(ctx context.Context, run *models.SampleRun, st *samples.Store) {
	done := time.Now().UTC()
	run.Status = models.RunCompleted
	run.Samples = st.Len()
	if run.Reloaded {
		run.Patients = len(st.Patients())
	}
	run.CompletedAt = &done

	logger.Log.WithFields(map[string]interface{}{
		"run":      run.ID.String(),
		"dataset":  run.Dataset,
		"task":     run.Task,
		"patients": run.Patients,
		"samples":  run.Samples,
		"reloaded": run.Reloaded,
		"duration": done.Sub(*run.StartedAt).String(),
	}).Info("Sample generation completed")

	if o.tracker != nil {
		if err := o.tracker.Finish(ctx, run); err != nil {
			logger.Log.WithError(err).WithField("run", run.ID.String()).Warn("Failed to record run completion")
		}
	}
	if o.summaries != nil {
		if err := o.summaries.PutPatientSummaries(ctx, run.Dataset, run.Task, PatientSummaries(st, done)); err != nil {
			logger.Log.WithError(err).WithField("run", run.ID.String()).Warn("Failed to cache patient summaries")
		}
	}
	o.publish(ctx, models.EventSamplesGenerated, run)
}

func (o options) publish(ctx context.Context, eventType string, run *models.SampleRun) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.PublishEvent(ctx, eventType, "ehrpipe.pipeline", RunEventData(run)); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"run":   run.ID.String(),
			"event": eventType,
		}).Warn("Failed to publish run event")
	}
}
