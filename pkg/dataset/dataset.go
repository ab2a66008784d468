package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/synaptica-ai/ehrpipe/pkg/cache"
	"github.com/synaptica-ai/ehrpipe/pkg/common/logger"
	"github.com/synaptica-ai/ehrpipe/pkg/common/models"
	"github.com/synaptica-ai/ehrpipe/pkg/observability/metrics"
	"github.com/synaptica-ai/ehrpipe/pkg/patient"
	"github.com/synaptica-ai/ehrpipe/pkg/pipeline"
	"github.com/synaptica-ai/ehrpipe/pkg/samples"
	"github.com/synaptica-ai/ehrpipe/pkg/table"
)

const DefaultDevLimit = 1000

var ErrUnknownPatient = errors.New("unknown patient")

// Dataset assembles configured tables into one canonical event stream and
// hands out per-patient views of it.
type Dataset struct {
	name      string
	root      string
	cfg       Config
	tables    []string
	devMode   bool
	devLimit  int
	resolver  Resolver
	converter *cache.Converter
	sinks     []pipeline.Option

	resolvedMu sync.Mutex
	resolved   map[string]string

	// global event cache, guarded by mu
	mu        sync.Mutex
	collected *table.Frame
	ids       []string
	groups    map[string][]int
}

type Option func(*Dataset) error

// WithRoot sets the directory (or http(s) URL) table paths are relative to.
func WithRoot(root string) Option {
	return func(d *Dataset) error {
		d.root = root
		return nil
	}
}

// WithTables restricts loading to a subset of the configured tables.
func WithTables(names ...string) Option {
	return func(d *Dataset) error {
		for _, n := range names {
			if _, ok := d.cfg.Tables[n]; !ok {
				return configErrorf("%w: %s", ErrUnknownTable, n)
			}
		}
		d.tables = append([]string(nil), names...)
		return nil
	}
}

// WithDevMode keeps only the first limit patients (DefaultDevLimit when
// limit <= 0).
func WithDevMode(limit int) Option {
	return func(d *Dataset) error {
		if limit <= 0 {
			limit = DefaultDevLimit
		}
		d.devMode = true
		d.devLimit = limit
		return nil
	}
}

func WithConverter(c *cache.Converter) Option {
	return func(d *Dataset) error {
		d.converter = c
		return nil
	}
}

// WithFetcher serves tables from a remote root through f.
func WithFetcher(f *Fetcher) Option {
	return func(d *Dataset) error {
		d.resolver = f
		return nil
	}
}

func WithPublisher(p pipeline.EventPublisher) Option {
	return func(d *Dataset) error {
		d.sinks = append(d.sinks, pipeline.WithPublisher(p))
		return nil
	}
}

func WithTracker(t pipeline.RunTracker) Option {
	return func(d *Dataset) error {
		d.sinks = append(d.sinks, pipeline.WithTracker(t))
		return nil
	}
}

func WithSummaryCache(c pipeline.SummaryCache) Option {
	return func(d *Dataset) error {
		d.sinks = append(d.sinks, pipeline.WithSummaryCache(c))
		return nil
	}
}

// WithPipelineOptions sets defaults such as workers, chunk size or cache
// directory for every SetTask call.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(d *Dataset) error {
		d.sinks = append(d.sinks, opts...)
		return nil
	}
}

func New(name string, cfg Config, opts ...Option) (*Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Dataset{
		name:     name,
		root:     ".",
		cfg:      cfg.Clone(),
		resolved: make(map[string]string),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.tables == nil {
		d.tables = d.cfg.TableNames()
	}
	if d.converter == nil {
		d.converter = cache.NewConverter()
	}
	if d.resolver == nil {
		if IsRemoteRoot(d.root) {
			f, err := NewFetcher(d.root, filepath.Join(os.TempDir(), "ehrpipe", name))
			if err != nil {
				return nil, err
			}
			d.resolver = f
		} else {
			d.resolver = LocalResolver{Root: d.root}
		}
	}

	logger.Log.WithFields(map[string]interface{}{
		"dataset":   name,
		"root":      d.root,
		"tables":    d.tables,
		"dev_mode":  d.devMode,
		"dev_limit": d.devLimit,
	}).Info("Initialized dataset")
	return d, nil
}

func (d *Dataset) Name() string { return d.name }

// Config returns a copy of the dataset config.
func (d *Dataset) Config() Config { return d.cfg.Clone() }

func (d *Dataset) Tables() []string { return append([]string(nil), d.tables...) }

func (d *Dataset) DevMode() (bool, int) { return d.devMode, d.devLimit }

// LoadData unions every selected table into one lazy event view. In dev mode
// only rows of the first devLimit patients (by first appearance) are kept,
// and each table is cut down before the union.
func (d *Dataset) LoadData(ctx context.Context) (*table.Lazy, error) {
	views := make([]*table.Lazy, 0, len(d.tables))
	for _, name := range d.tables {
		v, err := d.LoadTable(ctx, name)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	if d.devMode {
		views = limitPatients(views, d.devLimit)
	}
	return table.ConcatLazy(views...), nil
}

// patientSelector picks the first limit patient ids in union order. The
// choice is made once per plan set; a failed attempt is not remembered.
type patientSelector struct {
	views []*table.Lazy
	limit int

	mu   sync.Mutex
	keep map[string]struct{}
}

func (s *patientSelector) ids(ctx context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keep != nil {
		return s.keep, nil
	}
	keep := make(map[string]struct{}, s.limit)
	for _, v := range s.views {
		if len(keep) >= s.limit {
			break
		}
		f, err := v.Select(patient.ColPatientID).Collect(ctx)
		if err != nil {
			return nil, err
		}
		col, _ := f.Column(patient.ColPatientID)
		for _, id := range col {
			if len(keep) >= s.limit {
				break
			}
			keep[id.Text()] = struct{}{}
		}
	}
	s.keep = keep
	return keep, nil
}

// limitPatients restricts every view to the rows of the first limit patients
// across all views, so rows of other patients never reach the union.
func limitPatients(views []*table.Lazy, limit int) []*table.Lazy {
	sel := &patientSelector{views: views, limit: limit}
	out := make([]*table.Lazy, len(views))
	for i, v := range views {
		out[i] = v.Map(v.Schema(), func(ctx context.Context, f *table.Frame) (*table.Frame, error) {
			keep, err := sel.ids(ctx)
			if err != nil {
				return nil, err
			}
			col, ok := f.Column(patient.ColPatientID)
			if !ok {
				return nil, fmt.Errorf("%w: %s", patient.ErrMissingColumn, patient.ColPatientID)
			}
			return f.Filter(func(row int) bool {
				_, ok := keep[col[row].Text()]
				return ok
			}), nil
		})
	}
	return out
}

// CollectedEvents materializes LoadData once and reuses the result until
// Invalidate. A failed materialization is not remembered.
func (d *Dataset) CollectedEvents(ctx context.Context) (*table.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.materializeLocked(ctx); err != nil {
		return nil, err
	}
	return d.collected, nil
}

func (d *Dataset) materializeLocked(ctx context.Context) error {
	if d.collected != nil {
		return nil
	}
	lazy, err := d.LoadData(ctx)
	if err != nil {
		return err
	}
	frame, err := lazy.Collect(ctx)
	if err != nil {
		return fmt.Errorf("materialize dataset %s: %w", d.name, err)
	}
	ids, groups, err := frame.GroupIndices(patient.ColPatientID)
	if err != nil {
		return err
	}
	d.collected, d.ids, d.groups = frame, ids, groups
	metrics.Materialized()
	logger.Log.WithFields(map[string]interface{}{
		"dataset":  d.name,
		"events":   frame.Len(),
		"patients": len(ids),
	}).Info("Materialized global event frame")
	return nil
}

// Invalidate drops the materialized events; the next access rebuilds them.
func (d *Dataset) Invalidate() {
	d.mu.Lock()
	d.collected, d.ids, d.groups = nil, nil, nil
	d.mu.Unlock()
	logger.Log.WithField("dataset", d.name).Info("Invalidated global event frame")
}

// UniquePatientIDs lists patient ids in order of first appearance.
func (d *Dataset) UniquePatientIDs(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.materializeLocked(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), d.ids...), nil
}

func (d *Dataset) GetPatient(ctx context.Context, id string) (*patient.Patient, error) {
	d.mu.Lock()
	if err := d.materializeLocked(ctx); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	frame, idx, ok := d.collected, d.groups[id], len(d.groups[id]) > 0
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPatient, id)
	}
	return patient.New(id, frame.Take(idx))
}

// IterPatients calls fn for every patient in first-appearance order. Each
// Patient is built on demand and not retained.
func (d *Dataset) IterPatients(ctx context.Context, fn func(*patient.Patient) error) error {
	ids, err := d.UniquePatientIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := d.GetPatient(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dataset) Stats(ctx context.Context) (models.DatasetStats, error) {
	frame, err := d.CollectedEvents(ctx)
	if err != nil {
		return models.DatasetStats{}, err
	}
	d.mu.Lock()
	patients := len(d.ids)
	d.mu.Unlock()

	stats := models.DatasetStats{
		Dataset:  d.name,
		DevMode:  d.devMode,
		Patients: patients,
		Events:   frame.Len(),
		Tables:   make(map[string]int, len(d.tables)),
	}
	for _, name := range d.tables {
		stats.Tables[name] = 0
	}
	types, _ := frame.Column(patient.ColEventType)
	for _, v := range types {
		stats.Tables[v.Text()]++
	}
	return stats, nil
}

func (d *Dataset) LogStats(ctx context.Context) error {
	stats, err := d.Stats(ctx)
	if err != nil {
		return err
	}
	logger.Log.WithFields(map[string]interface{}{
		"dataset":  stats.Dataset,
		"dev_mode": stats.DevMode,
		"patients": stats.Patients,
		"events":   stats.Events,
		"tables":   stats.Tables,
	}).Info("Dataset statistics")
	return nil
}

// SetTask runs task over every patient and returns the resulting sample
// store. Sinks configured on the dataset are applied before opts.
func (d *Dataset) SetTask(ctx context.Context, task pipeline.Task, opts ...pipeline.Option) (*samples.Store, error) {
	all := make([]pipeline.Option, 0, len(d.sinks)+len(opts))
	all = append(all, d.sinks...)
	all = append(all, opts...)
	return pipeline.Run(ctx, d, task, all...)
}
