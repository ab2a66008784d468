package samples

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/ehrpipe/pkg/common/logger"
)

// Store is an immutable, encoded sample collection with lookup indices by
// patient and by record.
type Store struct {
	ID       string
	Dataset  string
	Task     string
	SavePath string

	samples          []Sample
	input            Schema
	output           Schema
	inputProcessors  map[string]Processor
	outputProcessors map[string]Processor

	patientOrder   []string
	patientToIndex map[string][]int
	recordToIndex  map[string][]int
}

type storeOptions struct {
	savePath string
	registry Registry
	dataset  string
	task     string
}

type Option func(*storeOptions)

// WithSavePath persists the store under dir once built.
func WithSavePath(dir string) Option {
	return func(o *storeOptions) { o.savePath = dir }
}

func WithRegistry(r Registry) Option {
	return func(o *storeOptions) { o.registry = r }
}

// WithOrigin records which dataset and task produced the samples.
func WithOrigin(dataset, task string) Option {
	return func(o *storeOptions) {
		o.dataset = dataset
		o.task = task
	}
}

// NewStore validates raw samples, fits one processor per schema field over
// all samples and encodes every value. The caller's samples are not
// modified.
func NewStore(raw []Sample, input, output Schema, opts ...Option) (*Store, error) {
	o := storeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = DefaultRegistry()
	}

	if err := validate(raw, input, output); err != nil {
		return nil, err
	}

	encoded := make([]Sample, len(raw))
	for i, s := range raw {
		encoded[i] = copySample(s)
	}

	started := time.Now()
	inputProcessors, err := fitAndEncode(encoded, input, o.registry)
	if err != nil {
		return nil, err
	}
	outputProcessors, err := fitAndEncode(encoded, output, o.registry)
	if err != nil {
		return nil, err
	}

	st := &Store{
		ID:               uuid.New().String(),
		Dataset:          o.dataset,
		Task:             o.task,
		samples:          encoded,
		input:            input.clone(),
		output:           output.clone(),
		inputProcessors:  inputProcessors,
		outputProcessors: outputProcessors,
	}
	st.buildIndices()

	logger.Log.WithFields(map[string]interface{}{
		"store":    st.ID,
		"task":     st.Task,
		"samples":  len(encoded),
		"patients": len(st.patientOrder),
		"duration": time.Since(started).String(),
	}).Info("Built sample store")

	if o.savePath != "" {
		if err := st.Save(o.savePath); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func validate(raw []Sample, schemas ...Schema) error {
	for i, s := range raw {
		for _, schema := range schemas {
			for _, field := range schema.Fields() {
				if _, ok := s[field]; !ok {
					return fmt.Errorf("%w: sample %d has no field %q", ErrMissingField, i, field)
				}
			}
		}
	}
	return nil
}

func fitAndEncode(encoded []Sample, schema Schema, registry Registry) (map[string]Processor, error) {
	procs := make(map[string]Processor, len(schema))
	for _, field := range schema.Fields() {
		p, err := registry.New(schema[field])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		if err := p.Fit(encoded, field); err != nil {
			return nil, fmt.Errorf("fit %s processor on %s: %w", schema[field], field, err)
		}
		procs[field] = p
	}
	for i, s := range encoded {
		for _, field := range schema.Fields() {
			v, err := procs[field].Process(s[field])
			if err != nil {
				return nil, fmt.Errorf("encode sample %d field %s: %w", i, field, err)
			}
			s[field] = v
		}
	}
	return procs, nil
}

func (st *Store) buildIndices() {
	st.patientOrder = nil
	st.patientToIndex = make(map[string][]int)
	st.recordToIndex = make(map[string][]int)
	for i, s := range st.samples {
		if v, ok := s[FieldPatientID]; ok && v != nil {
			pid := fmt.Sprint(v)
			if _, seen := st.patientToIndex[pid]; !seen {
				st.patientOrder = append(st.patientOrder, pid)
			}
			st.patientToIndex[pid] = append(st.patientToIndex[pid], i)
		}
		rec, ok := s[FieldRecordID]
		if !ok || rec == nil {
			rec, ok = s[FieldVisitID]
		}
		if ok && rec != nil {
			key := fmt.Sprint(rec)
			st.recordToIndex[key] = append(st.recordToIndex[key], i)
		}
	}
}

func (st *Store) Len() int { return len(st.samples) }

// Sample returns sample i. The map must not be modified.
func (st *Store) Sample(i int) Sample { return st.samples[i] }

func (st *Store) Samples() []Sample { return append([]Sample(nil), st.samples...) }

func (st *Store) InputSchema() Schema  { return st.input.clone() }
func (st *Store) OutputSchema() Schema { return st.output.clone() }

func (st *Store) InputProcessors() map[string]Processor  { return copyProcs(st.inputProcessors) }
func (st *Store) OutputProcessors() map[string]Processor { return copyProcs(st.outputProcessors) }

func copyProcs(in map[string]Processor) map[string]Processor {
	out := make(map[string]Processor, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Patients lists patient ids in order of first sample.
func (st *Store) Patients() []string { return append([]string(nil), st.patientOrder...) }

func (st *Store) PatientToIndex() map[string][]int { return copyIndex(st.patientToIndex) }

// RecordToIndex groups samples by record_id, falling back to visit_id.
func (st *Store) RecordToIndex() map[string][]int { return copyIndex(st.recordToIndex) }

func copyIndex(in map[string][]int) map[string][]int {
	out := make(map[string][]int, len(in))
	for k, v := range in {
		out[k] = append([]int(nil), v...)
	}
	return out
}

// Subset returns a store over the given samples sharing schemas and fitted
// processors with st.
func (st *Store) Subset(indices []int) *Store {
	sub := &Store{
		ID:               uuid.New().String(),
		Dataset:          st.Dataset,
		Task:             st.Task,
		samples:          make([]Sample, len(indices)),
		input:            st.input,
		output:           st.output,
		inputProcessors:  st.inputProcessors,
		outputProcessors: st.outputProcessors,
	}
	for i, idx := range indices {
		sub.samples[i] = st.samples[idx]
	}
	sub.buildIndices()
	return sub
}

func copySample(s Sample) Sample {
	out := make(Sample, len(s))
	for k, v := range s {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch x := v.(type) {
	case []interface{}:
		if x == nil {
			return x
		}
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return slices.Clone(x)
	case []int:
		return slices.Clone(x)
	case []float64:
		return slices.Clone(x)
	case [][]string:
		return cloneNested(x)
	case [][]int:
		return cloneNested(x)
	case [][]float64:
		return cloneNested(x)
	case map[string]interface{}:
		if x == nil {
			return x
		}
		out := make(map[string]interface{}, len(x))
		for k, e := range x {
			out[k] = copyValue(e)
		}
		return out
	case TimeSeries:
		return TimeSeries{Timestamps: slices.Clone(x.Timestamps), Values: cloneNested(x.Values)}
	case Tensor:
		return Tensor{Shape: slices.Clone(x.Shape), Data: slices.Clone(x.Data)}
	default:
		return v
	}
}

func cloneNested[T any](x [][]T) [][]T {
	if x == nil {
		return nil
	}
	out := make([][]T, len(x))
	for i, e := range x {
		out[i] = slices.Clone(e)
	}
	return out
}
