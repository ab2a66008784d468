package samples

import (
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrMissingField     = errors.New("sample is missing a schema field")
	ErrUnknownProcessor = errors.New("unknown processor")
)

// Sample is one task output. It must carry patient_id and should carry
// record_id or visit_id.
type Sample map[string]interface{}

const (
	FieldPatientID = "patient_id"
	FieldRecordID  = "record_id"
	FieldVisitID   = "visit_id"
)

// Schema maps a sample field to the name of the processor that encodes it.
type Schema map[string]string

// Fields returns the schema fields in sorted order.
func (s Schema) Fields() []string {
	out := make([]string, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (s Schema) clone() Schema {
	out := make(Schema, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// TimeSeries is a sequence of timestamped vectors.
type TimeSeries struct {
	Timestamps []time.Time
	Values     [][]float64
}

// Tensor is a dense row-major array.
type Tensor struct {
	Shape []int
	Data  []float64
}

// Placeholder stands in for a value spilled to its own file.
type Placeholder struct {
	IsTensorPlaceholder bool
	Path                string
}

// Processor fits on every sample's value for one field and then encodes
// values one at a time. Implementations used with WithSavePath must be
// registered with encoding/gob.
type Processor interface {
	Fit(samples []Sample, field string) error
	Process(value interface{}) (interface{}, error)
	Size() (int, bool)
}

type Factory func() Processor

// Registry maps processor type names to factories.
type Registry map[string]Factory

func (r Registry) New(name string) (Processor, error) {
	f, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcessor, name)
	}
	return f(), nil
}

var (
	registryMu      sync.RWMutex
	defaultRegistry = Registry{}
)

// Register adds a processor to the default registry. Packages providing
// processors call it from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := defaultRegistry[name]; dup {
		panic("samples: Register called twice for processor " + name)
	}
	defaultRegistry[name] = f
}

// DefaultRegistry returns a copy of the processors registered so far.
func DefaultRegistry() Registry {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make(Registry, len(defaultRegistry))
	for k, v := range defaultRegistry {
		out[k] = v
	}
	return out
}

func init() {
	gob.Register(Tensor{})
	gob.Register(TimeSeries{})
	gob.Register(Placeholder{})
	gob.Register(time.Time{})
	gob.Register([][]float64{})
	gob.Register([][]int{})
	gob.Register([][]string{})
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
}
