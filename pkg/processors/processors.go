// Package processors provides the built-in field encoders selectable by name
// from a sample schema. Importing the package registers them with
// samples.DefaultRegistry.
package processors

import (
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/synaptica-ai/ehrpipe/pkg/samples"
)

const (
	Raw        = "raw"
	Binary     = "binary"
	Multiclass = "multiclass"
	Multilabel = "multilabel"
	Regression = "regression"
	Sequence   = "sequence"
	TensorType = "tensor"
	Timeseries = "timeseries"
)

var (
	ErrNotFitted   = errors.New("processor used before Fit")
	ErrUnsupported = errors.New("unsupported value")
)

func init() {
	register(Raw, func() samples.Processor { return &RawProcessor{} })
	register(Binary, func() samples.Processor { return &BinaryLabelProcessor{} })
	register(Multiclass, func() samples.Processor { return &MulticlassLabelProcessor{} })
	register(Multilabel, func() samples.Processor { return &MultilabelProcessor{} })
	register(Regression, func() samples.Processor { return &RegressionLabelProcessor{} })
	register(Sequence, func() samples.Processor { return &SequenceProcessor{} })
	register(TensorType, func() samples.Processor { return &TensorProcessor{} })
	register(Timeseries, func() samples.Processor { return &TimeseriesProcessor{} })
}

func register(name string, f samples.Factory) {
	gob.Register(f())
	samples.Register(name, f)
}

// Registry returns every built-in processor by name.
func Registry() samples.Registry {
	return samples.DefaultRegistry()
}

type floater interface {
	Float() (float64, bool)
}

// labelKey is the vocabulary key of a categorical value.
func labelKey(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", fmt.Errorf("%w: nil label", ErrUnsupported)
	case string:
		return strings.TrimSpace(val), nil
	case bool:
		if val {
			return "1", nil
		}
		return "0", nil
	case fmt.Stringer:
		return strings.TrimSpace(val.String()), nil
	default:
		return fmt.Sprint(val), nil
	}
}

func toFloat(v interface{}) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrUnsupported, val)
		}
		return f, nil
	case floater:
		if f, ok := val.Float(); ok {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %T is not a number", ErrUnsupported, v)
}

// toList flattens the list shapes tasks commonly emit.
func toList(v interface{}) ([]interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return val, nil
	case []string:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, nil
	case []int:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, nil
	case []float64:
		out := make([]interface{}, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T is not a list", ErrUnsupported, v)
	}
}

func sortedVocab(seen map[string]struct{}) []string {
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sortLabels(out)
	return out
}
