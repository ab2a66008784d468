package processors

import (
	"fmt"

	"github.com/synaptica-ai/ehrpipe/pkg/samples"
)

// RawProcessor passes values through unchanged.
type RawProcessor struct {
	Fitted bool
}

func (p *RawProcessor) Fit([]samples.Sample, string) error {
	p.Fitted = true
	return nil
}

func (p *RawProcessor) Process(v interface{}) (interface{}, error) { return v, nil }

func (p *RawProcessor) Size() (int, bool) { return 0, false }

// TensorProcessor converts numbers, flat lists and rectangular nested lists
// into a dense Tensor. Every sample must have the same shape.
type TensorProcessor struct {
	Shape []int
}

func (p *TensorProcessor) Fit(list []samples.Sample, field string) error {
	p.Shape = nil
	for i, s := range list {
		t, err := toTensor(s[field])
		if err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
		if p.Shape == nil {
			p.Shape = t.Shape
			continue
		}
		if !sameShape(p.Shape, t.Shape) {
			return fmt.Errorf("sample %d: shape %v differs from %v", i, t.Shape, p.Shape)
		}
	}
	if p.Shape == nil {
		p.Shape = []int{}
	}
	return nil
}

func (p *TensorProcessor) Process(v interface{}) (interface{}, error) {
	if p.Shape == nil {
		return nil, ErrNotFitted
	}
	return toTensor(v)
}

func (p *TensorProcessor) Size() (int, bool) {
	if len(p.Shape) == 0 {
		return 0, false
	}
	return p.Shape[len(p.Shape)-1], true
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toTensor(v interface{}) (samples.Tensor, error) {
	switch val := v.(type) {
	case samples.Tensor:
		return val, nil
	case []float64:
		return samples.Tensor{Shape: []int{len(val)}, Data: append([]float64(nil), val...)}, nil
	case [][]float64:
		rows := len(val)
		cols := 0
		if rows > 0 {
			cols = len(val[0])
		}
		data := make([]float64, 0, rows*cols)
		for i, r := range val {
			if len(r) != cols {
				return samples.Tensor{}, fmt.Errorf("%w: row %d has %d columns, want %d", ErrUnsupported, i, len(r), cols)
			}
			data = append(data, r...)
		}
		return samples.Tensor{Shape: []int{rows, cols}, Data: data}, nil
	}
	if list, err := toList(v); err == nil && list != nil {
		data := make([]float64, len(list))
		for i, e := range list {
			f, err := toFloat(e)
			if err != nil {
				return samples.Tensor{}, err
			}
			data[i] = f
		}
		return samples.Tensor{Shape: []int{len(data)}, Data: data}, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return samples.Tensor{}, err
	}
	return samples.Tensor{Shape: []int{1}, Data: []float64{f}}, nil
}
