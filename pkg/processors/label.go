package processors

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/synaptica-ai/ehrpipe/pkg/samples"
)

// sortLabels orders numerically when every label is a number.
func sortLabels(labels []string) {
	nums := make(map[string]float64, len(labels))
	for _, l := range labels {
		f, err := strconv.ParseFloat(l, 64)
		if err != nil {
			sort.Strings(labels)
			return
		}
		nums[l] = f
	}
	sort.Slice(labels, func(i, j int) bool { return nums[labels[i]] < nums[labels[j]] })
}

func collectLabels(list []samples.Sample, field string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	for i, s := range list {
		key, err := labelKey(s[field])
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		seen[key] = struct{}{}
	}
	return seen, nil
}

// BinaryLabelProcessor maps a two-valued label to a one-element tensor
// holding 0 or 1. Labels 0/1 and false/true keep their meaning; any other
// pair is ordered and the second becomes positive.
type BinaryLabelProcessor struct {
	Labels []string
}

func (p *BinaryLabelProcessor) Fit(list []samples.Sample, field string) error {
	seen, err := collectLabels(list, field)
	if err != nil {
		return err
	}
	if len(seen) > 2 {
		return fmt.Errorf("binary field %s has %d distinct labels", field, len(seen))
	}
	onlyBits := true
	for k := range seen {
		if k != "0" && k != "1" {
			onlyBits = false
		}
	}
	if onlyBits {
		p.Labels = []string{"0", "1"}
		return nil
	}
	p.Labels = sortedVocab(seen)
	return nil
}

func (p *BinaryLabelProcessor) Process(v interface{}) (interface{}, error) {
	if p.Labels == nil {
		return nil, ErrNotFitted
	}
	key, err := labelKey(v)
	if err != nil {
		return nil, err
	}
	for i, l := range p.Labels {
		if l == key {
			return samples.Tensor{Shape: []int{1}, Data: []float64{float64(i)}}, nil
		}
	}
	return nil, fmt.Errorf("%w: label %q not seen during fit", ErrUnsupported, key)
}

func (p *BinaryLabelProcessor) Size() (int, bool) { return 1, true }

// MulticlassLabelProcessor maps each label to its index in the sorted label
// vocabulary.
type MulticlassLabelProcessor struct {
	Vocab map[string]int
}

func (p *MulticlassLabelProcessor) Fit(list []samples.Sample, field string) error {
	seen, err := collectLabels(list, field)
	if err != nil {
		return err
	}
	p.Vocab = make(map[string]int, len(seen))
	for i, l := range sortedVocab(seen) {
		p.Vocab[l] = i
	}
	return nil
}

func (p *MulticlassLabelProcessor) Process(v interface{}) (interface{}, error) {
	if p.Vocab == nil {
		return nil, ErrNotFitted
	}
	key, err := labelKey(v)
	if err != nil {
		return nil, err
	}
	idx, ok := p.Vocab[key]
	if !ok {
		return nil, fmt.Errorf("%w: label %q not seen during fit", ErrUnsupported, key)
	}
	return idx, nil
}

func (p *MulticlassLabelProcessor) Size() (int, bool) { return len(p.Vocab), p.Vocab != nil }

// MultilabelProcessor encodes a list of labels as a multi-hot tensor.
type MultilabelProcessor struct {
	Vocab map[string]int
}

func (p *MultilabelProcessor) Fit(list []samples.Sample, field string) error {
	seen := make(map[string]struct{})
	for i, s := range list {
		items, err := toList(s[field])
		if err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
		for _, it := range items {
			key, err := labelKey(it)
			if err != nil {
				return fmt.Errorf("sample %d: %w", i, err)
			}
			seen[key] = struct{}{}
		}
	}
	p.Vocab = make(map[string]int, len(seen))
	for i, l := range sortedVocab(seen) {
		p.Vocab[l] = i
	}
	return nil
}

func (p *MultilabelProcessor) Process(v interface{}) (interface{}, error) {
	if p.Vocab == nil {
		return nil, ErrNotFitted
	}
	items, err := toList(v)
	if err != nil {
		return nil, err
	}
	hot := make([]float64, len(p.Vocab))
	for _, it := range items {
		key, err := labelKey(it)
		if err != nil {
			return nil, err
		}
		idx, ok := p.Vocab[key]
		if !ok {
			return nil, fmt.Errorf("%w: label %q not seen during fit", ErrUnsupported, key)
		}
		hot[idx] = 1
	}
	return samples.Tensor{Shape: []int{len(hot)}, Data: hot}, nil
}

func (p *MultilabelProcessor) Size() (int, bool) { return len(p.Vocab), p.Vocab != nil }

// RegressionLabelProcessor wraps a numeric target in a one-element tensor.
type RegressionLabelProcessor struct {
	Fitted bool
}

func (p *RegressionLabelProcessor) Fit(list []samples.Sample, field string) error {
	for i, s := range list {
		if _, err := toFloat(s[field]); err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
	}
	p.Fitted = true
	return nil
}

func (p *RegressionLabelProcessor) Process(v interface{}) (interface{}, error) {
	f, err := toFloat(v)
	if err != nil {
		return nil, err
	}
	return samples.Tensor{Shape: []int{1}, Data: []float64{f}}, nil
}

func (p *RegressionLabelProcessor) Size() (int, bool) { return 1, true }
