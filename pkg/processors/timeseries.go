package processors

import (
	"fmt"
	"math"
	"sort"

	"github.com/synaptica-ai/ehrpipe/pkg/samples"
)

// TimeseriesProcessor orders a TimeSeries by time and imputes NaN cells,
// first by carrying the last observation forward and then with the feature
// mean seen during Fit. The result is a time-by-feature matrix.
type TimeseriesProcessor struct {
	Features int
	Means    []float64
}

func (p *TimeseriesProcessor) Fit(list []samples.Sample, field string) error {
	var sums []float64
	var counts []int
	p.Features = -1
	for i, s := range list {
		ts, ok := s[field].(samples.TimeSeries)
		if !ok {
			return fmt.Errorf("sample %d: %w: %T is not a TimeSeries", i, ErrUnsupported, s[field])
		}
		if len(ts.Values) != len(ts.Timestamps) {
			return fmt.Errorf("sample %d: %d timestamps for %d rows", i, len(ts.Timestamps), len(ts.Values))
		}
		for _, row := range ts.Values {
			if p.Features < 0 {
				p.Features = len(row)
				sums = make([]float64, p.Features)
				counts = make([]int, p.Features)
			}
			if len(row) != p.Features {
				return fmt.Errorf("sample %d: row width %d, want %d", i, len(row), p.Features)
			}
			for j, x := range row {
				if !math.IsNaN(x) {
					sums[j] += x
					counts[j]++
				}
			}
		}
	}
	if p.Features < 0 {
		p.Features = 0
	}
	p.Means = make([]float64, p.Features)
	for j := range p.Means {
		if counts[j] > 0 {
			p.Means[j] = sums[j] / float64(counts[j])
		}
	}
	return nil
}

func (p *TimeseriesProcessor) Process(v interface{}) (interface{}, error) {
	if p.Means == nil {
		return nil, ErrNotFitted
	}
	ts, ok := v.(samples.TimeSeries)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a TimeSeries", ErrUnsupported, v)
	}
	if len(ts.Values) != len(ts.Timestamps) {
		return nil, fmt.Errorf("%w: %d timestamps for %d rows", ErrUnsupported, len(ts.Timestamps), len(ts.Values))
	}
	order := make([]int, len(ts.Values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return ts.Timestamps[order[a]].Before(ts.Timestamps[order[b]])
	})

	out := make([][]float64, len(order))
	last := make([]float64, p.Features)
	seen := make([]bool, p.Features)
	for i, idx := range order {
		row := ts.Values[idx]
		if len(row) != p.Features {
			return nil, fmt.Errorf("%w: row width %d, want %d", ErrUnsupported, len(row), p.Features)
		}
		filled := make([]float64, p.Features)
		for j, x := range row {
			switch {
			case !math.IsNaN(x):
				filled[j] = x
				last[j], seen[j] = x, true
			case seen[j]:
				filled[j] = last[j]
			default:
				filled[j] = p.Means[j]
			}
		}
		out[i] = filled
	}
	return out, nil
}

func (p *TimeseriesProcessor) Size() (int, bool) { return p.Features, p.Means != nil }
