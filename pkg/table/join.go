package table

import (
	"fmt"
	"strings"
)

type JoinHow string

const (
	JoinLeft  JoinHow = "left"
	JoinRight JoinHow = "right"
	JoinInner JoinHow = "inner"
	JoinOuter JoinHow = "outer"
)

// ParseJoinHow maps a configured join kind to a JoinHow. Empty means left.
func ParseJoinHow(s string) (JoinHow, error) {
	switch JoinHow(strings.ToLower(strings.TrimSpace(s))) {
	case "", JoinLeft:
		return JoinLeft, nil
	case JoinRight:
		return JoinRight, nil
	case JoinInner:
		return JoinInner, nil
	case JoinOuter, "full":
		return JoinOuter, nil
	default:
		return "", fmt.Errorf("unsupported join kind %q", s)
	}
}

// RightSuffix is appended to right-side columns whose name already exists on
// the left.
const RightSuffix = "_right"

// Join hash-joins right onto f by the text of column on. Only on and the
// listed columns are taken from right; an empty list takes every right
// column. Null keys never match. For right and outer joins the key column is
// coalesced from both sides.
func (f *Frame) Join(right *Frame, on string, how JoinHow, columns []string) (*Frame, error) {
	leftKey, ok := f.cols[on]
	if !ok {
		return nil, fmt.Errorf("join left side: %w: %s", ErrUnknownColumn, on)
	}
	rightKey, ok := right.cols[on]
	if !ok {
		return nil, fmt.Errorf("join right side: %w: %s", ErrUnknownColumn, on)
	}
	if len(columns) == 0 {
		for _, name := range right.names {
			if name != on {
				columns = append(columns, name)
			}
		}
	}
	for _, name := range columns {
		if !right.Has(name) {
			return nil, fmt.Errorf("join right side: %w: %s", ErrUnknownColumn, name)
		}
	}

	index := make(map[string][]int, right.n)
	for i, v := range rightKey {
		if v.IsNull() {
			continue
		}
		k := v.Text()
		index[k] = append(index[k], i)
	}

	// -1 marks a missing side.
	var li, ri []int
	switch how {
	case JoinLeft, JoinInner, JoinOuter:
		matched := make([]bool, right.n)
		for i, v := range leftKey {
			var hits []int
			if !v.IsNull() {
				hits = index[v.Text()]
			}
			if len(hits) == 0 {
				if how != JoinInner {
					li = append(li, i)
					ri = append(ri, -1)
				}
				continue
			}
			for _, j := range hits {
				li = append(li, i)
				ri = append(ri, j)
				matched[j] = true
			}
		}
		if how == JoinOuter {
			for j := 0; j < right.n; j++ {
				if !matched[j] {
					li = append(li, -1)
					ri = append(ri, j)
				}
			}
		}
	case JoinRight:
		leftIndex := make(map[string][]int, f.n)
		for i, v := range leftKey {
			if v.IsNull() {
				continue
			}
			k := v.Text()
			leftIndex[k] = append(leftIndex[k], i)
		}
		for j, v := range rightKey {
			var hits []int
			if !v.IsNull() {
				hits = leftIndex[v.Text()]
			}
			if len(hits) == 0 {
				li = append(li, -1)
				ri = append(ri, j)
				continue
			}
			for _, i := range hits {
				li = append(li, i)
				ri = append(ri, j)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported join kind %q", how)
	}

	out := &Frame{cols: make(map[string][]Value, len(f.names)+len(columns)), n: len(li)}
	for _, name := range f.names {
		src := f.cols[name]
		dst := make([]Value, len(li))
		for k, i := range li {
			switch {
			case i >= 0:
				dst[k] = src[i]
			case name == on:
				dst[k] = rightKey[ri[k]]
			}
		}
		out.names = append(out.names, name)
		out.cols[name] = dst
	}
	for _, name := range columns {
		if name == on {
			continue
		}
		src := right.cols[name]
		dst := make([]Value, len(ri))
		for k, j := range ri {
			if j >= 0 {
				dst[k] = src[j]
			}
		}
		target := name
		for out.Has(target) {
			target += RightSuffix
		}
		out.names = append(out.names, target)
		out.cols[target] = dst
	}
	return out, nil
}
