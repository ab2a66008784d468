package table

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownColumn   = errors.New("unknown column")
	ErrColumnLength    = errors.New("column length mismatch")
	ErrDuplicateColumn = errors.New("duplicate column")
)

type Column struct {
	Name   string
	Values []Value
}

// Frame is an immutable, column-oriented table. Operations return new frames
// and may share backing arrays with the receiver, so column slices handed out
// by Column must be treated as read-only.
type Frame struct {
	names []string
	cols  map[string][]Value
	n     int
}

func NewFrame(cols ...Column) (*Frame, error) {
	f := &Frame{cols: make(map[string][]Value, len(cols))}
	for i, c := range cols {
		if _, dup := f.cols[c.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateColumn, c.Name)
		}
		if i == 0 {
			f.n = len(c.Values)
		} else if len(c.Values) != f.n {
			return nil, fmt.Errorf("%w: %s has %d rows, want %d", ErrColumnLength, c.Name, len(c.Values), f.n)
		}
		f.names = append(f.names, c.Name)
		f.cols[c.Name] = c.Values
	}
	return f, nil
}

// Empty returns a zero-row frame with the given columns.
func Empty(names ...string) *Frame {
	f := &Frame{cols: make(map[string][]Value, len(names))}
	for _, name := range names {
		if _, dup := f.cols[name]; dup {
			continue
		}
		f.names = append(f.names, name)
		f.cols[name] = nil
	}
	return f
}

func (f *Frame) Len() int { return f.n }

func (f *Frame) Columns() []string {
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

func (f *Frame) Has(name string) bool {
	_, ok := f.cols[name]
	return ok
}

func (f *Frame) Column(name string) ([]Value, bool) {
	c, ok := f.cols[name]
	return c, ok
}

// Value returns the cell at row for column name, or null when the column does
// not exist.
func (f *Frame) Value(row int, name string) Value {
	c, ok := f.cols[name]
	if !ok {
		return Null()
	}
	return c[row]
}

func (f *Frame) Row(i int) map[string]Value {
	row := make(map[string]Value, len(f.names))
	for _, name := range f.names {
		row[name] = f.cols[name][i]
	}
	return row
}

func (f *Frame) Take(indices []int) *Frame {
	out := &Frame{names: f.Columns(), cols: make(map[string][]Value, len(f.names)), n: len(indices)}
	for _, name := range f.names {
		src := f.cols[name]
		dst := make([]Value, len(indices))
		for i, idx := range indices {
			dst[i] = src[idx]
		}
		out.cols[name] = dst
	}
	return out
}

// Slice returns rows [lo, hi) without copying.
func (f *Frame) Slice(lo, hi int) *Frame {
	lo = max(0, min(lo, f.n))
	hi = max(lo, min(hi, f.n))
	out := &Frame{names: f.Columns(), cols: make(map[string][]Value, len(f.names)), n: hi - lo}
	for _, name := range f.names {
		out.cols[name] = f.cols[name][lo:hi:hi]
	}
	return out
}

func (f *Frame) Filter(pred func(row int) bool) *Frame {
	var keep []int
	for i := 0; i < f.n; i++ {
		if pred(i) {
			keep = append(keep, i)
		}
	}
	if len(keep) == f.n {
		return f
	}
	return f.Take(keep)
}

func (f *Frame) Select(names ...string) (*Frame, error) {
	cols := make([]Column, 0, len(names))
	for _, name := range names {
		c, ok := f.cols[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
		}
		cols = append(cols, Column{Name: name, Values: c})
	}
	out, err := NewFrame(cols...)
	if err != nil {
		return nil, err
	}
	out.n = f.n
	return out, nil
}

func (f *Frame) Rename(mapping map[string]string) (*Frame, error) {
	cols := make([]Column, 0, len(f.names))
	for _, name := range f.names {
		target := name
		if to, ok := mapping[name]; ok {
			target = to
		}
		cols = append(cols, Column{Name: target, Values: f.cols[name]})
	}
	for from := range mapping {
		if !f.Has(from) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, from)
		}
	}
	out, err := NewFrame(cols...)
	if err != nil {
		return nil, err
	}
	out.n = f.n
	return out, nil
}

// WithColumn replaces the named column, or appends it when absent.
func (f *Frame) WithColumn(name string, values []Value) (*Frame, error) {
	if len(f.names) > 0 && len(values) != f.n {
		return nil, fmt.Errorf("%w: %s has %d rows, want %d", ErrColumnLength, name, len(values), f.n)
	}
	out := &Frame{names: f.Columns(), cols: make(map[string][]Value, len(f.names)+1), n: len(values)}
	for k, v := range f.cols {
		out.cols[k] = v
	}
	if _, ok := out.cols[name]; !ok {
		out.names = append(out.names, name)
	}
	out.cols[name] = values
	return out, nil
}

// Nulls returns a column of n null values.
func Nulls(n int) []Value {
	return make([]Value, n)
}

// Concat unions frames row-wise. The resulting columns are the union of all
// inputs in first-seen order; a frame lacking a column contributes nulls.
func Concat(frames ...*Frame) *Frame {
	var names []string
	seen := make(map[string]struct{})
	total := 0
	for _, fr := range frames {
		if fr == nil {
			continue
		}
		total += fr.n
		for _, name := range fr.names {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	out := &Frame{names: names, cols: make(map[string][]Value, len(names)), n: total}
	for _, name := range names {
		dst := make([]Value, 0, total)
		for _, fr := range frames {
			if fr == nil {
				continue
			}
			if c, ok := fr.cols[name]; ok {
				dst = append(dst, c...)
			} else {
				dst = append(dst, Nulls(fr.n)...)
			}
		}
		out.cols[name] = dst
	}
	return out
}

// SortStable orders rows by the given column. Null cells go first when
// nullsFirst is set, last otherwise; ties keep their input order.
func (f *Frame) SortStable(name string, nullsFirst bool) (*Frame, error) {
	c, ok := f.cols[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
	}
	idx := make([]int, f.n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		va, vb := c[idx[a]], c[idx[b]]
		if va.IsNull() || vb.IsNull() {
			if va.IsNull() && vb.IsNull() {
				return false
			}
			if nullsFirst {
				return va.IsNull()
			}
			return vb.IsNull()
		}
		cmp, ok := Compare(va, vb)
		return ok && cmp < 0
	})
	return f.Take(idx), nil
}

// GroupIndices groups row positions by the text of a column. keys lists the
// groups in order of first appearance. Null cells form no group.
func (f *Frame) GroupIndices(name string) (keys []string, groups map[string][]int, err error) {
	c, ok := f.cols[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
	}
	groups = make(map[string][]int)
	for i, v := range c {
		if v.IsNull() {
			continue
		}
		key := v.Text()
		if _, seen := groups[key]; !seen {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], i)
	}
	return keys, groups, nil
}

// Unique lists the distinct non-null texts of a column in first-appearance
// order.
func (f *Frame) Unique(name string) ([]string, error) {
	c, ok := f.cols[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, name)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, v := range c {
		if v.IsNull() {
			continue
		}
		key := v.Text()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out, nil
}
