package patient

import (
	"fmt"
	"sort"
	"time"

	"github.com/synaptica-ai/ehrpipe/pkg/table"
)

// Patient holds every event of one patient, sorted by timestamp with
// untimed events first, plus a per-event-type partition of the same rows.
// A Patient is never modified after New.
type Patient struct {
	ID         string
	frame      *table.Frame
	types      []string
	partitions map[string]*table.Frame
}

func New(id string, rows *table.Frame) (*Patient, error) {
	for _, col := range []string{ColEventType, ColTimestamp} {
		if !rows.Has(col) {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}
	sorted, err := rows.SortStable(ColTimestamp, true)
	if err != nil {
		return nil, err
	}
	types, groups, err := sorted.GroupIndices(ColEventType)
	if err != nil {
		return nil, err
	}
	p := &Patient{
		ID:         id,
		frame:      sorted,
		types:      types,
		partitions: make(map[string]*table.Frame, len(types)),
	}
	for _, t := range types {
		p.partitions[t] = sorted.Take(groups[t])
	}
	return p, nil
}

func (p *Patient) Len() int { return p.frame.Len() }

// EventTypes lists the patient's event types in order of first occurrence.
func (p *Patient) EventTypes() []string {
	return append([]string(nil), p.types...)
}

// Frame returns all rows, sorted.
func (p *Patient) Frame() *table.Frame { return p.frame }

// FilterByEventType returns the rows of one type; an unknown type yields an
// empty frame with the patient's columns.
func (p *Patient) FilterByEventType(eventType string) *table.Frame {
	if f, ok := p.partitions[eventType]; ok {
		return f
	}
	return p.frame.Slice(0, 0)
}

// FilterByTimeRange narrows a timestamp-sorted frame (untimed rows first) to
// start <= timestamp <= end using two binary searches. A nil bound is open.
// When any bound is given, untimed rows are dropped.
func FilterByTimeRange(f *table.Frame, start, end *time.Time) *table.Frame {
	if start == nil && end == nil {
		return f
	}
	col, ok := f.Column(ColTimestamp)
	if !ok {
		return f.Slice(0, 0)
	}
	n := len(col)
	timed := sort.Search(n, func(i int) bool { return !col[i].IsNull() })
	at := func(i int) time.Time {
		t, _ := col[timed+i].Time()
		return t
	}

	lo, hi := timed, n
	if start != nil {
		lo = timed + sort.Search(n-timed, func(i int) bool { return !at(i).Before(*start) })
	}
	if end != nil {
		hi = timed + sort.Search(n-timed, func(i int) bool { return at(i).After(*end) })
	}
	if hi < lo {
		hi = lo
	}
	return f.Slice(lo, hi)
}

type Query struct {
	EventType string
	Start     *time.Time
	End       *time.Time
	Filters   []Filter
}

// GetEventsFrame applies event type, time range and attribute filters in
// that order and returns the matching rows.
func (p *Patient) GetEventsFrame(q Query) (*table.Frame, error) {
	if len(q.Filters) > 0 && q.EventType == "" {
		return nil, ErrFilterWithoutEventType
	}

	f := p.frame
	if q.EventType != "" {
		f = p.FilterByEventType(q.EventType)
	}
	f = FilterByTimeRange(f, q.Start, q.End)

	if len(q.Filters) == 0 {
		return f, nil
	}
	cols := make([][]table.Value, len(q.Filters))
	wants := make([]table.Value, len(q.Filters))
	ops := make([]Op, len(q.Filters))
	for i, flt := range q.Filters {
		op, err := ParseOp(string(flt.Op))
		if err != nil {
			return nil, err
		}
		name := AttrColumn(q.EventType, flt.Attr)
		col, ok := f.Column(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, name)
		}
		cols[i] = col
		wants[i] = table.ValueOf(flt.Value)
		ops[i] = op
	}
	return f.Filter(func(row int) bool {
		for i := range ops {
			if !match(ops[i], cols[i][row], wants[i]) {
				return false
			}
		}
		return true
	}), nil
}

func (p *Patient) GetEvents(q Query) ([]Event, error) {
	f, err := p.GetEventsFrame(q)
	if err != nil {
		return nil, err
	}
	return Events(f), nil
}
