package patient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/synaptica-ai/ehrpipe/pkg/table"
)

// Canonical event columns.
const (
	ColPatientID = "patient_id"
	ColEventType = "event_type"
	ColTimestamp = "timestamp"
)

var (
	ErrUnknownAttribute       = errors.New("unknown attribute")
	ErrFilterWithoutEventType = errors.New("attribute filters require an event type")
	ErrMissingColumn          = errors.New("event frame is missing a canonical column")
)

// AttrColumn is the frame column holding attribute attr of eventType.
func AttrColumn(eventType, attr string) string {
	return eventType + "/" + attr
}

type Event struct {
	PatientID string
	EventType string
	// Timestamp is nil for events recorded without a time.
	Timestamp *time.Time
	Attr      map[string]table.Value
}

// Get returns an attribute by its un-prefixed name.
func (e Event) Get(key string) (table.Value, error) {
	v, ok := e.Attr[key]
	if !ok {
		return table.Null(), fmt.Errorf("%w: %s has no attribute %q", ErrUnknownAttribute, e.EventType, key)
	}
	return v, nil
}

// eventAt builds the event in row i of f. Only the columns of the row's own
// event type become attributes.
func eventAt(f *table.Frame, i int) Event {
	e := Event{
		PatientID: f.Value(i, ColPatientID).Text(),
		EventType: f.Value(i, ColEventType).Text(),
		Attr:      make(map[string]table.Value),
	}
	if t, ok := f.Value(i, ColTimestamp).Time(); ok {
		e.Timestamp = &t
	}
	prefix := e.EventType + "/"
	for _, col := range f.Columns() {
		if attr, ok := strings.CutPrefix(col, prefix); ok {
			e.Attr[attr] = f.Value(i, col)
		}
	}
	return e
}

// Events converts every row of a canonical frame into an Event.
func Events(f *table.Frame) []Event {
	out := make([]Event, f.Len())
	for i := range out {
		out[i] = eventAt(f, i)
	}
	return out
}
