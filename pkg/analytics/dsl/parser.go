package dsl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/synaptica-ai/ehrpipe/pkg/patient"
)

// Query is a parsed event query of the form
//
//	<event_type> [where <attr> <op> <value> [and ...]] [limit N]
type Query struct {
	EventType string
	Filters   []patient.Filter
	Limit     int
}

var (
	queryRegex  = regexp.MustCompile(`(?i)^\s*([a-z0-9_./-]+)(?:\s+where\s+(.+?))?(?:\s+limit\s+(\d+))?\s*$`)
	andRegex    = regexp.MustCompile(`(?i)\s+and\s+`)
	filterRegex = regexp.MustCompile(`^\s*([a-zA-Z0-9_./-]+)\s*(==|!=|>=|<=|=|>|<)\s*(.+?)\s*$`)
)

func Parse(input string) (Query, error) {
	m := queryRegex.FindStringSubmatch(input)
	if m == nil {
		return Query{}, fmt.Errorf("query must start with an event type: %q", input)
	}
	q := Query{EventType: strings.ToLower(m[1])}
	if m[2] != "" {
		for _, part := range andRegex.Split(m[2], -1) {
			f, err := ParseFilter(part)
			if err != nil {
				return Query{}, err
			}
			q.Filters = append(q.Filters, f)
		}
	}
	if m[3] != "" {
		q.Limit, _ = strconv.Atoi(m[3])
	}
	return q, nil
}

// ParseFilter parses one comparison such as `value > 10` or `code == 'I10'`.
// Quoted values stay strings, bare numbers become float64.
func ParseFilter(expr string) (patient.Filter, error) {
	m := filterRegex.FindStringSubmatch(expr)
	if m == nil {
		return patient.Filter{}, fmt.Errorf("invalid filter %q", strings.TrimSpace(expr))
	}
	op, err := patient.ParseOp(m[2])
	if err != nil {
		return patient.Filter{}, err
	}
	return patient.Filter{
		Attr:  strings.ToLower(m[1]),
		Op:    op,
		Value: literal(m[3]),
	}, nil
}

func literal(raw string) interface{} {
	if len(raw) >= 2 {
		if q := raw[0]; (q == '\'' || q == '"') && raw[len(raw)-1] == q {
			return raw[1 : len(raw)-1]
		}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}
