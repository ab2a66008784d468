package patient

import (
	"fmt"
	"strings"

	"github.com/synaptica-ai/ehrpipe/pkg/table"
)

type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

func ParseOp(s string) (Op, error) {
	switch op := Op(strings.TrimSpace(s)); op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return op, nil
	case "=":
		return OpEq, nil
	default:
		return "", fmt.Errorf("unsupported filter operator %q", s)
	}
}

// Filter compares one attribute of the queried event type against a
// constant. Value may be a string, a number, a time.Time or a table.Value.
type Filter struct {
	Attr  string
	Op    Op
	Value interface{}
}

func (f Filter) String() string {
	return fmt.Sprintf("%s %s %v", f.Attr, f.Op, f.Value)
}

// match reports whether v op want holds. Null cells and values that cannot
// be compared never match.
func match(op Op, v, want table.Value) bool {
	cmp, ok := table.Compare(v, want)
	if !ok {
		return false
	}
	switch op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	default:
		return false
	}
}
