package table

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindTime:
		return "time"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// TimeLayout is the text form used when a time value is rendered as a string.
const TimeLayout = "2006-01-02 15:04:05"

// Value is a single typed cell. The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	tm   time.Time
}

func Null() Value { return Value{} }

func String(s string) Value { return Value{kind: KindString, str: s} }

func Number(f float64) Value {
	return Value{kind: KindNumber, num: f, str: strconv.FormatFloat(f, 'f', -1, 64)}
}

// NumberText keeps the source text of a number so that identifiers such as
// "007" survive a cast back to string.
func NumberText(raw string, f float64) Value {
	return Value{kind: KindNumber, num: f, str: raw}
}

func Time(t time.Time) Value { return Value{kind: KindTime, tm: t} }

// Parse builds a value of the given kind from raw cell text. Empty text is
// null regardless of kind; text that does not fit a number column stays a
// string.
func Parse(raw string, kind Kind) Value {
	if raw == "" {
		return Null()
	}
	if kind == KindNumber {
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return NumberText(raw, f)
		}
	}
	return String(raw)
}

// ValueOf converts a plain Go value into a Value.
func ValueOf(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case string:
		return String(x)
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case int:
		return Number(float64(x))
	case int32:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case uint:
		return Number(float64(x))
	case uint64:
		return Number(float64(x))
	case bool:
		if x {
			return Number(1)
		}
		return Number(0)
	case time.Time:
		return Time(x)
	case *time.Time:
		if x == nil {
			return Null()
		}
		return Time(*x)
	case fmt.Stringer:
		return String(x.String())
	default:
		return String(fmt.Sprint(x))
	}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// Text returns the string form of the value; null is "".
func (v Value) Text() string {
	switch v.kind {
	case KindString, KindNumber:
		return v.str
	case KindTime:
		return v.tm.Format(TimeLayout)
	default:
		return ""
	}
}

func (v Value) String() string {
	if v.kind == KindNull {
		return "null"
	}
	return v.Text()
}

// Float reports the numeric form of the value. String values that parse as a
// number are accepted.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (v Value) Time() (time.Time, bool) {
	if v.kind != KindTime {
		return time.Time{}, false
	}
	return v.tm, true
}

// Interface unwraps the value into a plain Go value (nil, string, float64 or
// time.Time).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindTime:
		return v.tm
	default:
		return nil
	}
}

// AsString casts the value to a string value, keeping null as null.
func (v Value) AsString() Value {
	if v.kind == KindNull {
		return v
	}
	return String(v.Text())
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// Equal reports whether two values have the same kind and content.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindNumber:
		return a.num == b.num
	case KindTime:
		return a.tm.Equal(b.tm)
	default:
		return a.str == b.str
	}
}

// Compare orders two values. ok is false when either side is null or the
// kinds cannot be compared. Numbers compare with strings that parse as
// numbers; otherwise strings compare lexically.
func Compare(a, b Value) (cmp int, ok bool) {
	if a.kind == KindNull || b.kind == KindNull {
		return 0, false
	}
	if a.kind == KindTime || b.kind == KindTime {
		at, aok := a.Time()
		bt, bok := b.Time()
		if !aok || !bok {
			return 0, false
		}
		return at.Compare(bt), true
	}
	if a.kind == KindNumber || b.kind == KindNumber {
		af, aok := a.Float()
		bf, bok := b.Float()
		if aok && bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return strings.Compare(a.Text(), b.Text()), true
}
