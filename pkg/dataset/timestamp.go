package dataset

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/synaptica-ai/ehrpipe/pkg/table"
)

var strftime = map[byte]string{
	'Y': "2006", 'y': "06", 'm': "01", 'd': "02", 'e': "_2",
	'H': "15", 'I': "03", 'M': "04", 'S': "05", 'p': "PM",
	'b': "Jan", 'B': "January", 'a': "Mon", 'A': "Monday",
	'f': "000000", 'z': "-0700", 'Z': "MST", 'j': "002", '%': "%",
}

// GoLayout accepts either a Go reference layout or a strftime pattern such
// as "%Y-%m-%d %H:%M:%S" and returns the Go layout.
func GoLayout(format string) string {
	if !strings.Contains(format, "%") {
		return format
	}
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		if format[i] == '%' && i+1 < len(format) {
			if repl, ok := strftime[format[i+1]]; ok {
				b.WriteString(repl)
				i++
				continue
			}
		}
		b.WriteByte(format[i])
	}
	return b.String()
}

type timestampParser struct {
	layout string
}

func newTimestampParser(format string) timestampParser {
	return timestampParser{layout: GoLayout(format)}
}

// parse returns null for empty or unparseable input.
func (p timestampParser) parse(raw string) table.Value {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return table.Null()
	}
	var (
		t   time.Time
		err error
	)
	if p.layout != "" {
		t, err = time.ParseInLocation(p.layout, raw, time.UTC)
	} else {
		t, err = dateparse.ParseIn(raw, time.UTC)
	}
	if err != nil {
		return table.Null()
	}
	return table.Time(t)
}

// column builds the timestamp column from one or more source columns.
// Several columns are joined with a single space; a null in any of them
// makes the row null.
func (p timestampParser) column(f *table.Frame, names []string) []table.Value {
	out := make([]table.Value, f.Len())
	if len(names) == 0 {
		return out
	}
	cols := make([][]table.Value, len(names))
	for i, name := range names {
		cols[i], _ = f.Column(name)
	}
	parts := make([]string, len(names))
	for row := range out {
		null := false
		for i, col := range cols {
			v := col[row]
			if v.IsNull() {
				null = true
				break
			}
			parts[i] = v.Text()
		}
		if null {
			continue
		}
		out[row] = p.parse(strings.Join(parts, " "))
	}
	return out
}
