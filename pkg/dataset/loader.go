package dataset

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/synaptica-ai/ehrpipe/pkg/cache"
	"github.com/synaptica-ai/ehrpipe/pkg/common/logger"
	"github.com/synaptica-ai/ehrpipe/pkg/patient"
	"github.com/synaptica-ai/ehrpipe/pkg/table"
)

// LoadTable builds the lazy canonical event view of one configured table:
// patient_id, event_type, timestamp and one "<table>/<attribute>" column per
// declared attribute. Source files are resolved and cached now; rows are
// read on Collect.
func (d *Dataset) LoadTable(ctx context.Context, name string) (*table.Lazy, error) {
	tc, err := d.cfg.Table(name)
	if err != nil {
		return nil, err
	}
	hows := make([]table.JoinHow, len(tc.Join))
	for i, j := range tc.Join {
		if j.FilePath == "" || j.On == "" {
			return nil, configErrorf("%w: table %s join %d: file_path and on are required", ErrInvalidConfig, name, i)
		}
		if hows[i], err = table.ParseJoinHow(j.How); err != nil {
			return nil, configErrorf("%w: table %s join %d: %v", ErrInvalidConfig, name, i, err)
		}
	}

	path, err := d.resolve(ctx, name, tc.FilePath)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", name, err)
	}
	lazy, err := d.scan(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", name, err)
	}

	for i, j := range tc.Join {
		joinPath, err := d.resolve(ctx, "", j.FilePath)
		if err != nil {
			return nil, fmt.Errorf("table %s join %d: %w", name, i, err)
		}
		right, err := d.scan(ctx, joinPath)
		if err != nil {
			return nil, fmt.Errorf("table %s join %d: %w", name, i, err)
		}
		lazy = lazy.Join(right, strings.ToLower(j.On), hows[i], lowerAll(j.Columns))
		if err := lazy.Err(); err != nil {
			return nil, configErrorf("%w: table %s join %d (%s): %v", ErrInvalidConfig, name, i, j.FilePath, err)
		}
	}

	out, err := project(name, tc, lazy)
	if err != nil {
		return nil, err
	}
	logger.Log.WithFields(map[string]interface{}{
		"dataset": d.name,
		"table":   name,
		"path":    path,
		"joins":   len(tc.Join),
	}).Debug("Prepared table view")
	return out, nil
}

func (d *Dataset) resolve(ctx context.Context, tableName, rel string) (string, error) {
	path, err := d.resolver.Resolve(ctx, rel)
	if err != nil {
		return "", err
	}
	if tableName != "" {
		d.resolvedMu.Lock()
		d.resolved[tableName] = path
		d.resolvedMu.Unlock()
	}
	return path, nil
}

// ResolvedPath returns the file actually used for a table, once the table
// has been loaded.
func (d *Dataset) ResolvedPath(tableName string) (string, bool) {
	d.resolvedMu.Lock()
	defer d.resolvedMu.Unlock()
	p, ok := d.resolved[tableName]
	return p, ok
}

func (d *Dataset) scan(ctx context.Context, path string) (*table.Lazy, error) {
	cachePath, err := d.converter.Ensure(ctx, path)
	if err != nil {
		return nil, err
	}
	lazy, err := cache.Scan(cachePath)
	if err != nil {
		return nil, err
	}
	return lowerColumns(lazy), nil
}

// lowerColumns renames source columns to lower case so configs can refer to
// them regardless of how the dump spells its header.
func lowerColumns(lazy *table.Lazy) *table.Lazy {
	schema := lazy.Schema()
	taken := make(map[string]struct{}, len(schema))
	for _, name := range schema {
		taken[name] = struct{}{}
	}
	mapping := make(map[string]string)
	for _, name := range schema {
		lower := strings.ToLower(name)
		if lower == name {
			continue
		}
		if _, clash := taken[lower]; clash {
			continue
		}
		taken[lower] = struct{}{}
		mapping[name] = lower
	}
	if len(mapping) == 0 {
		return lazy
	}
	return lazy.Rename(mapping)
}

func lowerAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.ToLower(n)
	}
	return out
}

func project(name string, tc TableConfig, lazy *table.Lazy) (*table.Lazy, error) {
	missing := func(kind, col string) error {
		return configErrorf("%w: table %s: %s column %q not found in %v", ErrInvalidConfig, name, kind, col, lazy.Schema())
	}

	pidCol := strings.ToLower(tc.PatientID)
	if pidCol != "" && !lazy.HasColumn(pidCol) {
		return nil, missing("patient_id", tc.PatientID)
	}
	tsCols := lowerAll(tc.Timestamp)
	for _, c := range tsCols {
		if !lazy.HasColumn(c) {
			return nil, missing("timestamp", c)
		}
	}
	var attrs []string
	seen := make(map[string]struct{})
	for _, a := range lowerAll(tc.Attributes) {
		if _, dup := seen[a]; dup {
			continue
		}
		if !lazy.HasColumn(a) {
			return nil, missing("attribute", a)
		}
		seen[a] = struct{}{}
		attrs = append(attrs, a)
	}

	schema := []string{patient.ColPatientID, patient.ColEventType, patient.ColTimestamp}
	for _, a := range attrs {
		schema = append(schema, patient.AttrColumn(name, a))
	}
	ts := newTimestampParser(tc.TimestampFormat)

	return lazy.Map(schema, func(_ context.Context, f *table.Frame) (*table.Frame, error) {
		n := f.Len()
		pids := make([]table.Value, n)
		if pidCol != "" {
			src, _ := f.Column(pidCol)
			for i, v := range src {
				pids[i] = v.AsString()
			}
		} else {
			for i := range pids {
				pids[i] = table.String(strconv.Itoa(i))
			}
		}
		types := make([]table.Value, n)
		for i := range types {
			types[i] = table.String(name)
		}

		cols := []table.Column{
			{Name: patient.ColPatientID, Values: pids},
			{Name: patient.ColEventType, Values: types},
			{Name: patient.ColTimestamp, Values: ts.column(f, tsCols)},
		}
		for i, a := range attrs {
			src, _ := f.Column(a)
			cols = append(cols, table.Column{Name: schema[3+i], Values: src})
		}
		return table.NewFrame(cols...)
	}), nil
}
