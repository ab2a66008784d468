package dataset

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/ehrpipe/pkg/patient"
	"github.com/synaptica-ai/ehrpipe/pkg/table"
)

func writeCSV(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func gzipBytes(t *testing.T, lines ...string) []byte {
	t.Helper()
	var b strings.Builder
	zw := gzip.NewWriter(&b)
	_, err := zw.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return []byte(b.String())
}

var (
	admissionRows = []string{
		"patient_id,admittime,hadm_id",
		"p1,2020-01-01 10:00:00,100",
		"p1,2020-02-01 10:00:00,101",
		"p2,2020-01-05 08:30:00,200",
	}
	diagnosisRows = []string{
		"hadm_id,icd_code",
		"100,I10",
		"100,E11",
		"101,N18",
		"200,J45",
		"999,Z00",
	}
)

func admissionsDataset(t *testing.T, opts ...Option) (*Dataset, string) {
	t.Helper()
	dir := t.TempDir()
	writeCSV(t, dir, "admissions.csv", admissionRows...)
	writeCSV(t, dir, "diagnoses.csv", diagnosisRows...)
	cfg, err := ParseConfig([]byte(admissionsYAML))
	require.NoError(t, err)
	ds, err := New("toy", cfg, append([]Option{WithRoot(dir)}, opts...)...)
	require.NoError(t, err)
	return ds, dir
}

func column(t *testing.T, f *table.Frame, name string) []string {
	t.Helper()
	col, ok := f.Column(name)
	require.True(t, ok, name)
	out := make([]string, len(col))
	for i, v := range col {
		out[i] = v.Text()
	}
	return out
}

func TestLoadTableCanonicalShape(t *testing.T) {
	ds, _ := admissionsDataset(t)
	ctx := context.Background()

	view, err := ds.LoadTable(ctx, "admissions")
	require.NoError(t, err)
	require.Equal(t, []string{"patient_id", "event_type", "timestamp", "admissions/hadm_id"}, view.Schema())

	f, err := view.Collect(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, f.Len())
	require.Equal(t, []string{"admissions", "admissions", "admissions"}, column(t, f, patient.ColEventType))
	require.Equal(t, []string{"p1", "p1", "p2"}, column(t, f, patient.ColPatientID))
	ts, ok := f.Value(2, patient.ColTimestamp).Time()
	require.True(t, ok)
	require.Equal(t, time.Date(2020, 1, 5, 8, 30, 0, 0, time.UTC), ts)
}

func TestJoinedDiagnoses(t *testing.T) {
	ds, _ := admissionsDataset(t)
	ctx := context.Background()

	view, err := ds.LoadTable(ctx, "diagnoses")
	require.NoError(t, err)
	require.Equal(t, []string{"patient_id", "event_type", "timestamp", "diagnoses/hadm_id", "diagnoses/icd_code"}, view.Schema())

	f, err := view.Collect(ctx)
	require.NoError(t, err)
	// the unmatched admission 999 is dropped by the inner join
	require.Equal(t, []string{"p1", "p1", "p1", "p2"}, column(t, f, patient.ColPatientID))
	require.Equal(t, []string{"I10", "E11", "N18", "J45"}, column(t, f, "diagnoses/icd_code"))
	ts, ok := f.Value(2, patient.ColTimestamp).Time()
	require.True(t, ok)
	require.Equal(t, time.Date(2020, 2, 1, 10, 0, 0, 0, time.UTC), ts)

	// admissions are not flattened by the diagnoses join
	all, err := ds.CollectedEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, all.Len())

	p1, err := ds.GetPatient(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 5, p1.Len())
	events, err := p1.GetEvents(patient.Query{EventType: "diagnoses", Filters: []patient.Filter{{Attr: "hadm_id", Op: patient.OpEq, Value: 100}}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	code, err := events[0].Get("icd_code")
	require.NoError(t, err)
	require.Equal(t, "I10", code.Text())

	_, err = ds.GetPatient(ctx, "p9")
	require.ErrorIs(t, err, ErrUnknownPatient)
}

func TestUndeclaredPatientAndTimestamp(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "notes.csv", "Author,Text", "a,hello", "b,world")
	cfg := Config{Tables: map[string]TableConfig{
		"notes": {FilePath: "notes.csv", Attributes: []string{"AUTHOR"}},
	}}
	ds, err := New("notes", cfg, WithRoot(dir))
	require.NoError(t, err)

	f, err := ds.CollectedEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"0", "1"}, column(t, f, patient.ColPatientID))
	require.True(t, f.Value(0, patient.ColTimestamp).IsNull())
	require.Equal(t, []string{"a", "b"}, column(t, f, "notes/author"))
	require.False(t, f.Has("notes/text"))
}

func TestMissingColumnIsConfigError(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "labs.csv", "subject_id,value", "1,2")
	cfg := Config{Tables: map[string]TableConfig{
		"labs": {FilePath: "labs.csv", PatientID: "subject_id", Attributes: []string{"valuenum"}},
	}}
	ds, err := New("labs", cfg, WithRoot(dir))
	require.NoError(t, err)
	_, err = ds.LoadTable(context.Background(), "labs")
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Contains(t, err.Error(), "valuenum")
}

func TestResolveFallsBackToGzip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "labs.csv.gz"),
		gzipBytes(t, "subject_id,charttime,value", "7,2021-01-01,5.5", "8,2021-01-02,6"), 0o644))
	cfg := Config{Tables: map[string]TableConfig{
		"labs": {FilePath: "LABS.csv", PatientID: "subject_id", Timestamp: Columns{"charttime"}, Attributes: []string{"value"}},
	}}
	ds, err := New("labs", cfg, WithRoot(dir))
	require.NoError(t, err)

	f, err := ds.CollectedEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, f.Len())
	require.Equal(t, table.KindString, f.Value(0, patient.ColPatientID).Kind())

	used, ok := ds.ResolvedPath("labs")
	require.True(t, ok)
	require.Equal(t, filepath.Join(dir, "labs.csv.gz"), used)
}

func TestMissingFileNamesBothPaths(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Tables: map[string]TableConfig{"x": {FilePath: "x.csv"}}}
	ds, err := New("x", cfg, WithRoot(dir))
	require.NoError(t, err)
	_, err = ds.LoadTable(context.Background(), "x")
	require.ErrorIs(t, err, ErrFileNotFound)
	require.Contains(t, err.Error(), filepath.Join(dir, "x.csv"))
	require.Contains(t, err.Error(), filepath.Join(dir, "x.csv.gz"))
}

func TestDevModeLimitsPatients(t *testing.T) {
	dir := t.TempDir()
	rows := []string{"pid,t,v"}
	for round := 0; round < 2; round++ {
		for p := 5; p >= 1; p-- {
			rows = append(rows, fmt.Sprintf("p%d,2020-01-0%d,%d", p, round+1, p))
		}
	}
	writeCSV(t, dir, "vitals.csv", rows...)
	cfg := Config{Tables: map[string]TableConfig{
		"vitals": {FilePath: "vitals.csv", PatientID: "pid", Timestamp: Columns{"t"}, Attributes: []string{"v"}},
	}}
	ds, err := New("vitals", cfg, WithRoot(dir), WithDevMode(3))
	require.NoError(t, err)

	ids, err := ds.UniquePatientIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"p5", "p4", "p3"}, ids)

	f, err := ds.CollectedEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 6, f.Len())
	for _, pid := range column(t, f, patient.ColPatientID) {
		require.Contains(t, ids, pid)
	}
}

func TestDevModeFiltersTablesBeforeUnion(t *testing.T) {
	var calls atomic.Int32
	source := func(eventType string, ids ...string) *table.Lazy {
		schema := []string{patient.ColPatientID, patient.ColEventType}
		return table.Scan(schema, func(context.Context) (*table.Frame, error) {
			calls.Add(1)
			pids := make([]table.Value, len(ids))
			types := make([]table.Value, len(ids))
			for i, id := range ids {
				pids[i] = table.String(id)
				types[i] = table.String(eventType)
			}
			return table.NewFrame(
				table.Column{Name: patient.ColPatientID, Values: pids},
				table.Column{Name: patient.ColEventType, Values: types},
			)
		})
	}
	views := limitPatients([]*table.Lazy{
		source("labs", "p1", "p2", "p1"),
		source("vitals", "p3", "p2", "p4"),
		source("notes", "p9"),
	}, 3)
	require.EqualValues(t, 0, calls.Load())

	ctx := context.Background()
	labs, err := views[0].Collect(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "p2", "p1"}, column(t, labs, patient.ColPatientID))

	vitals, err := views[1].Collect(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"p3", "p2"}, column(t, vitals, patient.ColPatientID))

	// the third table is never read to choose ids once the limit is reached
	before := calls.Load()
	notes, err := views[2].Collect(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, notes.Len())
	require.Equal(t, before+1, calls.Load())

	all, err := table.ConcatLazy(views...).Collect(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "p2", "p1", "p3", "p2"}, column(t, all, patient.ColPatientID))
}

func TestMaterializationIsMemoized(t *testing.T) {
	ds, _ := admissionsDataset(t)
	ctx := context.Background()

	first, err := ds.CollectedEvents(ctx)
	require.NoError(t, err)
	second, err := ds.CollectedEvents(ctx)
	require.NoError(t, err)
	require.Same(t, first, second)

	ds.Invalidate()
	third, err := ds.CollectedEvents(ctx)
	require.NoError(t, err)
	require.NotSame(t, first, third)
	require.Equal(t, first.Len(), third.Len())

	stats, err := ds.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Patients)
	require.Equal(t, 7, stats.Events)
	require.Equal(t, map[string]int{"admissions": 3, "diagnoses": 4}, stats.Tables)
}

func TestWithTablesSubset(t *testing.T) {
	ds, _ := admissionsDataset(t, WithTables("admissions"))
	f, err := ds.CollectedEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, f.Len())

	cfg, err := ParseConfig([]byte(admissionsYAML))
	require.NoError(t, err)
	_, err = New("toy", cfg, WithTables("labs"))
	require.ErrorIs(t, err, ErrUnknownTable)
}

func TestIterPatients(t *testing.T) {
	ds, _ := admissionsDataset(t)
	var seen []string
	err := ds.IterPatients(context.Background(), func(p *patient.Patient) error {
		seen = append(seen, p.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "p2"}, seen)
}

func TestRemoteRootWithClientCredentials(t *testing.T) {
	var tokens, downloads, misses atomic.Int32
	files := map[string][]byte{
		"/data/admissions.csv.gz": gzipBytes(t, admissionRows...),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokens.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"bearer","expires_in":3600}`)
	})
	mux.HandleFunc("/data/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		body, ok := files[r.URL.Path]
		if !ok {
			misses.Add(1)
			http.NotFound(w, r)
			return
		}
		downloads.Add(1)
		w.Write(body)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := Config{Tables: map[string]TableConfig{
		"admissions": {FilePath: "admissions.csv", PatientID: "patient_id", Timestamp: Columns{"admittime"}, Attributes: []string{"hadm_id"}},
	}}
	downloadDir := t.TempDir()
	newDataset := func() *Dataset {
		f, err := NewFetcher(srv.URL+"/data", downloadDir,
			WithHTTPClient(srv.Client()),
			WithClientCredentials(srv.URL+"/token", "client", "secret", []string{"read"}))
		require.NoError(t, err)
		ds, err := New("remote", cfg, WithRoot(srv.URL+"/data"), WithFetcher(f))
		require.NoError(t, err)
		return ds
	}

	f, err := newDataset().CollectedEvents(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, f.Len())
	require.EqualValues(t, 1, tokens.Load())
	require.EqualValues(t, 1, misses.Load())
	require.EqualValues(t, 1, downloads.Load())
	require.FileExists(t, filepath.Join(downloadDir, "admissions.csv.gz"))

	// a second dataset reuses the local copy
	_, err = newDataset().CollectedEvents(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, downloads.Load())
}

func TestRemoteMissingFile(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	f, err := NewFetcher(srv.URL, t.TempDir(), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	_, err = f.Resolve(context.Background(), "x.tsv")
	require.ErrorIs(t, err, ErrFileNotFound)
	require.Contains(t, err.Error(), srv.URL+"/x.tsv and "+srv.URL+"/x.tsv.gz")

	_, err = NewFetcher("ftp://example.com", t.TempDir())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRemoteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "a,b")
	}))
	defer srv.Close()

	f, err := NewFetcher(srv.URL, t.TempDir(), WithHTTPClient(srv.Client()), WithRetries(3, time.Millisecond))
	require.NoError(t, err)
	p, err := f.Resolve(context.Background(), "x.csv")
	require.NoError(t, err)
	require.FileExists(t, p)
	require.EqualValues(t, 3, calls.Load())

	calls.Store(0)
	f, err = NewFetcher(srv.URL, t.TempDir(), WithHTTPClient(srv.Client()), WithRetries(2, time.Millisecond))
	require.NoError(t, err)
	_, err = f.Resolve(context.Background(), "y.csv")
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}
