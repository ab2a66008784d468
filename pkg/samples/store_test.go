package samples

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type identityProc struct {
	Fitted bool
}

func (p *identityProc) Fit([]Sample, string) error { p.Fitted = true; return nil }

func (p *identityProc) Process(v interface{}) (interface{}, error) { return v, nil }

func (p *identityProc) Size() (int, bool) { return 0, false }

// vectorProc encodes a list of numbers as a []float64 scaled by the max seen.
type vectorProc struct {
	Max float64
}

func (p *vectorProc) Fit(samples []Sample, field string) error {
	for _, s := range samples {
		for _, x := range s[field].([]int) {
			if float64(x) > p.Max {
				p.Max = float64(x)
			}
		}
	}
	return nil
}

func (p *vectorProc) Process(v interface{}) (interface{}, error) {
	xs, ok := v.([]int)
	if !ok {
		return nil, fmt.Errorf("want []int, got %T", v)
	}
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = float64(x) / p.Max
	}
	return out, nil
}

func (p *vectorProc) Size() (int, bool) { return 0, false }

func init() {
	gob.Register(&identityProc{})
	gob.Register(&vectorProc{})
}

func testRegistry() Registry {
	return Registry{
		"raw":    func() Processor { return &identityProc{} },
		"vector": func() Processor { return &vectorProc{} },
	}
}

func rawSamples() []Sample {
	ts := time.Date(2021, 3, 1, 8, 0, 0, 0, time.UTC)
	return []Sample{
		{"patient_id": "p1", "visit_id": "v1", "codes": []int{1, 2, 4}, "label": 1, "at": ts},
		{"patient_id": "p2", "visit_id": "v2", "codes": []int{4}, "label": 0, "at": ts},
		{"patient_id": "p1", "visit_id": "v3", "codes": []int{2, 2}, "label": 0, "at": ts},
	}
}

var (
	inSchema  = Schema{"codes": "vector", "at": "raw"}
	outSchema = Schema{"label": "raw"}
)

func TestNewStoreEncodesCopies(t *testing.T) {
	raw := rawSamples()
	st, err := NewStore(raw, inSchema, outSchema, WithRegistry(testRegistry()))
	require.NoError(t, err)
	require.Equal(t, 3, st.Len())

	require.Equal(t, []float64{0.25, 0.5, 1}, st.Sample(0)["codes"])
	require.Equal(t, []int{1, 2, 4}, raw[0]["codes"], "caller samples must not change")

	procs := st.InputProcessors()
	require.Len(t, procs, 2)
	require.Equal(t, 4.0, procs["codes"].(*vectorProc).Max)
	require.True(t, st.OutputProcessors()["label"].(*identityProc).Fitted)
}

func TestNewStoreMissingField(t *testing.T) {
	raw := rawSamples()
	delete(raw[2], "label")
	_, err := NewStore(raw, inSchema, outSchema, WithRegistry(testRegistry()))
	require.ErrorIs(t, err, ErrMissingField)
	require.Contains(t, err.Error(), "sample 2")
	require.Contains(t, err.Error(), `"label"`)
}

func TestNewStoreUnknownProcessor(t *testing.T) {
	_, err := NewStore(rawSamples(), Schema{"codes": "nope"}, outSchema, WithRegistry(testRegistry()))
	require.ErrorIs(t, err, ErrUnknownProcessor)
}

func TestIndices(t *testing.T) {
	st, err := NewStore(rawSamples(), inSchema, outSchema, WithRegistry(testRegistry()))
	require.NoError(t, err)

	require.Equal(t, []string{"p1", "p2"}, st.Patients())
	require.Equal(t, map[string][]int{"p1": {0, 2}, "p2": {1}}, st.PatientToIndex())
	require.Equal(t, map[string][]int{"v1": {0}, "v2": {1}, "v3": {2}}, st.RecordToIndex())
}

func TestRecordIDWinsOverVisitID(t *testing.T) {
	raw := rawSamples()
	raw[0]["record_id"] = "r9"
	st, err := NewStore(raw, inSchema, outSchema, WithRegistry(testRegistry()))
	require.NoError(t, err)
	idx := st.RecordToIndex()
	require.Equal(t, []int{0}, idx["r9"])
	require.NotContains(t, idx, "v1")
}

func TestSubsetSharesProcessors(t *testing.T) {
	st, err := NewStore(rawSamples(), inSchema, outSchema, WithRegistry(testRegistry()))
	require.NoError(t, err)

	sub := st.Subset([]int{2, 1})
	require.Equal(t, 2, sub.Len())
	require.Equal(t, st.Sample(2), sub.Sample(0))
	require.Same(t, st.InputProcessors()["codes"], sub.InputProcessors()["codes"])
	require.Equal(t, []string{"p1", "p2"}, sub.Patients())
	require.Equal(t, map[string][]int{"p1": {0}, "p2": {1}}, sub.PatientToIndex())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(rawSamples(), inSchema, outSchema,
		WithRegistry(testRegistry()), WithSavePath(dir), WithOrigin("mimic3", "mortality"))
	require.NoError(t, err)
	require.True(t, Exists(dir))
	require.Equal(t, dir, st.SavePath)

	spilled, err := filepath.Glob(filepath.Join(dir, TensorDir, "*.gob"))
	require.NoError(t, err)
	require.Len(t, spilled, 3)

	got, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, st.ID, got.ID)
	require.Equal(t, "mimic3", got.Dataset)
	require.Equal(t, "mortality", got.Task)
	require.Equal(t, st.Samples(), got.Samples())
	require.Equal(t, st.InputSchema(), got.InputSchema())
	require.Equal(t, st.OutputSchema(), got.OutputSchema())
	require.Equal(t, 4.0, got.InputProcessors()["codes"].(*vectorProc).Max)
	require.Equal(t, st.PatientToIndex(), got.PatientToIndex())
}

func TestLoadWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	require.False(t, Exists(dir))
	_, err := Load(dir)
	require.ErrorIs(t, err, ErrNoStore)
}

func TestLoadMissingTensorFile(t *testing.T) {
	dir := t.TempDir()
	_, err := NewStore(rawSamples(), inSchema, outSchema, WithRegistry(testRegistry()), WithSavePath(dir))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, tensorFile(1, "codes"))))

	_, err = Load(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "sample 1 field codes")
}

func TestSaveLoadKeepsEmptyValues(t *testing.T) {
	raw := rawSamples()
	raw[1]["codes"] = []int{}
	for _, s := range raw {
		s["extra"] = map[string]interface{}{"tags": []string{}, "n": 1.0}
		s["grid"] = [][]float64{{}, {1, 2}}
		s["tensor"] = Tensor{Shape: []int{0}, Data: []float64{}}
	}
	schema := Schema{"codes": "vector", "at": "raw", "extra": "raw", "grid": "raw", "tensor": "raw"}

	dir := t.TempDir()
	st, err := NewStore(raw, schema, outSchema, WithRegistry(testRegistry()), WithSavePath(dir))
	require.NoError(t, err)
	require.Equal(t, []float64{}, st.Sample(1)["codes"])

	got, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, st.Samples(), got.Samples())
	require.NotNil(t, got.Sample(1)["codes"])
	require.NotNil(t, got.Sample(0)["grid"].([][]float64)[0])
	require.NotNil(t, got.Sample(2)["tensor"].(Tensor).Data)
	require.NotNil(t, got.Sample(0)["extra"].(map[string]interface{})["tags"])
}

func TestEmptyPaths(t *testing.T) {
	v := map[string]interface{}{
		"a": []int{},
		"b": []int(nil),
		"c": Tensor{Shape: []int{1}, Data: []float64{}},
	}
	paths := emptyPaths(v)
	require.ElementsMatch(t, [][]string{{"a"}, {"c", "Data"}}, paths)

	restored := restoreEmpty(map[string]interface{}{
		"a": []int(nil),
		"b": []int(nil),
		"c": Tensor{Shape: []int{1}},
	}, paths)
	require.Equal(t, v, restored)
}
