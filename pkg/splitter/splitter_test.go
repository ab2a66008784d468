package splitter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/ehrpipe/pkg/processors"
	"github.com/synaptica-ai/ehrpipe/pkg/samples"
)

// 20 patients, two visits each; visit a holds two samples, visit b one.
// Every fourth patient is positive on visit b only.
func buildStore(t *testing.T) *samples.Store {
	t.Helper()
	var raw []samples.Sample
	for p := 0; p < 20; p++ {
		pid := fmt.Sprintf("p%02d", p)
		add := func(visit string, n, label int) {
			for i := 0; i < n; i++ {
				raw = append(raw, samples.Sample{
					samples.FieldPatientID: pid,
					samples.FieldVisitID:   pid + visit,
					"sid":                  fmt.Sprintf("%s%s-%d", pid, visit, i),
					"label":                label,
				})
			}
		}
		add("a", 2, 0)
		pos := 0
		if p%4 == 0 {
			pos = 1
		}
		add("b", 1, pos)
	}
	st, err := samples.NewStore(raw,
		samples.Schema{"sid": processors.Raw},
		samples.Schema{"label": processors.Binary})
	require.NoError(t, err)
	require.Equal(t, 60, st.Len())
	return st
}

func ids(st *samples.Store, field string) map[string]bool {
	out := make(map[string]bool)
	for i := 0; i < st.Len(); i++ {
		out[fmt.Sprint(st.Sample(i)[field])] = true
	}
	return out
}

func requireDisjoint(t *testing.T, field string, parts ...*samples.Store) {
	t.Helper()
	seen := make(map[string]int)
	for k, p := range parts {
		for id := range ids(p, field) {
			prev, dup := seen[id]
			require.False(t, dup, "%s %s in split %d and %d", field, id, prev, k)
			seen[id] = k
		}
	}
}

func TestRatiosMustSumToOne(t *testing.T) {
	st := buildStore(t)
	_, _, _, err := BySample(st, [3]float64{0.5, 0.2, 0.2})
	require.ErrorIs(t, err, ErrInvalidRatios)
	_, _, _, err = ByPatient(st, [3]float64{1.2, -0.1, -0.1})
	require.ErrorIs(t, err, ErrInvalidRatios)
	_, _, _, err = ByVisit(st, [3]float64{0.7, 0.1, 0.2 + 1e-8})
	require.NoError(t, err)
}

func TestBySample(t *testing.T) {
	st := buildStore(t)
	train, val, test, err := BySample(st, [3]float64{0.7, 0.1, 0.2}, WithSeed(1))
	require.NoError(t, err)
	require.Equal(t, 42, train.Len())
	require.Equal(t, 6, val.Len())
	require.Equal(t, 12, test.Len())
	requireDisjoint(t, "sid", train, val, test)
	require.Same(t, st.InputProcessors()["sid"], train.InputProcessors()["sid"])
}

func TestByPatientKeepsPatientsWhole(t *testing.T) {
	st := buildStore(t)
	train, val, test, err := ByPatient(st, [3]float64{0.5, 0.25, 0.25}, WithSeed(3))
	require.NoError(t, err)
	require.Equal(t, 60, train.Len()+val.Len()+test.Len())
	require.Len(t, train.Patients(), 10)
	require.Len(t, val.Patients(), 5)
	require.Len(t, test.Patients(), 5)
	requireDisjoint(t, samples.FieldPatientID, train, val, test)
	for _, part := range []*samples.Store{train, val, test} {
		for _, idx := range part.PatientToIndex() {
			require.Len(t, idx, 3)
		}
	}
}

func TestByVisitKeepsVisitsWhole(t *testing.T) {
	st := buildStore(t)
	train, val, test, err := ByVisit(st, [3]float64{0.6, 0.2, 0.2}, WithSeed(5))
	require.NoError(t, err)
	require.Len(t, train.RecordToIndex(), 24)
	require.Len(t, val.RecordToIndex(), 8)
	require.Len(t, test.RecordToIndex(), 8)
	requireDisjoint(t, samples.FieldVisitID, train, val, test)
	require.Equal(t, 60, train.Len()+val.Len()+test.Len())
}

func TestSeedIsReproducible(t *testing.T) {
	st := buildStore(t)
	a, _, _, err := ByPatient(st, [3]float64{0.6, 0.2, 0.2}, WithSeed(42))
	require.NoError(t, err)
	b, _, _, err := ByPatient(st, [3]float64{0.6, 0.2, 0.2}, WithSeed(42))
	require.NoError(t, err)
	require.Equal(t, a.Patients(), b.Patients())
}

func positivePatients(st *samples.Store) int {
	n := 0
	for _, idx := range st.PatientToIndex() {
		for _, i := range idx {
			if st.Sample(i)["label"].(samples.Tensor).Data[0] == 1 {
				n++
				break
			}
		}
	}
	return n
}

func TestStratifiedByPatientUsesMaxLabel(t *testing.T) {
	st := buildStore(t)
	for seed := int64(0); seed < 10; seed++ {
		train, val, test, err := ByPatient(st, [3]float64{0.6, 0.2, 0.2}, WithSeed(seed), WithStratify("label"))
		require.NoError(t, err)
		requireDisjoint(t, samples.FieldPatientID, train, val, test)
		// 5 positive and 15 negative patients are each cut 60/20/20
		require.Equal(t, 3, positivePatients(train))
		require.Equal(t, 1, positivePatients(val))
		require.Equal(t, 1, positivePatients(test))
		require.Len(t, train.Patients(), 12)
		require.Len(t, val.Patients(), 4)
		require.Len(t, test.Patients(), 4)
	}
}

func TestStratifiedBySample(t *testing.T) {
	st := buildStore(t)
	train, val, test, err := BySample(st, [3]float64{0.8, 0.0, 0.2}, WithSeed(9), WithStratify("label"))
	require.NoError(t, err)
	require.Equal(t, 0, val.Len())
	count := func(s *samples.Store) (pos int) {
		for i := 0; i < s.Len(); i++ {
			if s.Sample(i)["label"].(samples.Tensor).Data[0] == 1 {
				pos++
			}
		}
		return pos
	}
	// 5 positives, 55 negatives
	require.Equal(t, 4, count(train))
	require.Equal(t, 1, count(test))
	require.Equal(t, 48, train.Len())
	require.Equal(t, 12, test.Len())
}

func TestStratifyMissingField(t *testing.T) {
	st := buildStore(t)
	_, _, _, err := BySample(st, [3]float64{0.8, 0.1, 0.1}, WithStratify("nope"))
	require.ErrorIs(t, err, samples.ErrMissingField)
}
