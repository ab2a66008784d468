// Package splitter partitions a sample store into train, validation and test
// stores by sample, patient or visit.
package splitter

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/synaptica-ai/ehrpipe/pkg/common/logger"
	"github.com/synaptica-ai/ehrpipe/pkg/samples"
)

var ErrInvalidRatios = errors.New("invalid split ratios")

const ratioTolerance = 1e-6

type options struct {
	seed     int64
	seeded   bool
	stratify string
}

type Option func(*options)

// WithSeed makes the split reproducible.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
		o.seeded = true
	}
}

// WithStratify keeps the distribution of field roughly equal across splits.
// For patient and visit splits the unit's value is the maximum over its
// samples.
func WithStratify(field string) Option {
	return func(o *options) { o.stratify = field }
}

// BySample splits individual samples.
func BySample(st *samples.Store, ratios [3]float64, opts ...Option) (train, val, test *samples.Store, err error) {
	units := make([][]int, st.Len())
	for i := range units {
		units[i] = []int{i}
	}
	return split(st, "sample", units, ratios, opts)
}

// ByPatient keeps all samples of a patient in one split.
func ByPatient(st *samples.Store, ratios [3]float64, opts ...Option) (train, val, test *samples.Store, err error) {
	index := st.PatientToIndex()
	patients := st.Patients()
	units := make([][]int, len(patients))
	for i, pid := range patients {
		units[i] = index[pid]
	}
	return split(st, "patient", units, ratios, opts)
}

// ByVisit keeps all samples of a record (or visit) in one split.
func ByVisit(st *samples.Store, ratios [3]float64, opts ...Option) (train, val, test *samples.Store, err error) {
	index := st.RecordToIndex()
	units := make([][]int, 0, len(index))
	for _, idx := range index {
		units = append(units, idx)
	}
	sort.Slice(units, func(a, b int) bool { return units[a][0] < units[b][0] })
	return split(st, "visit", units, ratios, opts)
}

func validateRatios(r [3]float64) error {
	sum := 0.0
	for _, x := range r {
		if x < 0 || math.IsNaN(x) {
			return fmt.Errorf("%w: %v has a negative entry", ErrInvalidRatios, r)
		}
		sum += x
	}
	if math.Abs(sum-1) > ratioTolerance {
		return fmt.Errorf("%w: %v sums to %g, want 1", ErrInvalidRatios, r, sum)
	}
	return nil
}

func split(st *samples.Store, by string, units [][]int, ratios [3]float64, opts []Option) (*samples.Store, *samples.Store, *samples.Store, error) {
	if err := validateRatios(ratios); err != nil {
		return nil, nil, nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.seeded {
		o.seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(o.seed))

	var parts [3][]int
	if o.stratify == "" {
		order := rng.Perm(len(units))
		parts = cut(order, ratios)
	} else {
		strata, err := stratify(st, units, o.stratify)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, members := range strata {
			rng.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
			sp := cut(members, ratios)
			for k := range parts {
				parts[k] = append(parts[k], sp[k]...)
			}
		}
		for k := range parts {
			p := parts[k]
			rng.Shuffle(len(p), func(i, j int) { p[i], p[j] = p[j], p[i] })
		}
	}

	var stores [3]*samples.Store
	for k, p := range parts {
		var idx []int
		for _, u := range p {
			idx = append(idx, units[u]...)
		}
		stores[k] = st.Subset(idx)
	}

	logger.Log.WithFields(map[string]interface{}{
		"by":       by,
		"units":    len(units),
		"stratify": o.stratify,
		"train":    stores[0].Len(),
		"val":      stores[1].Len(),
		"test":     stores[2].Len(),
	}).Info("Split sample store")
	return stores[0], stores[1], stores[2], nil
}

// cut splits order at floor(n*r0) and floor(n*(r0+r1)); the rest is test.
func cut(order []int, r [3]float64) [3][]int {
	n := len(order)
	a := int(math.Floor(float64(n)*r[0] + 1e-9))
	b := int(math.Floor(float64(n)*(r[0]+r[1]) + 1e-9))
	if b > n {
		b = n
	}
	if a > b {
		a = b
	}
	return [3][]int{
		append([]int(nil), order[:a]...),
		append([]int(nil), order[a:b]...),
		append([]int(nil), order[b:]...),
	}
}

type stratValue struct {
	num   float64
	text  string
	isNum bool
}

func (v stratValue) key() string {
	if v.isNum {
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	}
	return v.text
}

func (v stratValue) less(w stratValue) bool {
	if v.isNum && w.isNum {
		return v.num < w.num
	}
	return v.key() < w.key()
}

func toStratValue(v interface{}) stratValue {
	switch x := v.(type) {
	case samples.Tensor:
		if len(x.Data) == 1 {
			return stratValue{num: x.Data[0], isNum: true}
		}
	case []float64:
		if len(x) == 1 {
			return stratValue{num: x[0], isNum: true}
		}
	case float64:
		return stratValue{num: x, isNum: true}
	case int:
		return stratValue{num: float64(x), isNum: true}
	case int64:
		return stratValue{num: float64(x), isNum: true}
	case bool:
		if x {
			return stratValue{num: 1, isNum: true}
		}
		return stratValue{num: 0, isNum: true}
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return stratValue{num: f, isNum: true}
		}
		return stratValue{text: x}
	}
	return stratValue{text: fmt.Sprint(v)}
}

// stratify groups unit positions by their maximum stratify value. Strata are
// returned in sorted key order so a seed fully determines the split.
func stratify(st *samples.Store, units [][]int, field string) ([][]int, error) {
	groups := make(map[string][]int)
	values := make(map[string]stratValue)
	for u, idx := range units {
		var best stratValue
		for j, i := range idx {
			raw, ok := st.Sample(i)[field]
			if !ok {
				return nil, fmt.Errorf("%w: sample %d has no field %q", samples.ErrMissingField, i, field)
			}
			v := toStratValue(raw)
			if j == 0 || best.less(v) {
				best = v
			}
		}
		k := best.key()
		groups[k] = append(groups[k], u)
		values[k] = best
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool { return values[keys[a]].less(values[keys[b]]) })
	out := make([][]int, len(keys))
	for i, k := range keys {
		out[i] = groups[k]
	}
	return out, nil
}
