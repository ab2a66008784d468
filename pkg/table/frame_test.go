package table

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func strs(vals ...string) []Value {
	out := make([]Value, len(vals))
	for i, v := range vals {
		if v == "" {
			continue
		}
		out[i] = String(v)
	}
	return out
}

func texts(col []Value) []string {
	out := make([]string, len(col))
	for i, v := range col {
		out[i] = v.Text()
	}
	return out
}

func mustFrame(t *testing.T, cols ...Column) *Frame {
	t.Helper()
	f, err := NewFrame(cols...)
	require.NoError(t, err)
	return f
}

func TestNewFrameRejectsRaggedColumns(t *testing.T) {
	_, err := NewFrame(Column{Name: "a", Values: strs("1", "2")}, Column{Name: "b", Values: strs("1")})
	require.ErrorIs(t, err, ErrColumnLength)

	_, err = NewFrame(Column{Name: "a", Values: strs("1")}, Column{Name: "a", Values: strs("2")})
	require.ErrorIs(t, err, ErrDuplicateColumn)
}

func TestParseKeepsNumberText(t *testing.T) {
	v := Parse("007", KindNumber)
	require.Equal(t, KindNumber, v.Kind())
	f, ok := v.Float()
	require.True(t, ok)
	require.Equal(t, 7.0, f)
	require.Equal(t, "007", v.AsString().Text())

	require.True(t, Parse("", KindNumber).IsNull())
	require.Equal(t, KindString, Parse("n/a", KindNumber).Kind())
}

func TestCompare(t *testing.T) {
	c, ok := Compare(Number(2), String("10"))
	require.True(t, ok)
	require.Equal(t, -1, c)

	_, ok = Compare(Null(), Number(1))
	require.False(t, ok)

	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c, ok = Compare(Time(t0.Add(time.Hour)), Time(t0))
	require.True(t, ok)
	require.Equal(t, 1, c)

	_, ok = Compare(Time(t0), String("x"))
	require.False(t, ok)
}

func TestConcatFillsMissingColumns(t *testing.T) {
	a := mustFrame(t, Column{Name: "id", Values: strs("1")}, Column{Name: "x", Values: strs("a")})
	b := mustFrame(t, Column{Name: "id", Values: strs("2")}, Column{Name: "y", Values: strs("b")})

	out := Concat(a, b)
	require.Equal(t, []string{"id", "x", "y"}, out.Columns())
	require.Equal(t, 2, out.Len())
	require.True(t, out.Value(1, "x").IsNull())
	require.True(t, out.Value(0, "y").IsNull())
	require.Equal(t, "b", out.Value(1, "y").Text())
}

func TestSortStableNullsFirst(t *testing.T) {
	t0 := time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC)
	f := mustFrame(t,
		Column{Name: "ts", Values: []Value{Time(t0.Add(2 * time.Hour)), Null(), Time(t0), Time(t0), Null()}},
		Column{Name: "tag", Values: strs("c", "n1", "a1", "a2", "n2")},
	)

	sorted, err := f.SortStable("ts", true)
	require.NoError(t, err)
	tags, _ := sorted.Column("tag")
	require.Equal(t, []string{"n1", "n2", "a1", "a2", "c"}, texts(tags))

	sorted, err = f.SortStable("ts", false)
	require.NoError(t, err)
	tags, _ = sorted.Column("tag")
	require.Equal(t, []string{"a1", "a2", "c", "n1", "n2"}, texts(tags))
}

func TestGroupIndicesFirstAppearance(t *testing.T) {
	f := mustFrame(t, Column{Name: "pid", Values: strs("b", "a", "", "b", "c", "a")})
	keys, groups, err := f.GroupIndices("pid")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a", "c"}, keys)
	require.Equal(t, []int{0, 3}, groups["b"])
	require.Equal(t, []int{1, 5}, groups["a"])

	unique, err := f.Unique("pid")
	require.NoError(t, err)
	require.Equal(t, keys, unique)
}

func TestJoinKinds(t *testing.T) {
	left := mustFrame(t,
		Column{Name: "hadm_id", Values: strs("10", "11", "12")},
		Column{Name: "code", Values: strs("A", "B", "C")},
	)
	right := mustFrame(t,
		Column{Name: "hadm_id", Values: strs("10", "13")},
		Column{Name: "subject_id", Values: strs("1", "3")},
		Column{Name: "code", Values: strs("X", "Y")},
		Column{Name: "ignored", Values: strs("z", "z")},
	)

	tests := []struct {
		how  JoinHow
		keys []string
		subj []string
	}{
		{JoinLeft, []string{"10", "11", "12"}, []string{"1", "", ""}},
		{JoinInner, []string{"10"}, []string{"1"}},
		{JoinRight, []string{"10", "13"}, []string{"1", "3"}},
		{JoinOuter, []string{"10", "11", "12", "13"}, []string{"1", "", "", "3"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.how), func(t *testing.T) {
			out, err := left.Join(right, "hadm_id", tt.how, []string{"subject_id", "code"})
			require.NoError(t, err)
			require.Equal(t, []string{"hadm_id", "code", "subject_id", "code_right"}, out.Columns())
			keys, _ := out.Column("hadm_id")
			require.Equal(t, tt.keys, texts(keys))
			subj, _ := out.Column("subject_id")
			require.Equal(t, tt.subj, texts(subj))
		})
	}
}

func TestJoinNullKeysNeverMatch(t *testing.T) {
	left := mustFrame(t, Column{Name: "k", Values: strs("", "1")})
	right := mustFrame(t, Column{Name: "k", Values: strs("", "1")}, Column{Name: "v", Values: strs("null", "one")})

	out, err := left.Join(right, "k", JoinInner, nil)
	require.NoError(t, err)
	require.Equal(t, 1, out.Len())
	require.Equal(t, "one", out.Value(0, "v").Text())
}

func TestParseJoinHow(t *testing.T) {
	how, err := ParseJoinHow("")
	require.NoError(t, err)
	require.Equal(t, JoinLeft, how)

	how, err = ParseJoinHow("OUTER")
	require.NoError(t, err)
	require.Equal(t, JoinOuter, how)

	_, err = ParseJoinHow("cross")
	require.Error(t, err)
}

func TestLazyDefersSource(t *testing.T) {
	calls := 0
	src := Scan([]string{"a", "b"}, func(context.Context) (*Frame, error) {
		calls++
		return NewFrame(Column{Name: "a", Values: strs("1", "2")}, Column{Name: "b", Values: strs("x", "y")})
	})

	plan := src.
		Filter(func(f *Frame, i int) bool { return f.Value(i, "a").Text() == "2" }).
		Rename(map[string]string{"b": "c"}).
		Select("c")
	require.Equal(t, 0, calls)
	require.Equal(t, []string{"c"}, plan.Schema())
	require.Equal(t, []string{"a", "b"}, src.Schema())

	out, err := plan.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, out.Len())
	require.Equal(t, "y", out.Value(0, "c").Text())
}

func TestLazyUnknownColumnFailsOnCollect(t *testing.T) {
	plan := FromFrame(Empty("a")).Select("missing")
	require.ErrorIs(t, plan.Err(), ErrUnknownColumn)
	_, err := plan.Collect(context.Background())
	require.ErrorIs(t, err, ErrUnknownColumn)
}

func TestConcatLazyAlignsSchemas(t *testing.T) {
	a := FromFrame(mustFrame(t, Column{Name: "id", Values: strs("1")}, Column{Name: "x/a", Values: strs("a")}))
	b := FromFrame(mustFrame(t, Column{Name: "id", Values: strs("2", "3")}, Column{Name: "y/b", Values: strs("b", "c")}))

	plan := ConcatLazy(a, b)
	require.Equal(t, []string{"id", "x/a", "y/b"}, plan.Schema())

	out, err := plan.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, out.Len())
	ids, _ := out.Column("id")
	require.Equal(t, []string{"1", "2", "3"}, texts(ids))
	require.True(t, out.Value(0, "y/b").IsNull())
}
