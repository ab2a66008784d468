package table

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Source produces the frame a lazy plan starts from.
type Source func(ctx context.Context) (*Frame, error)

type stage func(ctx context.Context, f *Frame) (*Frame, error)

// Lazy is a deferred query plan: a source plus ordered stages. Nothing is
// read until Collect. Every method returns a new plan and leaves the
// receiver untouched.
type Lazy struct {
	source Source
	stages []stage
	schema []string
	err    error
}

// Scan starts a plan over a source whose columns are known up front.
func Scan(schema []string, source Source) *Lazy {
	return &Lazy{source: source, schema: append([]string(nil), schema...)}
}

func FromFrame(f *Frame) *Lazy {
	return Scan(f.Columns(), func(context.Context) (*Frame, error) { return f, nil })
}

func (l *Lazy) Schema() []string {
	return append([]string(nil), l.schema...)
}

func (l *Lazy) HasColumn(name string) bool {
	for _, c := range l.schema {
		if c == name {
			return true
		}
	}
	return false
}

// Err reports the first plan-construction error, if any.
func (l *Lazy) Err() error { return l.err }

func (l *Lazy) then(schema []string, s stage) *Lazy {
	next := &Lazy{
		source: l.source,
		stages: make([]stage, len(l.stages), len(l.stages)+1),
		schema: schema,
		err:    l.err,
	}
	copy(next.stages, l.stages)
	next.stages = append(next.stages, s)
	return next
}

func (l *Lazy) fail(err error) *Lazy {
	next := &Lazy{source: l.source, stages: l.stages[:len(l.stages):len(l.stages)], schema: l.Schema(), err: l.err}
	if next.err == nil {
		next.err = err
	}
	return next
}

func (l *Lazy) Filter(pred func(f *Frame, row int) bool) *Lazy {
	return l.then(l.Schema(), func(_ context.Context, f *Frame) (*Frame, error) {
		return f.Filter(func(i int) bool { return pred(f, i) }), nil
	})
}

func (l *Lazy) Select(names ...string) *Lazy {
	for _, name := range names {
		if !l.HasColumn(name) {
			return l.fail(fmt.Errorf("select: %w: %s", ErrUnknownColumn, name))
		}
	}
	names = append([]string(nil), names...)
	return l.then(names, func(_ context.Context, f *Frame) (*Frame, error) {
		return f.Select(names...)
	})
}

func (l *Lazy) Rename(mapping map[string]string) *Lazy {
	schema := l.Schema()
	for from := range mapping {
		if !l.HasColumn(from) {
			return l.fail(fmt.Errorf("rename: %w: %s", ErrUnknownColumn, from))
		}
	}
	for i, name := range schema {
		if to, ok := mapping[name]; ok {
			schema[i] = to
		}
	}
	return l.then(schema, func(_ context.Context, f *Frame) (*Frame, error) {
		return f.Rename(mapping)
	})
}

// WithColumn adds or replaces a column computed from the whole frame.
func (l *Lazy) WithColumn(name string, fn func(f *Frame) ([]Value, error)) *Lazy {
	schema := l.Schema()
	if !l.HasColumn(name) {
		schema = append(schema, name)
	}
	return l.then(schema, func(_ context.Context, f *Frame) (*Frame, error) {
		values, err := fn(f)
		if err != nil {
			return nil, fmt.Errorf("with column %s: %w", name, err)
		}
		return f.WithColumn(name, values)
	})
}

// Join joins another plan onto this one; see Frame.Join.
func (l *Lazy) Join(right *Lazy, on string, how JoinHow, columns []string) *Lazy {
	if right.err != nil {
		return l.fail(right.err)
	}
	if !l.HasColumn(on) {
		return l.fail(fmt.Errorf("join left side: %w: %s", ErrUnknownColumn, on))
	}
	if !right.HasColumn(on) {
		return l.fail(fmt.Errorf("join right side: %w: %s", ErrUnknownColumn, on))
	}
	if len(columns) == 0 {
		for _, name := range right.schema {
			if name != on {
				columns = append(columns, name)
			}
		}
	}
	schema := l.Schema()
	seen := make(map[string]struct{}, len(schema))
	for _, name := range schema {
		seen[name] = struct{}{}
	}
	for _, name := range columns {
		if !right.HasColumn(name) {
			return l.fail(fmt.Errorf("join right side: %w: %s", ErrUnknownColumn, name))
		}
		if name == on {
			continue
		}
		target := name
		for {
			if _, clash := seen[target]; !clash {
				break
			}
			target += RightSuffix
		}
		seen[target] = struct{}{}
		schema = append(schema, target)
	}
	columns = append([]string(nil), columns...)
	return l.then(schema, func(ctx context.Context, f *Frame) (*Frame, error) {
		rf, err := right.Collect(ctx)
		if err != nil {
			return nil, err
		}
		return f.Join(rf, on, how, columns)
	})
}

// Map applies an arbitrary frame transform whose output columns are schema.
func (l *Lazy) Map(schema []string, fn func(ctx context.Context, f *Frame) (*Frame, error)) *Lazy {
	return l.then(append([]string(nil), schema...), fn)
}

func (l *Lazy) Collect(ctx context.Context) (*Frame, error) {
	if l.err != nil {
		return nil, l.err
	}
	f, err := l.source(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range l.stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f, err = s(ctx, f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// ConcatLazy unions plans row-wise. Each input is first aligned to the union
// schema by adding null columns, then the inputs are collected concurrently
// and stacked in argument order.
func ConcatLazy(plans ...*Lazy) *Lazy {
	var schema []string
	seen := make(map[string]struct{})
	for _, p := range plans {
		if p.err != nil {
			return &Lazy{err: p.err}
		}
		for _, name := range p.schema {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			schema = append(schema, name)
		}
	}
	aligned := make([]*Lazy, len(plans))
	for i, p := range plans {
		aligned[i] = p.alignTo(schema)
	}
	return Scan(schema, func(ctx context.Context) (*Frame, error) {
		frames := make([]*Frame, len(aligned))
		g, gctx := errgroup.WithContext(ctx)
		for i, p := range aligned {
			i, p := i, p
			g.Go(func() error {
				f, err := p.Collect(gctx)
				if err != nil {
					return err
				}
				frames[i] = f
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if len(frames) == 0 {
			return Empty(schema...), nil
		}
		return Concat(frames...), nil
	})
}

func (l *Lazy) alignTo(schema []string) *Lazy {
	out := l
	for _, name := range schema {
		if out.HasColumn(name) {
			continue
		}
		out = out.WithColumn(name, func(f *Frame) ([]Value, error) {
			return Nulls(f.Len()), nil
		})
	}
	return out.Select(schema...)
}
