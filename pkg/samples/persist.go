package samples

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/synaptica-ai/ehrpipe/pkg/common/fsutil"
	"github.com/synaptica-ai/ehrpipe/pkg/common/logger"
	"github.com/synaptica-ai/ehrpipe/pkg/observability/metrics"
)

const (
	ManifestName = "store.gob.zst"
	TensorDir    = "tensors"
)

var ErrNoStore = errors.New("no sample store")

type manifest struct {
	ID               string
	Dataset          string
	Task             string
	Input            Schema
	Output           Schema
	InputProcessors  map[string]Processor
	OutputProcessors map[string]Processor
	Samples          []Sample
	// Empty lists, per sample and field, the paths of empty non-nil slices
	// and maps that gob would otherwise decode as nil.
	Empty map[int]map[string][][]string
}

type spilled struct {
	Value interface{}
}

func ManifestPath(dir string) string { return filepath.Join(dir, ManifestName) }

// Exists reports whether dir holds a completed store.
func Exists(dir string) bool { return fsutil.NonEmpty(ManifestPath(dir)) }

func isTensorLike(v interface{}) bool {
	switch x := v.(type) {
	case Tensor:
		return len(x.Data) > 0
	case []int:
		return len(x) > 0
	case []float64:
		return len(x) > 0
	case [][]float64:
		return len(x) > 0
	}
	return false
}

func tensorFile(i int, field string) string {
	safe := strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(field)
	return filepath.Join(TensorDir, fmt.Sprintf("%d_%s.gob", i, safe))
}

// Save writes tensor-like values to their own files and then the manifest.
// Any previous manifest is removed first so an interrupted save never leaves
// a store that looks complete.
func (st *Store) Save(dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, TensorDir), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	if err := os.Remove(ManifestPath(dir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale manifest: %w", err)
	}

	out := make([]Sample, len(st.samples))
	empty := make(map[int]map[string][][]string)
	spills := 0
	for i, s := range st.samples {
		m := make(Sample, len(s))
		for field, v := range s {
			if paths := emptyPaths(v); len(paths) > 0 {
				if empty[i] == nil {
					empty[i] = make(map[string][][]string)
				}
				empty[i][field] = paths
			}
			if !isTensorLike(v) {
				m[field] = v
				continue
			}
			rel := tensorFile(i, field)
			err := fsutil.WriteAtomic(filepath.Join(dir, rel), 0o644, func(w io.Writer) error {
				return gob.NewEncoder(w).Encode(spilled{Value: v})
			})
			if err != nil {
				return fmt.Errorf("write tensor for sample %d field %s: %w", i, field, err)
			}
			m[field] = Placeholder{IsTensorPlaceholder: true, Path: rel}
			spills++
		}
		out[i] = m
	}

	man := manifest{
		ID:               st.ID,
		Dataset:          st.Dataset,
		Task:             st.Task,
		Input:            st.input,
		Output:           st.output,
		InputProcessors:  st.inputProcessors,
		OutputProcessors: st.outputProcessors,
		Samples:          out,
		Empty:            empty,
	}
	err := fsutil.WriteAtomic(ManifestPath(dir), 0o644, func(w io.Writer) error {
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		if err := gob.NewEncoder(enc).Encode(man); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	})
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	st.SavePath = dir

	logger.Log.WithFields(map[string]interface{}{
		"store":   st.ID,
		"path":    dir,
		"samples": len(out),
		"tensors": spills,
	}).Info("Saved sample store")
	return nil
}

// Load reads a store written by Save, resolving tensor placeholders.
func Load(dir string) (*Store, error) {
	f, err := os.Open(ManifestPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w in %s", ErrNoStore, dir)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer dec.Close()

	var man manifest
	if err := gob.NewDecoder(dec).Decode(&man); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	for i, s := range man.Samples {
		if s == nil {
			man.Samples[i] = Sample{}
			continue
		}
		for field, v := range s {
			if ph, ok := v.(Placeholder); ok && ph.IsTensorPlaceholder {
				val, err := readTensor(filepath.Join(dir, ph.Path))
				if err != nil {
					return nil, fmt.Errorf("sample %d field %s: %w", i, field, err)
				}
				v = val
			}
			if paths := man.Empty[i][field]; len(paths) > 0 {
				v = restoreEmpty(v, paths)
			}
			s[field] = v
		}
	}

	st := &Store{
		ID:               man.ID,
		Dataset:          man.Dataset,
		Task:             man.Task,
		SavePath:         dir,
		samples:          man.Samples,
		input:            nonNilSchema(man.Input),
		output:           nonNilSchema(man.Output),
		inputProcessors:  nonNilProcs(man.InputProcessors),
		outputProcessors: nonNilProcs(man.OutputProcessors),
	}
	st.buildIndices()
	metrics.StoreReloaded()

	logger.Log.WithFields(map[string]interface{}{
		"store":   st.ID,
		"path":    dir,
		"samples": len(st.samples),
	}).Info("Loaded sample store")
	return st, nil
}

func readTensor(path string) (interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var sp spilled
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&sp); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return sp.Value, nil
}

func nonNilSchema(s Schema) Schema {
	if s == nil {
		return Schema{}
	}
	return s
}

func nonNilProcs(p map[string]Processor) map[string]Processor {
	if p == nil {
		return map[string]Processor{}
	}
	return p
}

// emptyPaths lists where v holds empty but non-nil slices or maps. A path is
// a sequence of slice indices, map keys and struct field names.
func emptyPaths(v interface{}) [][]string {
	var out [][]string
	collectEmpty(reflect.ValueOf(v), nil, &out)
	return out
}

func collectEmpty(v reflect.Value, path []string, out *[][]string) {
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if !v.IsNil() {
			collectEmpty(v.Elem(), path, out)
		}
	case reflect.Slice:
		if v.IsNil() {
			return
		}
		if v.Len() == 0 {
			*out = append(*out, append([]string(nil), path...))
			return
		}
		for i := 0; i < v.Len(); i++ {
			collectEmpty(v.Index(i), append(path, strconv.Itoa(i)), out)
		}
	case reflect.Map:
		if v.IsNil() || v.Type().Key().Kind() != reflect.String {
			return
		}
		if v.Len() == 0 {
			*out = append(*out, append([]string(nil), path...))
			return
		}
		iter := v.MapRange()
		for iter.Next() {
			collectEmpty(iter.Value(), append(path, iter.Key().String()), out)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() {
				collectEmpty(v.Field(i), append(path, t.Field(i).Name), out)
			}
		}
	}
}

// restoreEmpty turns the nil slices and maps found at paths back into empty
// ones.
func restoreEmpty(v interface{}, paths [][]string) interface{} {
	if v == nil {
		return v
	}
	rv := reflect.ValueOf(v)
	c := reflect.New(rv.Type()).Elem()
	c.Set(rv)
	for _, p := range paths {
		c = restoreAt(c, p)
	}
	return c.Interface()
}

// restoreAt returns v with the value at path made empty. v must be settable.
func restoreAt(v reflect.Value, path []string) reflect.Value {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		inner := reflect.New(v.Elem().Type()).Elem()
		inner.Set(v.Elem())
		v.Set(restoreAt(inner, path))
		return v
	case reflect.Pointer:
		if !v.IsNil() {
			restoreAt(v.Elem(), path)
		}
		return v
	}
	if len(path) == 0 {
		switch {
		case v.Kind() == reflect.Slice && v.IsNil():
			v.Set(reflect.MakeSlice(v.Type(), 0, 0))
		case v.Kind() == reflect.Map && v.IsNil():
			v.Set(reflect.MakeMap(v.Type()))
		}
		return v
	}
	switch v.Kind() {
	case reflect.Slice:
		i, err := strconv.Atoi(path[0])
		if err != nil || i < 0 || i >= v.Len() {
			return v
		}
		restoreAt(v.Index(i), path[1:])
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		key := reflect.ValueOf(path[0]).Convert(v.Type().Key())
		elem := v.MapIndex(key)
		if !elem.IsValid() {
			return v
		}
		c := reflect.New(elem.Type()).Elem()
		c.Set(elem)
		v.SetMapIndex(key, restoreAt(c, path[1:]))
	case reflect.Struct:
		if f := v.FieldByName(path[0]); f.IsValid() && f.CanSet() {
			restoreAt(f, path[1:])
		}
	}
	return v
}
