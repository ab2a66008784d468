package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/synaptica-ai/ehrpipe/pkg/common/logger"
)

// Resolver turns configured relative table paths into local files.
type Resolver interface {
	Resolve(ctx context.Context, rel string) (string, error)
}

// LocalResolver resolves paths under a directory. It tries the exact path,
// then a case-insensitive match, then the same two steps for the
// .csv <-> .csv.gz (or .tsv <-> .tsv.gz) alternative.
type LocalResolver struct {
	Root string
}

func (r LocalResolver) Resolve(_ context.Context, rel string) (string, error) {
	root, rel := splitRoot(r.Root, rel)
	if p, ok := findFile(root, rel); ok {
		return p, nil
	}
	alt, hasAlt := AlternativePath(rel)
	if hasAlt {
		if p, ok := findFile(root, alt); ok {
			logger.Log.WithFields(map[string]interface{}{
				"configured": rel,
				"resolved":   p,
			}).Debug("Resolved table through extension fallback")
			return p, nil
		}
		return "", fmt.Errorf("%w: tried %s and %s", ErrFileNotFound, filepath.Join(root, rel), filepath.Join(root, alt))
	}
	return "", fmt.Errorf("%w: tried %s", ErrFileNotFound, filepath.Join(root, rel))
}

func splitRoot(root, rel string) (string, string) {
	if filepath.IsAbs(rel) {
		vol := filepath.VolumeName(rel)
		return vol + string(filepath.Separator), strings.TrimPrefix(rel[len(vol):], string(filepath.Separator))
	}
	if root == "" {
		root = "."
	}
	return root, rel
}

// AlternativePath swaps between the plain and gzip-compressed form of a
// delimited file name.
func AlternativePath(rel string) (string, bool) {
	lower := strings.ToLower(rel)
	switch {
	case strings.HasSuffix(lower, ".csv.gz"), strings.HasSuffix(lower, ".tsv.gz"):
		return rel[:len(rel)-len(".gz")], true
	case strings.HasSuffix(lower, ".csv"), strings.HasSuffix(lower, ".tsv"):
		return rel + ".gz", true
	default:
		return "", false
	}
}

func findFile(root, rel string) (string, bool) {
	exact := filepath.Join(root, rel)
	if info, err := os.Stat(exact); err == nil && info.Mode().IsRegular() {
		return exact, true
	}

	matches, err := doublestar.Glob(os.DirFS(root), insensitivePattern(rel),
		doublestar.WithCaseInsensitive(), doublestar.WithFilesOnly())
	if err != nil || len(matches) == 0 {
		return "", false
	}
	if len(matches) > 1 {
		logger.Log.WithFields(map[string]interface{}{
			"configured": rel,
			"candidates": matches,
		}).Warn("Several files match table path ignoring case, using the first")
	}
	return filepath.Join(root, filepath.FromSlash(matches[0])), true
}

// insensitivePattern escapes rel as a glob pattern and turns the first
// letter of every segment into a one-rune class, so every segment goes
// through directory listing and case-insensitive matching.
func insensitivePattern(rel string) string {
	segments := strings.Split(filepath.ToSlash(filepath.Clean(rel)), "/")
	for i, seg := range segments {
		var b strings.Builder
		forced := false
		for _, r := range seg {
			switch {
			case !forced && unicode.IsLetter(r):
				b.WriteByte('[')
				b.WriteRune(r)
				b.WriteByte(']')
				forced = true
			case strings.ContainsRune(`*?[]{}\`, r):
				b.WriteByte('\\')
				b.WriteRune(r)
			default:
				b.WriteRune(r)
			}
		}
		segments[i] = b.String()
	}
	return strings.Join(segments, "/")
}
