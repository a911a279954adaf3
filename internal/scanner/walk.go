package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
)

// maxFileSize bounds what the scanner will read; anything larger is left to
// the external malware engine.
const maxFileSize = 8 * 1024 * 1024

// walkedFile is one candidate the walker hands to the analysis pipeline.
type walkedFile struct {
	Path string
	Hash string
}

// walker enumerates files under the configured roots, applying exclusion
// globs to both directory descent and final selection so excluded trees are
// never opened at all.
type walker struct {
	roots      []string
	exclude    []string
	extensions map[string]struct{}
	guard      *memGuard
}

func newWalker(roots, excludeGlobs, extensions []string, guard *memGuard) *walker {
	exts := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[strings.ToLower(e)] = struct{}{}
	}
	return &walker{roots: roots, exclude: excludeGlobs, extensions: exts, guard: guard}
}

// walk calls fn for every selected file. Unreadable entries are skipped; a
// cancelled context aborts the walk.
func (w *walker) walk(ctx context.Context, fn func(walkedFile) error) error {
	for _, root := range w.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}

			if d.IsDir() {
				if path != root && w.excludedDir(path) {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if w.excluded(path) || !w.watched(path) {
				return nil
			}
			if info, err := d.Info(); err != nil || info.Size() > maxFileSize {
				return nil
			}

			if err := w.guard.step(ctx); err != nil {
				return err
			}

			hash, err := hashFile(path)
			if err != nil {
				return nil
			}
			return fn(walkedFile{Path: path, Hash: hash})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) excluded(path string) bool {
	for _, glob := range w.exclude {
		if wildcard.Match(glob, path) {
			return true
		}
	}
	return false
}

// excludedDir decides descent pruning. Globs are written against file paths
// (`*/node_modules/*`), which never match the bare directory, so the
// directory is also tested with a trailing separator.
func (w *walker) excludedDir(path string) bool {
	if w.excluded(path) {
		return true
	}
	return w.excluded(path + string(filepath.Separator))
}

func (w *walker) watched(path string) bool {
	if len(w.extensions) == 0 {
		return true
	}
	_, ok := w.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
