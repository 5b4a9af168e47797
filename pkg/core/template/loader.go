package template

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Loader fetches a published template by code.
type Loader interface {
	LoadTemplate(ctx context.Context, code string) (*Template, error)
}

// FilePattern matches every template file under a root directory.
const FilePattern = "**/*.{yaml,yml,hjson,json}"

// FileLoader serves templates from a directory tree. The tree is indexed on
// first use; when several files share a code the highest version wins.
type FileLoader struct {
	root string

	mu      sync.Mutex
	indexed bool
	byCode  map[string]*Template
	errs    []error
}

// NewFileLoader returns a loader rooted at dir.
func NewFileLoader(dir string) *FileLoader {
	return &FileLoader{root: dir}
}

// LoadTemplate implements Loader.
func (l *FileLoader) LoadTemplate(ctx context.Context, code string) (*Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.index(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.byCode[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s (searched %s)", ErrNotFound, code, l.root)
	}
	return t, nil
}

// Codes lists the template codes found under the root.
func (l *FileLoader) Codes() ([]string, error) {
	if err := l.index(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	codes := make([]string, 0, len(l.byCode))
	for code := range l.byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}

// Problems returns the files that failed to decode during indexing.
func (l *FileLoader) Problems() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

// Reload forgets the index so the next lookup rescans the tree.
func (l *FileLoader) Reload() {
	l.mu.Lock()
	l.indexed = false
	l.byCode = nil
	l.errs = nil
	l.mu.Unlock()
}

func (l *FileLoader) index() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexed {
		return nil
	}
	matches, err := doublestar.Glob(os.DirFS(l.root), FilePattern)
	if err != nil {
		return fmt.Errorf("failed to scan templates in %s: %w", l.root, err)
	}
	sort.Strings(matches)

	l.byCode = make(map[string]*Template)
	for _, rel := range matches {
		t, err := LoadFile(filepath.Join(l.root, filepath.FromSlash(rel)))
		if err != nil {
			l.errs = append(l.errs, err)
			continue
		}
		if cur, ok := l.byCode[t.Code()]; ok && CompareVersions(cur.Version(), t.Version()) >= 0 {
			continue
		}
		l.byCode[t.Code()] = t
	}
	l.indexed = true
	return nil
}

// CompareVersions orders dotted version strings numerically where possible
// ("1.10" > "1.9") and lexically otherwise. It returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	pa := strings.Split(strings.TrimPrefix(a, "v"), ".")
	pb := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var sa, sb string
		if i < len(pa) {
			sa = pa[i]
		}
		if i < len(pb) {
			sb = pb[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if sa == "" {
			na, errA = 0, nil
		}
		if sb == "" {
			nb, errB = 0, nil
		}
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if c := strings.Compare(sa, sb); c != 0 {
			return c
		}
	}
	return 0
}
