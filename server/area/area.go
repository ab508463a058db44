// Package area confines client supplied paths to the server's shared directory.
package area

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mmx233/Courier/protocol"
)

const (
	MaxPathLength      = 4096
	MaxComponentLength = 255
)

// Kind classifies a resolution failure.
type Kind int

const (
	NotFound Kind = iota + 1
	OutsideArea
	TooLong
	Invalid
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case OutsideArea:
		return "outside area"
	case TooLong:
		return "too long"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// PathError is returned when a requested path cannot be used.
type PathError struct {
	Kind Kind
	Path string
	Err  error
}

func (e *PathError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("path %q: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("path %q: %s", e.Path, e.Kind)
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// WireKind is the error kind reported to the client.
func (e *PathError) WireKind() string {
	switch e.Kind {
	case NotFound:
		return protocol.ErrKindNotFound
	case OutsideArea:
		return protocol.ErrKindOutsideArea
	case TooLong:
		return protocol.ErrKindTooLong
	default:
		return protocol.ErrKindInvalidPath
	}
}

// Area is a directory tree clients may read from and write into.
type Area struct {
	root string
}

// New opens the area rooted at dir, which must exist.
func New(dir string) (*Area, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve area root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve area root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat area root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("area root %s is not a directory", resolved)
	}
	return &Area{root: resolved}, nil
}

// Root returns the absolute, symlink free area root.
func (a *Area) Root() string {
	return a.root
}

// Resolve maps requested to an absolute path. In area scope the path is taken
// relative to the area root, a leading slash included, and may not leave it,
// not even through a symlink. In root scope an absolute server path is used
// as is. With mustExist a missing target is NotFound; otherwise only its
// parent directory has to stay inside the area.
func (a *Area) Resolve(requested string, rootScope, mustExist bool) (string, error) {
	if err := validate(requested); err != nil {
		return "", err
	}

	var target string
	if rootScope {
		if !filepath.IsAbs(requested) {
			return "", &PathError{Kind: Invalid, Path: requested, Err: errors.New("root scope needs an absolute path")}
		}
		target = filepath.Clean(requested)
	} else {
		rel := filepath.Clean("/" + filepath.FromSlash(requested))
		target = filepath.Join(a.root, rel)
		resolved, err := realPath(target)
		if err != nil {
			return "", &PathError{Kind: Invalid, Path: requested, Err: err}
		}
		if !within(a.root, resolved) {
			return "", &PathError{Kind: OutsideArea, Path: requested}
		}
		target = resolved
	}

	if mustExist {
		if _, err := os.Stat(target); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", &PathError{Kind: NotFound, Path: requested}
			}
			return "", &PathError{Kind: Invalid, Path: requested, Err: err}
		}
	}
	return target, nil
}

// Within reports whether path stays inside the area once symlinks are resolved.
func (a *Area) Within(path string) bool {
	resolved, err := realPath(path)
	return err == nil && within(a.root, resolved)
}

func validate(requested string) error {
	if requested == "" || strings.ContainsRune(requested, 0) {
		return &PathError{Kind: Invalid, Path: requested}
	}
	if len(requested) > MaxPathLength {
		return &PathError{Kind: TooLong, Path: requested[:64] + "..."}
	}
	for _, part := range strings.FieldsFunc(requested, func(r rune) bool { return r == '/' || r == filepath.Separator }) {
		if len(part) > MaxComponentLength {
			return &PathError{Kind: TooLong, Path: requested}
		}
	}
	return nil
}

// realPath resolves symlinks in the longest existing prefix of path and
// appends the missing remainder unchanged.
func realPath(path string) (string, error) {
	var missing []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator)) || root == string(filepath.Separator)
}
