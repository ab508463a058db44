package transfer

import (
	"errors"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// LocalFile is one file offered by the sending side.
type LocalFile struct {
	Rel  string // slash separated, relative to the destination directory
	Abs  string
	Size uint64
}

// ListFiles enumerates root for sending. A file is offered under its base
// name; a directory is walked and every regular file is offered under the
// directory's own name. Unfinished .part files and anything that is not a
// regular file are left out.
func ListFiles(root string) ([]LocalFile, uint64, error) {
	root = filepath.Clean(root)
	base := filepath.Dir(root)

	var files []LocalFile
	var total uint64
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasSuffix(d.Name(), PartSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		files = append(files, LocalFile{
			Rel:  filepath.ToSlash(rel),
			Abs:  p,
			Size: uint64(info.Size()),
		})
		total += uint64(info.Size())
		return nil
	})
	if err != nil {
		return nil, 0, ioError("list "+root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Rel < files[j].Rel })
	return files, total, nil
}

// ErrUnsafePath rejects a relative path that would land outside its base.
var ErrUnsafePath = errors.New("unsafe relative path")

// SafeJoin places the peer supplied relative path rel under base.
func SafeJoin(base, rel string) (string, error) {
	if rel == "" || strings.ContainsAny(rel, "\x00\\") || path.IsAbs(rel) || filepath.IsAbs(rel) {
		return "", ErrUnsafePath
	}
	for _, part := range strings.Split(rel, "/") {
		if part == "" || part == "." || part == ".." {
			return "", ErrUnsafePath
		}
	}
	return filepath.Join(base, filepath.FromSlash(rel)), nil
}
