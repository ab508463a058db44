package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type jsonFile struct {
	Version   int      `json:"version"`
	Transfers []Record `json:"transfers"`
}

const jsonVersion = 1

// JSON stores records in a single file that is replaced atomically on every
// save, so a crash leaves either the old or the new list.
type JSON struct {
	path string
}

func NewJSON(path string) *JSON {
	return &JSON{path: path}
}

// Load returns no records when the file does not exist yet.
func (j *JSON) Load() ([]Record, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", j.path, err)
	}
	var f jsonFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", j.path, err)
	}
	if f.Version > jsonVersion {
		return nil, fmt.Errorf("%s has format version %d, newer than %d", j.path, f.Version, jsonVersion)
	}
	return f.Transfers, nil
}

func (j *JSON) Save(records []Record) error {
	data, err := json.MarshalIndent(jsonFile{Version: jsonVersion, Transfers: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transfers: %w", err)
	}

	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(j.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), j.path); err != nil {
		return fmt.Errorf("replace %s: %w", j.path, err)
	}
	return nil
}

func (j *JSON) Close() error { return nil }
