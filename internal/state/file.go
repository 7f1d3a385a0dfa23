package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// fileBackend keeps the whole state in a single JSON snapshot. Saves write
// to a temporary file first and rename it over the snapshot, so a crash
// mid-write never leaves a torn file behind.
type fileBackend struct {
	path string
}

func openFile(cfg Config) (backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("state.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileBackend{path: path}, nil
}

func (b *fileBackend) load() (map[string]sourceRecord, error) {
	f, err := os.Open(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]sourceRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var snap map[string]sourceRecord
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return nil, err
	}
	if snap == nil {
		snap = map[string]sourceRecord{}
	}
	return snap, nil
}

func (b *fileBackend) save(snapshot map[string]sourceRecord, _ []string) error {
	tmp := b.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snapshot); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *fileBackend) close() error { return nil }
