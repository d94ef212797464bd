package persist

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jasona/mudforge/internal/perm"
)

const (
	playersDir = "players"
	worldFile  = "world-state.json"
	permsFile  = "permissions.json"
	bakSuffix  = ".bak"
)

// FileStore keeps every record as pretty-printed JSON under one data root.
// Writes go through a temp file in the target directory and an atomic
// rename; the previous version survives as <file>.bak. Good for a single
// driver process, which is the only writer the layout supports.
type FileStore struct {
	root string
	log  *zap.Logger

	mu sync.Mutex // serializes writers; readers rely on rename atomicity
}

var _ Store = (*FileStore)(nil)

func NewFileStore(root string, log *zap.Logger) (*FileStore, error) {
	for _, dir := range []string{root, filepath.Join(root, playersDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	return &FileStore{root: root, log: log}, nil
}

func (s *FileStore) playerPath(name string) string {
	return filepath.Join(s.root, playersDir, name+".json")
}

func (s *FileStore) valuePath(ns, key string) string {
	return filepath.Join(s.root, ns, key+".json")
}

// writeRecord lands v at path atomically and keeps the prior version as
// path.bak. The temp file lives in the target directory so the final
// rename never crosses filesystems. Namespace directories appear on demand.
func (s *FileStore) writeRecord(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(path, path+bakSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// readRecord decodes path into v. Missing or unrecoverably corrupt records
// report found=false without an error; corruption is logged and the .bak
// copy consulted first.
func (s *FileStore) readRecord(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		data, err = os.ReadFile(path + bakSuffix)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		s.log.Warn("record missing, recovered from backup", zap.String("path", path))
	case err != nil:
		return false, err
	}

	if jsonErr := json.Unmarshal(data, v); jsonErr != nil {
		s.log.Warn("corrupt record, trying backup",
			zap.String("path", path), zap.Error(jsonErr))
		bak, bakErr := os.ReadFile(path + bakSuffix)
		if bakErr != nil || json.Unmarshal(bak, v) != nil {
			s.log.Error("record unrecoverable, treating as absent", zap.String("path", path))
			return false, nil
		}
	}
	return true, nil
}

func (s *FileStore) remove(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(path)
	os.Remove(path + bakSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// listJSON returns the sorted record names in dir, skipping temp and
// backup litter.
func (s *FileStore) listJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasSuffix(n, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(n, ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileStore) SavePlayer(_ context.Context, rec *PlayerRecord) error {
	name, err := CleanName(rec.Name)
	if err != nil {
		return err
	}
	rec.Name = name
	return s.writeRecord(s.playerPath(name), rec)
}

func (s *FileStore) LoadPlayer(_ context.Context, name string) (*PlayerRecord, error) {
	name, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	var rec PlayerRecord
	found, err := s.readRecord(s.playerPath(name), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *FileStore) PlayerExists(_ context.Context, name string) (bool, error) {
	name, err := CleanName(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.playerPath(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileStore) ListPlayers(_ context.Context) ([]string, error) {
	return s.listJSON(filepath.Join(s.root, playersDir))
}

func (s *FileStore) DeletePlayer(_ context.Context, name string) (bool, error) {
	name, err := CleanName(name)
	if err != nil {
		return false, err
	}
	return s.remove(s.playerPath(name))
}

func (s *FileStore) SaveWorld(_ context.Context, st *WorldState) error {
	return s.writeRecord(filepath.Join(s.root, worldFile), st)
}

func (s *FileStore) LoadWorld(_ context.Context) (*WorldState, error) {
	var st WorldState
	found, err := s.readRecord(filepath.Join(s.root, worldFile), &st)
	if err != nil || !found {
		return nil, err
	}
	if err := st.checkVersion(); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *FileStore) cleanPair(ns, key string) (string, string, error) {
	ns, err := CleanNamespace(ns)
	if err != nil {
		return "", "", err
	}
	key, err = CleanName(key)
	if err != nil {
		return "", "", err
	}
	return ns, key, nil
}

func (s *FileStore) SaveValue(_ context.Context, ns, key string, payload map[string]any) error {
	ns, key, err := s.cleanPair(ns, key)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return s.writeRecord(s.valuePath(ns, key), payload)
}

func (s *FileStore) LoadValue(_ context.Context, ns, key string) (map[string]any, error) {
	ns, key, err := s.cleanPair(ns, key)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	found, err := s.readRecord(s.valuePath(ns, key), &payload)
	if err != nil || !found {
		return nil, err
	}
	return payload, nil
}

func (s *FileStore) ValueExists(_ context.Context, ns, key string) (bool, error) {
	ns, key, err := s.cleanPair(ns, key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.valuePath(ns, key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileStore) DeleteValue(_ context.Context, ns, key string) (bool, error) {
	ns, key, err := s.cleanPair(ns, key)
	if err != nil {
		return false, err
	}
	return s.remove(s.valuePath(ns, key))
}

func (s *FileStore) ListKeys(_ context.Context, ns string) ([]string, error) {
	ns, err := CleanNamespace(ns)
	if err != nil {
		return nil, err
	}
	return s.listJSON(filepath.Join(s.root, ns))
}

func (s *FileStore) SavePermissions(_ context.Context, d perm.Data) error {
	return s.writeRecord(filepath.Join(s.root, permsFile), d)
}

func (s *FileStore) LoadPermissions(_ context.Context) (*perm.Data, error) {
	var d perm.Data
	found, err := s.readRecord(filepath.Join(s.root, permsFile), &d)
	if err != nil || !found {
		return nil, err
	}
	return &d, nil
}

func (s *FileStore) Close() error { return nil }
