package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/jasona/mudforge/internal/core/object"
)

// Scripts compiles mudlib chunks and shares the compiled form across every
// sandbox. Compiled protos are immutable, so one compile serves the whole
// pool; each sandbox evaluates the proto into its own module table.
type Scripts struct {
	root string
	log  *zap.Logger

	mu      sync.Mutex
	entries map[string]*scriptEntry
}

type scriptEntry struct {
	proto   *lua.FunctionProto
	version uint64
}

func NewScripts(root string, log *zap.Logger) *Scripts {
	return &Scripts{
		root:    root,
		log:     log,
		entries: make(map[string]*scriptEntry),
	}
}

// FileFor maps an object path to its chunk file under the mudlib root.
func (s *Scripts) FileFor(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(path, "/"))+".lua")
}

// Exists reports whether a chunk file is present for the blueprint path.
func (s *Scripts) Exists(path string) bool {
	p, err := object.CleanPath(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(s.FileFor(p))
	return err == nil && !info.IsDir()
}

// Load returns the compiled chunk and its version for a blueprint path,
// compiling on first use and after invalidation.
func (s *Scripts) Load(path string) (*lua.FunctionProto, uint64, error) {
	p, err := object.CleanPath(path)
	if err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[p]
	if e == nil {
		e = &scriptEntry{version: 1}
		s.entries[p] = e
	}
	if e.proto == nil {
		proto, err := s.compile(p)
		if err != nil {
			return nil, 0, err
		}
		e.proto = proto
	}
	return e.proto, e.version, nil
}

func (s *Scripts) compile(path string) (*lua.FunctionProto, error) {
	file := s.FileFor(path)
	f, err := os.Open(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoScript, path)
		}
		return nil, fmt.Errorf("open chunk %s: %w", file, err)
	}
	defer f.Close()

	chunk, err := parse.Parse(f, file)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	proto, err := lua.Compile(chunk, file)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", file, err)
	}
	s.log.Debug("compiled chunk", zap.String("path", path))
	return proto, nil
}

// Invalidate drops the compiled form and bumps the version so sandboxes
// re-evaluate on next use. Hot reload calls this per changed file.
func (s *Scripts) Invalidate(path string) {
	p, err := object.CleanPath(path)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[p]
	if e == nil {
		return
	}
	e.proto = nil
	e.version++
	s.log.Info("chunk invalidated", zap.String("path", p), zap.Uint64("version", e.version))
}

// PathForFile inverts FileFor: the object path for a chunk file, or "" when
// the file is outside the mudlib root or not a .lua file.
func (s *Scripts) PathForFile(file string) string {
	abs, err := filepath.Abs(file)
	if err != nil {
		return ""
	}
	root, err := filepath.Abs(s.root)
	if err != nil {
		return ""
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	if !strings.HasSuffix(rel, ".lua") {
		return ""
	}
	return "/" + filepath.ToSlash(strings.TrimSuffix(rel, ".lua"))
}

// Cached reports how many compiled chunks are resident.
func (s *Scripts) Cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.proto != nil {
			n++
		}
	}
	return n
}
