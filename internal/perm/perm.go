// Package perm holds the driver's permission table: a level per player
// plus explicit writable path prefixes. Scripts consult it through the
// check_read_perm / check_write_perm efuns; the driver persists it as a
// data record.
package perm

import (
	"sort"
	"strings"
	"sync"
)

// Level orders player privilege. Levels are compared numerically; anything
// outside the known range is clamped on the way in.
type Level int

const (
	LevelPlayer Level = iota
	LevelBuilder
	LevelWizard
	LevelAdmin
)

func (l Level) String() string {
	switch l {
	case LevelBuilder:
		return "builder"
	case LevelWizard:
		return "wizard"
	case LevelAdmin:
		return "admin"
	default:
		return "player"
	}
}

// securePrefix guards driver-critical scripts. Reading under it takes
// wizard level or an explicit covering grant; everything else is readable
// by anyone.
const securePrefix = "/secure/"

// Data is the serialized form of a Table.
type Data struct {
	Levels     map[string]int      `json:"levels"`
	WritePaths map[string][]string `json:"write_paths"`
}

// Table answers read/write questions for named players. Unknown players
// are plain mortals with no grants.
type Table struct {
	mu     sync.RWMutex
	levels map[string]Level
	writes map[string][]string
}

func NewTable() *Table {
	return &Table{
		levels: make(map[string]Level),
		writes: make(map[string][]string),
	}
}

func clampLevel(l Level) Level {
	if l < LevelPlayer {
		return LevelPlayer
	}
	if l > LevelAdmin {
		return LevelAdmin
	}
	return l
}

func normName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// normPrefix keeps grants directory-shaped: cleaned, absolute, trailing
// slash so "/domains/kael" cannot cover "/domains/kaelb.lua".
func normPrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || !strings.HasPrefix(p, "/") {
		return ""
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func (t *Table) Level(name string) Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.levels[normName(name)]
}

func (t *Table) SetLevel(name string, l Level) {
	name = normName(name)
	if name == "" {
		return
	}
	t.mu.Lock()
	if l = clampLevel(l); l == LevelPlayer {
		delete(t.levels, name)
	} else {
		t.levels[name] = l
	}
	t.mu.Unlock()
}

// GrantWrite adds a writable prefix for name. Redundant grants collapse.
func (t *Table) GrantWrite(name, prefix string) {
	name = normName(name)
	prefix = normPrefix(prefix)
	if name == "" || prefix == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.writes[name] {
		if p == prefix {
			return
		}
	}
	t.writes[name] = append(t.writes[name], prefix)
	sort.Strings(t.writes[name])
}

// RevokeWrite removes an exact prefix grant.
func (t *Table) RevokeWrite(name, prefix string) bool {
	name = normName(name)
	prefix = normPrefix(prefix)
	t.mu.Lock()
	defer t.mu.Unlock()
	grants := t.writes[name]
	for i, p := range grants {
		if p == prefix {
			t.writes[name] = append(grants[:i], grants[i+1:]...)
			if len(t.writes[name]) == 0 {
				delete(t.writes, name)
			}
			return true
		}
	}
	return false
}

// WritePaths returns name's grants in sorted order.
func (t *Table) WritePaths(name string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	grants := t.writes[normName(name)]
	out := make([]string, len(grants))
	copy(out, grants)
	return out
}

func covered(path string, grants []string) bool {
	for _, g := range grants {
		if strings.HasPrefix(path, g) {
			return true
		}
	}
	return false
}

// CanRead reports whether name may read path. The secure tree is the only
// restricted region: wizard level or a covering write grant opens it.
func (t *Table) CanRead(name, path string) bool {
	if !strings.HasPrefix(path, securePrefix) {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	key := normName(name)
	if t.levels[key] >= LevelWizard {
		return true
	}
	return covered(path, t.writes[key])
}

// CanWrite reports whether name may write path. Admins write anywhere;
// everyone else needs a covering grant.
func (t *Table) CanWrite(name, path string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	key := normName(name)
	if t.levels[key] >= LevelAdmin {
		return true
	}
	return covered(path, t.writes[key])
}

// Snapshot exports the table for persistence.
func (t *Table) Snapshot() Data {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d := Data{
		Levels:     make(map[string]int, len(t.levels)),
		WritePaths: make(map[string][]string, len(t.writes)),
	}
	for n, l := range t.levels {
		d.Levels[n] = int(l)
	}
	for n, grants := range t.writes {
		cp := make([]string, len(grants))
		copy(cp, grants)
		d.WritePaths[n] = cp
	}
	return d
}

// Restore replaces the table's contents from a persisted snapshot.
func (t *Table) Restore(d Data) {
	levels := make(map[string]Level, len(d.Levels))
	writes := make(map[string][]string, len(d.WritePaths))
	for n, l := range d.Levels {
		if key := normName(n); key != "" {
			if lv := clampLevel(Level(l)); lv != LevelPlayer {
				levels[key] = lv
			}
		}
	}
	for n, grants := range d.WritePaths {
		key := normName(n)
		if key == "" {
			continue
		}
		var cp []string
		for _, g := range grants {
			if p := normPrefix(g); p != "" {
				cp = append(cp, p)
			}
		}
		if len(cp) > 0 {
			sort.Strings(cp)
			writes[key] = cp
		}
	}
	t.mu.Lock()
	t.levels = levels
	t.writes = writes
	t.mu.Unlock()
}
