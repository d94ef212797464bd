package object

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrNotFound      = errors.New("object not found")
	ErrDuplicatePath = errors.New("object path already registered")
	ErrDestructed    = errors.New("object is destructed")
	ErrCycle         = errors.New("move would create a containment cycle")
	ErrBadPath       = errors.New("malformed object path")
)

// Registry owns every live object and the containment graph between them.
// Pure in-memory structure; loading chunks, running callbacks, and touching
// disk all happen above it.
type Registry struct {
	mu       sync.RWMutex
	objects  map[string]*Object
	cloneSeq map[string]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		objects:  make(map[string]*Object),
		cloneSeq: make(map[string]uint64),
	}
}

// CleanPath normalizes a blueprint path: absolute, cleaned, no clone marker.
func CleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrBadPath, p)
	}
	if strings.Contains(p, "#") {
		return "", fmt.Errorf("%w: %q contains clone marker", ErrBadPath, p)
	}
	return path.Clean(p), nil
}

// CleanAnyPath normalizes an object path that may carry a clone marker.
// "/std/sword#2" stays a clone path; everything else goes through CleanPath.
func CleanAnyPath(p string) (string, error) {
	if bp, n, ok := SplitClonePath(strings.TrimSpace(p)); ok {
		bp, err := CleanPath(bp)
		if err != nil {
			return "", err
		}
		return bp + "#" + strconv.FormatUint(n, 10), nil
	}
	return CleanPath(p)
}

// SplitClonePath breaks "path#n" into its blueprint path and clone number.
// ok is false for blueprint paths.
func SplitClonePath(p string) (bp string, n uint64, ok bool) {
	i := strings.LastIndexByte(p, '#')
	if i < 0 {
		return p, 0, false
	}
	n, err := strconv.ParseUint(p[i+1:], 10, 64)
	if err != nil {
		return p, 0, false
	}
	return p[:i], n, true
}

// NewBlueprint creates and registers the blueprint for a source path.
func (r *Registry) NewBlueprint(p string) (*Object, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.objects[p]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePath, p)
	}
	o := newObject(r, p, KindBlueprint, p)
	r.objects[p] = o
	return o, nil
}

// NewClone creates a clone of a registered blueprint. Clone numbers are
// monotonic per blueprint for the life of the process and never reused.
func (r *Registry) NewClone(blueprint string) (*Object, error) {
	bp, err := CleanPath(blueprint)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.objects[bp]
	if !ok {
		return nil, fmt.Errorf("%w: blueprint %s", ErrNotFound, bp)
	}
	if b.destructed.Load() {
		return nil, fmt.Errorf("%w: blueprint %s", ErrDestructed, bp)
	}
	r.cloneSeq[bp]++
	p := bp + "#" + strconv.FormatUint(r.cloneSeq[bp], 10)
	o := newObject(r, p, KindClone, bp)
	r.objects[p] = o
	return o, nil
}

// AdoptClone registers a clone under an exact restored path and advances the
// blueprint's counter past it, so fresh clones never collide with restored
// ones.
func (r *Registry) AdoptClone(p string) (*Object, error) {
	bp, n, ok := SplitClonePath(p)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a clone path", ErrBadPath, p)
	}
	if _, err := CleanPath(bp); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.objects[p]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePath, p)
	}
	if _, ok := r.objects[bp]; !ok {
		return nil, fmt.Errorf("%w: blueprint %s", ErrNotFound, bp)
	}
	if n > r.cloneSeq[bp] {
		r.cloneSeq[bp] = n
	}
	o := newObject(r, p, KindClone, bp)
	r.objects[p] = o
	return o, nil
}

// Find returns the live object at path, or nil. Destructed objects are
// unregistered and never found.
func (r *Registry) Find(p string) *Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.objects[p]
}

// All returns a snapshot of every live object in path order.
func (r *Registry) All() []*Object {
	r.mu.RLock()
	out := make([]*Object, 0, len(r.objects))
	for _, o := range r.objects {
		out = append(out, o)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// Clones returns the live clones of one blueprint, in path order.
func (r *Registry) Clones(blueprint string) []*Object {
	r.mu.RLock()
	var out []*Object
	for _, o := range r.objects {
		if o.kind == KindClone && o.blueprint == blueprint {
			out = append(out, o)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

// Counts reports live blueprint and clone totals.
func (r *Registry) Counts() (blueprints, clones int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.objects {
		if o.kind == KindClone {
			clones++
		} else {
			blueprints++
		}
	}
	return
}

// InventorySize pairs an object path with its direct content count.
type InventorySize struct {
	Path  string
	Count int
}

// LargestInventories returns the n most crowded containers, largest first.
func (r *Registry) LargestInventories(n int) []InventorySize {
	r.mu.RLock()
	out := make([]InventorySize, 0, len(r.objects))
	for _, o := range r.objects {
		if len(o.inv) > 0 {
			out = append(out, InventorySize{Path: o.path, Count: len(o.inv)})
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Path < out[j].Path
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Move places o into dest, or detaches it when dest is nil. Moving into the
// current environment is a no-op. The removal and insertion are atomic under
// the registry lock; no observer sees o in two inventories or in none.
func (r *Registry) Move(o, dest *Object) error {
	if o == nil {
		return ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.destructed.Load() {
		return fmt.Errorf("%w: %s", ErrDestructed, o.path)
	}
	if dest != nil {
		if dest.destructed.Load() {
			return fmt.Errorf("%w: %s", ErrDestructed, dest.path)
		}
		for anc := dest; anc != nil; anc = anc.env {
			if anc == o {
				return fmt.Errorf("%w: %s into %s", ErrCycle, o.path, dest.path)
			}
		}
	}
	if o.env == dest {
		return nil
	}
	r.detachLocked(o)
	o.env = dest
	if dest != nil {
		dest.inv = append(dest.inv, o)
	}
	return nil
}

func (r *Registry) detachLocked(o *Object) {
	if o.env == nil {
		return
	}
	inv := o.env.inv
	for i, c := range inv {
		if c == o {
			o.env.inv = append(inv[:i], inv[i+1:]...)
			break
		}
	}
	o.env = nil
}

// Destruct removes o from the registry. Owned contents are destructed with
// it; other contents fall back to o's environment. Destroyed lists every path
// taken down, cascade included; spilled holds survivors left with no
// environment, for the caller to rehome. Destruction is terminal: the path is
// freed but clone numbers are never reissued.
func (r *Registry) Destruct(o *Object) (destroyed []string, spilled []*Object, err error) {
	if o == nil {
		return nil, nil, ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.destructed.Load() {
		return nil, nil, fmt.Errorf("%w: %s", ErrDestructed, o.path)
	}
	destroyed, spilled = r.destructLocked(o)
	return destroyed, spilled, nil
}

func (r *Registry) destructLocked(o *Object) (destroyed []string, spilled []*Object) {
	o.destructed.Store(true)
	destroyed = append(destroyed, o.path)
	fallback := o.env
	r.detachLocked(o)
	contents := o.inv
	o.inv = nil
	for _, c := range contents {
		c.env = nil
		if c.Owned() {
			d, s := r.destructLocked(c)
			destroyed = append(destroyed, d...)
			spilled = append(spilled, s...)
			continue
		}
		if fallback != nil {
			c.env = fallback
			fallback.inv = append(fallback.inv, c)
		} else {
			spilled = append(spilled, c)
		}
	}
	delete(r.objects, o.path)
	return destroyed, spilled
}

// DeepInventory returns o's transitive contents, breadth-first.
func (r *Registry) DeepInventory(o *Object) []*Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Object
	queue := make([]*Object, len(o.inv))
	copy(queue, o.inv)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, cur)
		queue = append(queue, cur.inv...)
	}
	return out
}

// Reset drops every object and counter. Startup and tests only.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.objects {
		o.destructed.Store(true)
		o.env = nil
		o.inv = nil
	}
	r.objects = make(map[string]*Object)
	r.cloneSeq = make(map[string]uint64)
}
