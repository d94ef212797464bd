package object

import (
	"errors"
	"reflect"
	"testing"
)

func mustBlueprint(t *testing.T, r *Registry, path string) *Object {
	t.Helper()
	o, err := r.NewBlueprint(path)
	if err != nil {
		t.Fatalf("NewBlueprint(%s): %v", path, err)
	}
	return o
}

func mustClone(t *testing.T, r *Registry, bp string) *Object {
	t.Helper()
	o, err := r.NewClone(bp)
	if err != nil {
		t.Fatalf("NewClone(%s): %v", bp, err)
	}
	return o
}

func mustMove(t *testing.T, r *Registry, o, dest *Object) {
	t.Helper()
	if err := r.Move(o, dest); err != nil {
		t.Fatalf("Move(%s): %v", o.Path(), err)
	}
}

func TestCleanPath(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/std/sword", "/std/sword", false},
		{" /room/start ", "/room/start", false},
		{"/room//start/", "/room/start", false},
		{"/a/../b", "/b", false},
		{"std/sword", "", true},
		{"", "", true},
		{"/std/sword#3", "", true},
	}
	for _, tc := range cases {
		got, err := CleanPath(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("CleanPath(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("CleanPath(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("CleanPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSplitClonePath(t *testing.T) {
	cases := []struct {
		in      string
		bp      string
		n       uint64
		isClone bool
	}{
		{"/std/sword#3", "/std/sword", 3, true},
		{"/std/sword#0", "/std/sword", 0, true},
		{"/std/sword", "/std/sword", 0, false},
		{"/std/sword#abc", "/std/sword#abc", 0, false},
	}
	for _, tc := range cases {
		bp, n, ok := SplitClonePath(tc.in)
		if ok != tc.isClone || bp != tc.bp || n != tc.n {
			t.Errorf("SplitClonePath(%q) = (%q, %d, %v), want (%q, %d, %v)",
				tc.in, bp, n, ok, tc.bp, tc.n, tc.isClone)
		}
	}
}

func TestBlueprintPathUnique(t *testing.T) {
	r := NewRegistry()
	mustBlueprint(t, r, "/std/sword")
	if _, err := r.NewBlueprint("/std/sword"); !errors.Is(err, ErrDuplicatePath) {
		t.Fatalf("duplicate blueprint: got %v, want ErrDuplicatePath", err)
	}
}

func TestClonePathsNeverReused(t *testing.T) {
	r := NewRegistry()
	mustBlueprint(t, r, "/std/sword")

	c1 := mustClone(t, r, "/std/sword")
	c2 := mustClone(t, r, "/std/sword")
	if c1.Path() != "/std/sword#1" || c2.Path() != "/std/sword#2" {
		t.Fatalf("clone paths = %s, %s", c1.Path(), c2.Path())
	}

	if _, _, err := r.Destruct(c2); err != nil {
		t.Fatalf("Destruct: %v", err)
	}
	c3 := mustClone(t, r, "/std/sword")
	if c3.Path() != "/std/sword#3" {
		t.Fatalf("clone after destruct = %s, want /std/sword#3", c3.Path())
	}
}

func TestCloneRequiresBlueprint(t *testing.T) {
	r := NewRegistry()
	if _, err := r.NewClone("/std/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("clone of unregistered blueprint: got %v, want ErrNotFound", err)
	}
}

func TestAdoptCloneAdvancesCounter(t *testing.T) {
	r := NewRegistry()
	mustBlueprint(t, r, "/std/sword")

	restored, err := r.AdoptClone("/std/sword#7")
	if err != nil {
		t.Fatalf("AdoptClone: %v", err)
	}
	if restored.Path() != "/std/sword#7" || !restored.IsClone() {
		t.Fatalf("adopted = %s kind=%v", restored.Path(), restored.Kind())
	}
	next := mustClone(t, r, "/std/sword")
	if next.Path() != "/std/sword#8" {
		t.Fatalf("clone after adopt = %s, want /std/sword#8", next.Path())
	}
	if _, err := r.AdoptClone("/std/sword#7"); !errors.Is(err, ErrDuplicatePath) {
		t.Fatalf("re-adopt: got %v, want ErrDuplicatePath", err)
	}
}

func TestMoveSemantics(t *testing.T) {
	r := NewRegistry()
	room := mustBlueprint(t, r, "/room/start")
	bag := mustBlueprint(t, r, "/std/bag")
	coin := mustBlueprint(t, r, "/std/coin")

	mustMove(t, r, bag, room)
	mustMove(t, r, coin, room)
	inv := room.Inventory()
	if len(inv) != 2 || inv[0] != bag || inv[1] != coin {
		t.Fatalf("inventory order wrong: %v", paths(inv))
	}

	// Re-moving into the current environment changes nothing.
	mustMove(t, r, bag, room)
	if got := len(room.Inventory()); got != 2 {
		t.Fatalf("after no-op move, inventory = %d entries", got)
	}

	mustMove(t, r, coin, bag)
	if coin.Environment() != bag {
		t.Fatalf("coin env = %v", coin.Environment())
	}
	if got := len(room.Inventory()); got != 1 {
		t.Fatalf("room inventory after nested move = %d", got)
	}

	// Detach.
	mustMove(t, r, coin, nil)
	if coin.Environment() != nil || len(bag.Inventory()) != 0 {
		t.Fatalf("detach left coin in %v", coin.Environment())
	}
}

func TestMoveRejectsCycles(t *testing.T) {
	r := NewRegistry()
	chest := mustBlueprint(t, r, "/std/chest")
	bag := mustBlueprint(t, r, "/std/bag")
	pouch := mustBlueprint(t, r, "/std/pouch")

	mustMove(t, r, bag, chest)
	mustMove(t, r, pouch, bag)

	if err := r.Move(chest, pouch); !errors.Is(err, ErrCycle) {
		t.Fatalf("grandparent into grandchild: got %v, want ErrCycle", err)
	}
	if err := r.Move(chest, chest); !errors.Is(err, ErrCycle) {
		t.Fatalf("self-containment: got %v, want ErrCycle", err)
	}
}

func TestMoveRejectsDestructed(t *testing.T) {
	r := NewRegistry()
	room := mustBlueprint(t, r, "/room/start")
	coin := mustBlueprint(t, r, "/std/coin")
	if _, _, err := r.Destruct(room); err != nil {
		t.Fatalf("Destruct: %v", err)
	}
	if err := r.Move(coin, room); !errors.Is(err, ErrDestructed) {
		t.Fatalf("move into destructed: got %v, want ErrDestructed", err)
	}
}

func TestDestructCascade(t *testing.T) {
	r := NewRegistry()
	room := mustBlueprint(t, r, "/room/start")
	chest := mustBlueprint(t, r, "/std/chest")
	lining := mustBlueprint(t, r, "/std/lining")
	coin := mustBlueprint(t, r, "/std/coin")

	mustMove(t, r, chest, room)
	mustMove(t, r, lining, chest)
	mustMove(t, r, coin, chest)
	lining.SetOwned(true)

	destroyed, spilled, err := r.Destruct(chest)
	if err != nil {
		t.Fatalf("Destruct: %v", err)
	}
	if len(spilled) != 0 {
		t.Fatalf("spilled = %v, want none (room absorbs)", paths(spilled))
	}
	wantDestroyed := []string{"/std/chest", "/std/lining"}
	if !reflect.DeepEqual(destroyed, wantDestroyed) {
		t.Fatalf("destroyed = %v, want %v", destroyed, wantDestroyed)
	}
	if !lining.Destructed() {
		t.Fatal("owned content not destructed with its container")
	}
	if coin.Destructed() || coin.Environment() != room {
		t.Fatalf("loose content should fall to room, env = %v", coin.Environment())
	}
	if r.Find("/std/chest") != nil {
		t.Fatal("destructed object still findable")
	}
}

func TestDestructSpillsWithoutEnvironment(t *testing.T) {
	r := NewRegistry()
	chest := mustBlueprint(t, r, "/std/chest")
	coin := mustBlueprint(t, r, "/std/coin")
	mustMove(t, r, coin, chest)

	_, spilled, err := r.Destruct(chest)
	if err != nil {
		t.Fatalf("Destruct: %v", err)
	}
	if len(spilled) != 1 || spilled[0] != coin {
		t.Fatalf("spilled = %v, want [/std/coin]", paths(spilled))
	}
	if coin.Environment() != nil {
		t.Fatalf("spilled coin still has env %v", coin.Environment())
	}
}

func TestDestructTwice(t *testing.T) {
	r := NewRegistry()
	o := mustBlueprint(t, r, "/std/coin")
	if _, _, err := r.Destruct(o); err != nil {
		t.Fatalf("first Destruct: %v", err)
	}
	if _, _, err := r.Destruct(o); !errors.Is(err, ErrDestructed) {
		t.Fatalf("second Destruct: got %v, want ErrDestructed", err)
	}
}

func TestDeepInventory(t *testing.T) {
	r := NewRegistry()
	room := mustBlueprint(t, r, "/room/start")
	bag := mustBlueprint(t, r, "/std/bag")
	box := mustBlueprint(t, r, "/std/box")
	coin := mustBlueprint(t, r, "/std/coin")

	mustMove(t, r, bag, room)
	mustMove(t, r, box, room)
	mustMove(t, r, coin, bag)

	got := paths(r.DeepInventory(room))
	want := []string{"/std/bag", "/std/box", "/std/coin"}
	if len(got) != len(want) {
		t.Fatalf("deep inventory = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("deep inventory = %v, want %v", got, want)
		}
	}
}

func TestCountsAndLargestInventories(t *testing.T) {
	r := NewRegistry()
	room := mustBlueprint(t, r, "/room/start")
	mustBlueprint(t, r, "/std/sword")
	c1 := mustClone(t, r, "/std/sword")
	c2 := mustClone(t, r, "/std/sword")
	mustMove(t, r, c1, room)
	mustMove(t, r, c2, room)

	bps, clones := r.Counts()
	if bps != 2 || clones != 2 {
		t.Fatalf("Counts = (%d, %d), want (2, 2)", bps, clones)
	}
	top := r.LargestInventories(1)
	if len(top) != 1 || top[0].Path != "/room/start" || top[0].Count != 2 {
		t.Fatalf("LargestInventories = %+v", top)
	}
}

func paths(objs []*Object) []string {
	out := make([]string, len(objs))
	for i, o := range objs {
		out[i] = o.Path()
	}
	return out
}
