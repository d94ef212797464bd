package sandbox

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/jasona/mudforge/internal/persist"
)

func TestSaveAndRestorePlayer(t *testing.T) {
	b := testBridge(t, map[string]string{
		"/std/player": `
local M = {}
function M.save()
  return save_player()
end
function M.restore(name)
  return restore_player(name)
end
return M
`,
		"/room/start": "return {}",
	}, nil)
	ctx := context.Background()

	// Seed a record so save has a password hash to carry over.
	if err := b.store.SavePlayer(ctx, &persist.PlayerRecord{
		Name:         "tester",
		PasswordHash: "h4sh",
		SavedAt:      time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	room, err := b.LoadObject(ctx, nil, "/room/start")
	if err != nil {
		t.Fatalf("load room: %v", err)
	}
	p, err := b.CloneObject(ctx, nil, "/std/player")
	if err != nil {
		t.Fatalf("clone player: %v", err)
	}
	p.SetProp("name", "tester")
	p.SetProp("hp", 42.0)
	if err := b.reg.Move(p, room); err != nil {
		t.Fatalf("move: %v", err)
	}

	v, err := b.Invoke(ctx, Invocation{Object: p.Path(), Func: "save", Player: p.Path()})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if v != true {
		t.Fatalf("save = %#v, want true", v)
	}

	rec, err := b.store.LoadPlayer(ctx, "tester")
	if err != nil || rec == nil {
		t.Fatalf("LoadPlayer = (%v, %v)", rec, err)
	}
	if rec.PasswordHash != "h4sh" {
		t.Fatalf("hash = %q, save clobbered the stored credential", rec.PasswordHash)
	}
	if rec.Location != "/room/start" {
		t.Fatalf("location = %q", rec.Location)
	}
	if rec.State.Blueprint != "/std/player" {
		t.Fatalf("blueprint = %q", rec.State.Blueprint)
	}
	if rec.State.Properties["hp"] != 42.0 {
		t.Fatalf("saved hp = %#v", rec.State.Properties["hp"])
	}

	// A fresh clone restores the record onto itself and learns the saved
	// location.
	p2, err := b.CloneObject(ctx, nil, "/std/player")
	if err != nil {
		t.Fatalf("clone second player: %v", err)
	}
	v, err = b.Invoke(ctx, Invocation{Object: p2.Path(), Func: "restore", Args: []any{"tester"}})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if v != "/room/start" {
		t.Fatalf("restore = %#v, want location", v)
	}
	if hp, _ := p2.Prop("hp"); hp != 42.0 {
		t.Fatalf("restored hp = %#v", hp)
	}

	v, err = b.Invoke(ctx, Invocation{Object: p2.Path(), Func: "restore", Args: []any{"nobody"}})
	if err != nil {
		t.Fatalf("restore missing: %v", err)
	}
	if v != nil {
		t.Fatalf("restore missing = %#v, want nil", v)
	}
}

func TestSavePlayerNeedsName(t *testing.T) {
	b := testBridge(t, map[string]string{
		"/std/player": `
local M = {}
function M.save()
  local ok, err = save_player()
  return { ok = ok, err = err }
end
return M
`,
	}, nil)
	ctx := context.Background()

	p, err := b.CloneObject(ctx, nil, "/std/player")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	v, err := b.Invoke(ctx, Invocation{Object: p.Path(), Func: "save", Player: p.Path()})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	want := map[string]any{"ok": false, "err": "bad-name"}
	if !reflect.DeepEqual(v, want) {
		t.Fatalf("save nameless = %#v, want %#v", v, want)
	}
}

func TestPlayerRosterEfuns(t *testing.T) {
	b := testBridge(t, map[string]string{
		"/secure/master": `
local M = {}
function M.roster()
  return {
    has = player_exists("kael"),
    missing = player_exists("nobody"),
    names = list_players(),
  }
end
function M.purge(name)
  return delete_player(name)
end
function M.purge_twice(name)
  delete_player(name)
  local ok, err = delete_player(name)
  return { ok = ok, err = err }
end
return M
`,
	}, nil)
	ctx := context.Background()

	for _, name := range []string{"kael", "mira"} {
		if err := b.store.SavePlayer(ctx, &persist.PlayerRecord{Name: name, SavedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	v, err := b.Invoke(ctx, Invocation{Object: "/secure/master", Func: "roster"})
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	want := map[string]any{
		"has":     true,
		"missing": false,
		"names":   []any{"kael", "mira"},
	}
	if !reflect.DeepEqual(v, want) {
		t.Fatalf("roster = %#v, want %#v", v, want)
	}

	// Driver context may purge; the record really goes away.
	v, err = b.Invoke(ctx, Invocation{Object: "/secure/master", Func: "purge", Args: []any{"mira"}})
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if v != true {
		t.Fatalf("purge = %#v, want true", v)
	}
	v, err = b.Invoke(ctx, Invocation{Object: "/secure/master", Func: "purge_twice", Args: []any{"kael"}})
	if err != nil {
		t.Fatalf("purge_twice: %v", err)
	}
	want = map[string]any{"ok": false, "err": "not-found"}
	if !reflect.DeepEqual(v, want) {
		t.Fatalf("purge_twice = %#v, want %#v", v, want)
	}
}

func TestDataEfuns(t *testing.T) {
	b := testBridge(t, map[string]string{
		"/secure/master": `
local M = {}
function M.stash()
  local ok = save_data("guild", "ranks", { leader = "bob", size = 3 })
  if not ok then return nil end
  return load_data("guild", "ranks")
end
function M.stash_bad()
  local ok, err = save_data("guild", "bad", { "a", "b" })
  return { ok = ok, err = err }
end
function M.check()
  return {
    has = data_exists("guild", "ranks"),
    missing = data_exists("guild", "nope"),
    keys = list_keys("guild"),
  }
end
function M.drop()
  local first = delete_data("guild", "ranks")
  local second, err = delete_data("guild", "ranks")
  return { first = first, second = second, code = err }
end
return M
`,
	}, nil)
	ctx := context.Background()
	master := Invocation{Object: "/secure/master"}

	inv := master
	inv.Func = "stash"
	v, err := b.Invoke(ctx, inv)
	if err != nil {
		t.Fatalf("stash: %v", err)
	}
	want := map[string]any{"leader": "bob", "size": 3.0}
	if !reflect.DeepEqual(v, want) {
		t.Fatalf("stash = %#v, want %#v", v, want)
	}

	inv.Func = "stash_bad"
	v, err = b.Invoke(ctx, inv)
	if err != nil {
		t.Fatalf("stash_bad: %v", err)
	}
	if want := (map[string]any{"ok": false, "err": "bad-argument"}); !reflect.DeepEqual(v, want) {
		t.Fatalf("stash_bad = %#v, want %#v", v, want)
	}

	inv.Func = "check"
	v, err = b.Invoke(ctx, inv)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if want := (map[string]any{"has": true, "missing": false, "keys": []any{"ranks"}}); !reflect.DeepEqual(v, want) {
		t.Fatalf("check = %#v, want %#v", v, want)
	}

	inv.Func = "drop"
	v, err = b.Invoke(ctx, inv)
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	if want := (map[string]any{"first": true, "second": false, "code": "not-found"}); !reflect.DeepEqual(v, want) {
		t.Fatalf("drop = %#v, want %#v", v, want)
	}
}
