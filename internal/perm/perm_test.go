package perm

import "testing"

func TestDefaultsAreMortal(t *testing.T) {
	tab := NewTable()
	if got := tab.Level("stranger"); got != LevelPlayer {
		t.Fatalf("unknown player level = %v", got)
	}
	if !tab.CanRead("stranger", "/room/start.lua") {
		t.Fatal("open tree should be readable by anyone")
	}
	if tab.CanRead("stranger", "/secure/master.lua") {
		t.Fatal("secure tree should not be readable by mortals")
	}
	if tab.CanWrite("stranger", "/room/start.lua") {
		t.Fatal("mortals must not write without a grant")
	}
}

func TestLevelGates(t *testing.T) {
	tab := NewTable()
	tab.SetLevel("Merlin", LevelWizard)
	tab.SetLevel("root", LevelAdmin)

	if !tab.CanRead("merlin", "/secure/master.lua") {
		t.Fatal("wizard should read the secure tree")
	}
	if tab.CanWrite("merlin", "/secure/master.lua") {
		t.Fatal("wizard without grant must not write")
	}
	if !tab.CanWrite("root", "/secure/master.lua") || !tab.CanWrite("root", "/room/x.lua") {
		t.Fatal("admin writes anywhere")
	}
}

func TestWriteGrants(t *testing.T) {
	tab := NewTable()
	tab.GrantWrite("kael", "/domains/kael")

	cases := []struct {
		path string
		want bool
	}{
		{"/domains/kael/rooms/hall.lua", true},
		{"/domains/kael", false}, // grant covers the subtree, not the node itself
		{"/domains/kaelb/rooms/hall.lua", false},
		{"/domains/other/x.lua", false},
	}
	for _, tc := range cases {
		if got := tab.CanWrite("kael", tc.path); got != tc.want {
			t.Errorf("CanWrite(kael, %s) = %v, want %v", tc.path, got, tc.want)
		}
	}

	// A covering grant also opens secure reads.
	tab.GrantWrite("porter", "/secure/daemons")
	if !tab.CanRead("porter", "/secure/daemons/post.lua") {
		t.Fatal("covering grant should open secure reads")
	}
	if tab.CanRead("porter", "/secure/master.lua") {
		t.Fatal("grant must not leak outside its prefix")
	}
}

func TestGrantDedupAndRevoke(t *testing.T) {
	tab := NewTable()
	tab.GrantWrite("kael", "/domains/kael/")
	tab.GrantWrite("kael", "/domains/kael") // same grant, normalized
	if got := tab.WritePaths("kael"); len(got) != 1 || got[0] != "/domains/kael/" {
		t.Fatalf("WritePaths = %v", got)
	}
	if !tab.RevokeWrite("kael", "/domains/kael") {
		t.Fatal("revoke of existing grant returned false")
	}
	if tab.RevokeWrite("kael", "/domains/kael") {
		t.Fatal("revoke of missing grant returned true")
	}
	if tab.CanWrite("kael", "/domains/kael/x.lua") {
		t.Fatal("revoked grant still in effect")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	tab := NewTable()
	tab.SetLevel("merlin", LevelWizard)
	tab.SetLevel("root", LevelAdmin)
	tab.GrantWrite("kael", "/domains/kael")

	d := tab.Snapshot()

	// Mutating the snapshot must not touch the live table.
	d.Levels["intruder"] = int(LevelAdmin)
	if tab.Level("intruder") != LevelPlayer {
		t.Fatal("snapshot aliases live table")
	}
	delete(d.Levels, "intruder")

	restored := NewTable()
	restored.Restore(d)
	if restored.Level("merlin") != LevelWizard || restored.Level("root") != LevelAdmin {
		t.Fatalf("levels after restore: merlin=%v root=%v",
			restored.Level("merlin"), restored.Level("root"))
	}
	if !restored.CanWrite("kael", "/domains/kael/hall.lua") {
		t.Fatal("grant lost in round trip")
	}
}

func TestRestoreDropsJunk(t *testing.T) {
	tab := NewTable()
	tab.Restore(Data{
		Levels:     map[string]int{"": 3, "ok": 99, "zero": 0},
		WritePaths: map[string][]string{"kael": {"relative/path", ""}},
	})
	if tab.Level("ok") != LevelAdmin {
		t.Fatalf("out-of-range level should clamp to admin, got %v", tab.Level("ok"))
	}
	if tab.Level("zero") != LevelPlayer {
		t.Fatal("zero level should stay default")
	}
	if got := tab.WritePaths("kael"); len(got) != 0 {
		t.Fatalf("junk prefixes survived: %v", got)
	}
}
