package data

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeCommands(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commands.yaml")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestLoadCommandTable(t *testing.T) {
	path := writeCommands(t, `
commands:
  - verb: look
    object: /cmds/player/look
    func: cmd_look
    min_level: 0
  - verb: "  SHOUT "
    object: /cmds/player/shout
    func: cmd_shout
    min_level: 0
  - verb: goto
    object: /cmds/wiz/goto
    func: cmd_goto
    min_level: 2
  - verb: goto
    object: /cmds/admin/goto
    func: cmd_goto_admin
    min_level: 3
`)
	tab, err := LoadCommandTable(path)
	if err != nil {
		t.Fatalf("LoadCommandTable: %v", err)
	}
	if tab.Count() != 4 {
		t.Fatalf("Count = %d, want 4", tab.Count())
	}

	// Verb is lowercased and trimmed on load and on lookup.
	if got := tab.Resolve("Shout", 0); len(got) != 1 || got[0].Func != "cmd_shout" {
		t.Fatalf("Resolve(Shout, 0) = %+v", got)
	}

	// Level gating: mortals see neither goto, wizards one, admins both.
	if got := tab.Resolve("goto", 0); got != nil {
		t.Fatalf("Resolve(goto, 0) = %+v, want nil", got)
	}
	if got := tab.Resolve("goto", 2); len(got) != 1 || got[0].Object != "/cmds/wiz/goto" {
		t.Fatalf("Resolve(goto, 2) = %+v", got)
	}
	got := tab.Resolve("goto", 3)
	if len(got) != 2 || got[0].Func != "cmd_goto" || got[1].Func != "cmd_goto_admin" {
		t.Fatalf("Resolve(goto, 3) = %+v", got)
	}

	if got := tab.Verbs(0); !reflect.DeepEqual(got, []string{"look", "shout"}) {
		t.Fatalf("Verbs(0) = %v", got)
	}
	if got := tab.Verbs(3); !reflect.DeepEqual(got, []string{"goto", "look", "shout"}) {
		t.Fatalf("Verbs(3) = %v", got)
	}

	// All preserves file order and ignores level.
	all := tab.All()
	if len(all) != 4 || all[0].Verb != "look" || all[3].Object != "/cmds/admin/goto" {
		t.Fatalf("All() = %+v", all)
	}
}

func TestLoadCommandTableMissing(t *testing.T) {
	tab, err := LoadCommandTable(filepath.Join(t.TempDir(), "commands.yaml"))
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if tab.Count() != 0 {
		t.Fatalf("Count = %d, want 0", tab.Count())
	}
	if got := tab.Resolve("look", 3); got != nil {
		t.Fatalf("Resolve on empty table = %+v", got)
	}
}

func TestLoadCommandTableErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"bad yaml", "commands: ["},
		{"empty verb", "commands:\n  - verb: \"\"\n    object: /c\n    func: f\n"},
		{"relative object", "commands:\n  - verb: x\n    object: cmds/x\n    func: f\n"},
		{"empty func", "commands:\n  - verb: x\n    object: /c\n    func: \"\"\n"},
		{"negative level", "commands:\n  - verb: x\n    object: /c\n    func: f\n    min_level: -1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadCommandTable(writeCommands(t, tc.src)); err == nil {
				t.Fatal("want error")
			}
		})
	}
}
