package data

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Command maps a global verb to a handler function on a mudlib object.
// A verb may have several entries at different levels; the dispatch
// pipeline tries eligible handlers in file order.
type Command struct {
	Verb     string `yaml:"verb"`
	Object   string `yaml:"object"`
	Func     string `yaml:"func"`
	MinLevel int    `yaml:"min_level"`
}

type commandFile struct {
	Commands []Command `yaml:"commands"`
}

// CommandTable resolves verbs to mudlib handlers for the command pipeline.
type CommandTable struct {
	byVerb map[string][]*Command
	all    []*Command
	total  int
}

// LoadCommandTable loads commands.yaml from the mudlib root. A missing
// file yields an empty table so a mudlib can run on object actions alone.
func LoadCommandTable(path string) (*CommandTable, error) {
	t := &CommandTable{byVerb: make(map[string][]*Command)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read command table: %w", err)
	}
	var f commandFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse command table: %w", err)
	}
	for i := range f.Commands {
		c := &f.Commands[i]
		c.Verb = strings.ToLower(strings.TrimSpace(c.Verb))
		switch {
		case c.Verb == "":
			return nil, fmt.Errorf("command %d: empty verb", i)
		case !strings.HasPrefix(c.Object, "/"):
			return nil, fmt.Errorf("command %q: object %q is not an absolute path", c.Verb, c.Object)
		case c.Func == "":
			return nil, fmt.Errorf("command %q: empty func", c.Verb)
		case c.MinLevel < 0:
			return nil, fmt.Errorf("command %q: negative min_level", c.Verb)
		}
		t.byVerb[c.Verb] = append(t.byVerb[c.Verb], c)
		t.all = append(t.all, c)
		t.total++
	}
	return t, nil
}

// All returns every command in file order, regardless of level.
func (t *CommandTable) All() []*Command {
	return t.all
}

// Resolve returns the handlers for verb that a player at level may use,
// in file order. Nil when none qualify.
func (t *CommandTable) Resolve(verb string, level int) []*Command {
	var out []*Command
	for _, c := range t.byVerb[strings.ToLower(strings.TrimSpace(verb))] {
		if c.MinLevel <= level {
			out = append(out, c)
		}
	}
	return out
}

// Verbs returns every verb with at least one handler at or below level,
// sorted, one entry per verb.
func (t *CommandTable) Verbs(level int) []string {
	var out []string
	for verb, cmds := range t.byVerb {
		for _, c := range cmds {
			if c.MinLevel <= level {
				out = append(out, verb)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Count returns the total number of loaded commands.
func (t *CommandTable) Count() int {
	return t.total
}
