package session

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/jasona/mudforge/internal/core/object"
	"github.com/jasona/mudforge/internal/net"
	"github.com/jasona/mudforge/internal/perm"
	"github.com/jasona/mudforge/internal/sandbox"
)

// candidate is one verb handler found in the player's surroundings.
type candidate struct {
	object   string
	fn       string
	priority int
}

func splitVerb(line string) (verb, rest string) {
	line = strings.TrimSpace(line)
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i], strings.TrimSpace(line[i+1:])
	}
	return line, ""
}

func (m *Manager) dispatch(c *net.Conn, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	player := m.bridge.Registry().Find(c.Player())
	if player == nil || player.Destructed() {
		c.Send("Your body is gone.")
		c.Close()
		return
	}

	verb, rest := splitVerb(line)
	verb, rest = m.expandAlias(player, verb, rest)
	verb = strings.ToLower(verb)

	for _, cand := range m.actionCandidates(player, verb) {
		handled, stop := m.runHandler(c, player.Path(), cand.object, cand.fn, verb, rest)
		if handled || stop {
			return
		}
	}

	level := m.playerLevel(player)
	for _, cmd := range m.commands.Resolve(verb, int(level)) {
		if _, err := m.bridge.LoadObject(context.Background(), nil, cmd.Object); err != nil {
			m.log.Warn("command object unavailable",
				zap.String("verb", verb),
				zap.String("object", cmd.Object),
				zap.Error(err))
			continue
		}
		handled, stop := m.runHandler(c, player.Path(), cmd.Object, cmd.Func, verb, rest)
		if handled || stop {
			return
		}
	}

	c.Send("What?")
}

// expandAlias rewrites the verb through the player's "aliases" property.
// The expansion may itself carry arguments, so the line is split again.
func (m *Manager) expandAlias(player *object.Object, verb, rest string) (string, string) {
	v, ok := player.Prop("aliases")
	if !ok {
		return verb, rest
	}
	table, ok := v.(map[string]any)
	if !ok {
		return verb, rest
	}
	exp, _ := table[strings.ToLower(verb)].(string)
	if exp == "" {
		return verb, rest
	}
	line := exp
	if rest != "" {
		line = exp + " " + rest
	}
	return splitVerb(line)
}

// actionCandidates gathers verb handlers from the player's inventory,
// the player itself, its environment, and the environment's contents.
func (m *Manager) actionCandidates(player *object.Object, verb string) []candidate {
	reg := m.bridge.Registry()

	locales := reg.DeepInventory(player)
	locales = append(locales, player)
	if env := player.Environment(); env != nil {
		locales = append(locales, env)
		for _, o := range env.Inventory() {
			if o != player {
				locales = append(locales, o)
			}
		}
	}

	var out []candidate
	for _, o := range locales {
		if o.Destructed() {
			continue
		}
		for _, a := range o.ActionsFor(verb) {
			out = append(out, candidate{object: o.Path(), fn: a.Func, priority: a.Priority})
		}
	}
	// Priority wins across locales; stable keeps locale order and each
	// object's own recency order for ties.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].priority > out[j].priority
	})
	return out
}

// runHandler invokes one handler. handled means the verb was consumed;
// stop means dispatch should not try further candidates.
func (m *Manager) runHandler(c *net.Conn, playerPath, objectPath, fn, verb, rest string) (handled, stop bool) {
	res, err := m.bridge.Invoke(context.Background(), sandbox.Invocation{
		Object: objectPath,
		Func:   fn,
		Args:   []any{rest, verb},
		Player: playerPath,
	})
	if err != nil {
		if errors.Is(err, sandbox.ErrNoFunction) || errors.Is(err, sandbox.ErrNoScript) {
			return false, false
		}
		c.Send("Something went wrong.")
		return false, true
	}
	return sandbox.Truthy(res), false
}

func (m *Manager) playerLevel(player *object.Object) perm.Level {
	name, _ := player.Prop("name")
	s, _ := name.(string)
	if s == "" {
		return perm.LevelPlayer
	}
	return m.bridge.Perms().Level(s)
}
