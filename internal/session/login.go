package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jasona/mudforge/internal/core/event"
	"github.com/jasona/mudforge/internal/core/object"
	"github.com/jasona/mudforge/internal/net"
	"github.com/jasona/mudforge/internal/persist"
	"github.com/jasona/mudforge/internal/sandbox"
)

const (
	maxLoginFailures = 3
	minPasswordLen   = 6
	minNameLen       = 3
)

func (m *Manager) loginLine(c *net.Conn, line string) {
	s := m.login(c.ID())
	if s == nil {
		return
	}
	line = strings.TrimSpace(line)
	switch s.stage {
	case stageName:
		m.nameStep(c, s, line)
	case stagePassword:
		m.passwordStep(c, s, line)
	case stageNewPassword:
		m.newPasswordStep(c, s, line)
	}
}

func (m *Manager) nameStep(c *net.Conn, s *loginState, line string) {
	if line == "" {
		c.Send(namePrompt)
		return
	}
	name, err := persist.CleanName(line)
	if err != nil || len(name) < minNameLen {
		m.strike(c, s, "That name will not do. Try another:")
		return
	}

	ctx := context.Background()
	rec, err := m.bridge.Store().LoadPlayer(ctx, name)
	if err != nil {
		m.log.Error("player record unreadable", zap.String("name", name), zap.Error(err))
		c.Send("The archive is unreachable. Try again later.")
		c.Close()
		return
	}

	s.name = name
	s.display = displayName(name)
	if rec != nil {
		s.record = rec
		s.stage = stagePassword
		c.Send("Password:")
		return
	}
	s.stage = stageNewPassword
	c.Send("New character. Choose a password:")
}

func (m *Manager) passwordStep(c *net.Conn, s *loginState, line string) {
	if bcrypt.CompareHashAndPassword([]byte(s.record.PasswordHash), []byte(line)) != nil {
		m.strike(c, s, "Wrong password. Try again:")
		return
	}
	m.finishLogin(c, s, s.record, "")
}

func (m *Manager) newPasswordStep(c *net.Conn, s *loginState, line string) {
	if len(line) < minPasswordLen {
		m.strike(c, s, "Too short. Choose a password of at least 6 characters:")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(line), bcrypt.DefaultCost)
	if err != nil {
		m.log.Error("password hash failed", zap.Error(err))
		c.Send("Something went wrong. Goodbye.")
		c.Close()
		return
	}
	m.finishLogin(c, s, nil, string(hash))
}

// strike counts a failed dialog step; the third closes the link.
func (m *Manager) strike(c *net.Conn, s *loginState, msg string) {
	s.failures++
	if s.failures >= maxLoginFailures {
		c.Send("Too many failures. Goodbye.")
		c.Close()
		return
	}
	c.Send(msg)
}

// finishLogin binds a body to the link: a linkless body is taken back
// over, otherwise a fresh clone is hydrated from the save record and
// placed. newHash is set only for first-time characters, whose record
// is created here.
func (m *Manager) finishLogin(c *net.Conn, s *loginState, rec *persist.PlayerRecord, newHash string) bool {
	ctx := context.Background()
	mudlib := m.bridge.Mudlib()

	player := m.findBody(s.name)
	reconnect := player != nil
	if !reconnect {
		var err error
		player, err = m.bridge.CloneObject(ctx, nil, mudlib.Player)
		if err != nil {
			m.log.Error("player clone failed", zap.String("name", s.name), zap.Error(err))
			c.Send("The world cannot take shape around you. Goodbye.")
			c.Close()
			return false
		}
		if rec != nil {
			player.ReplaceProps(rec.State.Properties)
		}
		player.SetProp("name", s.name)
		player.SetProp("cap_name", s.display)

		dest := mudlib.Start
		if rec != nil && rec.Location != "" {
			dest = rec.Location
		}
		m.placeBody(ctx, player, dest, mudlib.Start)
	}

	m.conns.BindPlayer(c, player.Path())
	c.SetState(net.StateInGame)
	m.dropLogin(c.ID())

	if newHash != "" {
		first := &persist.PlayerRecord{
			Name:         s.name,
			PasswordHash: newHash,
			Location:     envPath(player),
			State: persist.PlayerState{
				Blueprint:  player.BlueprintPath(),
				Properties: player.Props(),
			},
			SavedAt: time.Now().UTC(),
		}
		if err := m.bridge.Store().SavePlayer(ctx, first); err != nil {
			m.log.Error("initial save failed", zap.String("name", s.name), zap.Error(err))
		}
	}

	// Hook failures are logged at the bridge boundary.
	m.bridge.Invoke(ctx, sandbox.Invocation{
		Object: player.Path(),
		Func:   "on_connect",
		Args:   []any{reconnect},
		Player: player.Path(),
	})

	event.Emit(m.bridge.Events(), event.PlayerLoggedIn{PlayerPath: player.Path(), Name: s.name})
	m.log.Info("player logged in",
		zap.Uint64("conn", c.ID()),
		zap.String("name", s.name),
		zap.String("player", player.Path()),
		zap.Bool("reconnect", reconnect))
	return true
}

// findBody returns the live linkless body for name, if one is in-world.
func (m *Manager) findBody(name string) *object.Object {
	for _, o := range m.bridge.Registry().Clones(m.bridge.Mudlib().Player) {
		if o.Destructed() {
			continue
		}
		if n, _ := o.Prop("name"); n == name {
			return o
		}
	}
	return nil
}

// placeBody moves a fresh body into its room, falling back to the start
// room when the saved location no longer loads.
func (m *Manager) placeBody(ctx context.Context, player *object.Object, dest, start string) {
	rooms := []string{dest}
	if start != dest {
		rooms = append(rooms, start)
	}
	for _, path := range rooms {
		room, err := m.bridge.LoadObject(ctx, nil, path)
		if err != nil {
			m.log.Warn("room unavailable", zap.String("room", path), zap.Error(err))
			continue
		}
		if err := m.bridge.Registry().Move(player, room); err != nil {
			m.log.Warn("placement failed", zap.String("room", path), zap.Error(err))
			continue
		}
		return
	}
	m.log.Warn("player placed nowhere", zap.String("player", player.Path()))
}

// authRequest is the structured alternative to the prompt dialog.
type authRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (m *Manager) authFrame(c *net.Conn, payload json.RawMessage) {
	s := m.login(c.ID())
	if s == nil {
		return
	}
	var req authRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.SendFrame(net.TagAuth, map[string]any{"id": uuid.NewString(), "ok": false, "error": "bad-request"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	reply := func(ok bool, errCode string) {
		body := map[string]any{"id": req.ID, "ok": ok}
		if errCode != "" {
			body["error"] = errCode
		}
		if ok {
			body["player"] = c.Player()
		}
		c.SendFrame(net.TagAuth, body)
	}

	name, err := persist.CleanName(req.Name)
	if err != nil || len(name) < minNameLen {
		m.authStrike(c, s, reply, "bad-name")
		return
	}

	ctx := context.Background()
	rec, err := m.bridge.Store().LoadPlayer(ctx, name)
	if err != nil {
		m.log.Error("player record unreadable", zap.String("name", name), zap.Error(err))
		reply(false, "unavailable")
		c.Close()
		return
	}

	s.name = name
	s.display = displayName(name)

	if rec != nil {
		if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(req.Password)) != nil {
			m.authStrike(c, s, reply, "bad-credentials")
			return
		}
		if m.finishLogin(c, s, rec, "") {
			reply(true, "")
		}
		return
	}

	if len(req.Password) < minPasswordLen {
		m.authStrike(c, s, reply, "bad-password")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		m.log.Error("password hash failed", zap.Error(err))
		reply(false, "unavailable")
		c.Close()
		return
	}
	if m.finishLogin(c, s, nil, string(hash)) {
		reply(true, "")
	}
}

func (m *Manager) authStrike(c *net.Conn, s *loginState, reply func(bool, string), code string) {
	s.failures++
	reply(false, code)
	if s.failures >= maxLoginFailures {
		c.Send("Too many failures. Goodbye.")
		c.Close()
	}
}

func displayName(name string) string {
	return cases.Title(language.Und).String(name)
}

func envPath(o *object.Object) string {
	if env := o.Environment(); env != nil {
		return env.Path()
	}
	return ""
}
