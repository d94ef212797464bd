// Package persist is the driver's durability boundary. Everything above it
// deals in records; whether those land as JSON files or Postgres rows is an
// adapter choice made at boot.
package persist

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jasona/mudforge/internal/perm"
)

var (
	// ErrBadName rejects player names and data keys that could escape the
	// data root or collide after lowercasing.
	ErrBadName = errors.New("invalid record name")
)

// worldVersion is written into every snapshot; loaders refuse newer formats.
const worldVersion = 1

// PlayerState is the restorable body of a player object.
type PlayerState struct {
	Blueprint  string         `json:"blueprint"`
	Properties map[string]any `json:"properties,omitempty"`
}

// PlayerRecord is one saved player. Location is the path of the environment
// the player should wake up in; the driver falls back to the start room when
// it no longer exists.
type PlayerRecord struct {
	Name         string      `json:"name"`
	PasswordHash string      `json:"password_hash"`
	Location     string      `json:"location,omitempty"`
	State        PlayerState `json:"state"`
	SavedAt      time.Time   `json:"saved_at"`
}

// ObjectRecord is one persistent clone inside a world snapshot. Descriptors
// and actions are rebuilt by the object's own creation callback on restore;
// only identity, placement, and properties are stored.
type ObjectRecord struct {
	Path        string         `json:"path"`
	Blueprint   string         `json:"blueprint"`
	Environment string         `json:"environment,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	Heartbeat   bool           `json:"heartbeat,omitempty"`
}

// WorldState is a full snapshot of the persistent object population.
type WorldState struct {
	Version int            `json:"version"`
	SavedAt time.Time      `json:"saved_at"`
	Objects []ObjectRecord `json:"objects"`
}

// NewWorldState stamps an empty snapshot at the current format version.
func NewWorldState() *WorldState {
	return &WorldState{Version: worldVersion, SavedAt: time.Now().UTC()}
}

// Store is implemented by every persistence adapter. Loads of missing
// records return (nil, nil); callers distinguish absence from failure.
type Store interface {
	SavePlayer(ctx context.Context, rec *PlayerRecord) error
	LoadPlayer(ctx context.Context, name string) (*PlayerRecord, error)
	PlayerExists(ctx context.Context, name string) (bool, error)
	ListPlayers(ctx context.Context) ([]string, error)
	DeletePlayer(ctx context.Context, name string) (bool, error)

	SaveWorld(ctx context.Context, st *WorldState) error
	LoadWorld(ctx context.Context) (*WorldState, error)

	SaveValue(ctx context.Context, ns, key string, payload map[string]any) error
	LoadValue(ctx context.Context, ns, key string) (map[string]any, error)
	ValueExists(ctx context.Context, ns, key string) (bool, error)
	DeleteValue(ctx context.Context, ns, key string) (bool, error)
	ListKeys(ctx context.Context, ns string) ([]string, error)

	SavePermissions(ctx context.Context, d perm.Data) error
	LoadPermissions(ctx context.Context) (*perm.Data, error)

	Close() error
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// CleanName lowercases and validates a player name, namespace, or data key.
// No path separators, no dots, nothing that could climb out of the data
// root after joining.
func CleanName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if len(name) == 0 || len(name) > 64 || !namePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return name, nil
}

// CleanNamespace is CleanName plus a reservation check: namespaces share the
// data root with the player directory.
func CleanNamespace(ns string) (string, error) {
	ns, err := CleanName(ns)
	if err != nil {
		return "", err
	}
	if ns == playersDir {
		return "", fmt.Errorf("%w: namespace %q is reserved", ErrBadName, ns)
	}
	return ns, nil
}

func (w *WorldState) checkVersion() error {
	if w.Version > worldVersion {
		return fmt.Errorf("world snapshot version %d is newer than supported %d", w.Version, worldVersion)
	}
	return nil
}
