package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jasona/mudforge/internal/config"
	"github.com/jasona/mudforge/internal/perm"
)

// PostgresStore keeps records as JSONB rows. Suited to deployments where
// several tools (stats, web panels) read the same data the driver writes.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects, waits for the database with capped exponential
// backoff, and applies pending migrations.
func NewPostgresStore(ctx context.Context, cfg config.PersistenceConfig, log *zap.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}

	// BackOff implementations are stateful; build a fresh one per connect.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.ConnectTimeout
	err = backoff.Retry(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			log.Warn("database not ready, retrying", zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, log: log}, nil
}

func (s *PostgresStore) SavePlayer(ctx context.Context, rec *PlayerRecord) error {
	name, err := CleanName(rec.Name)
	if err != nil {
		return err
	}
	rec.Name = name
	state, err := json.Marshal(rec.State)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO players (name, password_hash, location, state, saved_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE SET
		   password_hash = EXCLUDED.password_hash,
		   location      = EXCLUDED.location,
		   state         = EXCLUDED.state,
		   saved_at      = EXCLUDED.saved_at`,
		rec.Name, rec.PasswordHash, rec.Location, state, rec.SavedAt,
	)
	return err
}

func (s *PostgresStore) LoadPlayer(ctx context.Context, name string) (*PlayerRecord, error) {
	name, err := CleanName(name)
	if err != nil {
		return nil, err
	}
	rec := &PlayerRecord{}
	var state []byte
	err = s.pool.QueryRow(ctx,
		`SELECT name, password_hash, COALESCE(location,''), state, saved_at
		 FROM players WHERE name = $1`, name,
	).Scan(&rec.Name, &rec.PasswordHash, &rec.Location, &state, &rec.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(state, &rec.State); err != nil {
		s.log.Error("corrupt player state, treating as absent",
			zap.String("name", name), zap.Error(err))
		return nil, nil
	}
	return rec, nil
}

func (s *PostgresStore) PlayerExists(ctx context.Context, name string) (bool, error) {
	name, err := CleanName(name)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM players WHERE name = $1)`, name,
	).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ListPlayers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM players ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *PostgresStore) DeletePlayer(ctx context.Context, name string) (bool, error) {
	name, err := CleanName(name)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM players WHERE name = $1`, name)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) SaveWorld(ctx context.Context, st *WorldState) error {
	payload, err := json.Marshal(st.Objects)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO world_state (id, version, saved_at, payload)
		 VALUES (1, $1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		   version  = EXCLUDED.version,
		   saved_at = EXCLUDED.saved_at,
		   payload  = EXCLUDED.payload`,
		st.Version, st.SavedAt, payload,
	)
	return err
}

func (s *PostgresStore) LoadWorld(ctx context.Context) (*WorldState, error) {
	st := &WorldState{}
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT version, saved_at, payload FROM world_state WHERE id = 1`,
	).Scan(&st.Version, &st.SavedAt, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := st.checkVersion(); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &st.Objects); err != nil {
		s.log.Error("corrupt world snapshot, treating as absent", zap.Error(err))
		return nil, nil
	}
	return st, nil
}

func cleanPair(ns, key string) (string, string, error) {
	ns, err := CleanNamespace(ns)
	if err != nil {
		return "", "", err
	}
	key, err = CleanName(key)
	if err != nil {
		return "", "", err
	}
	return ns, key, nil
}

func (s *PostgresStore) SaveValue(ctx context.Context, ns, key string, payload map[string]any) error {
	ns, key, err := cleanPair(ns, key)
	if err != nil {
		return err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO datastore (ns, key, payload, saved_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (ns, key) DO UPDATE SET
		   payload = EXCLUDED.payload, saved_at = NOW()`,
		ns, key, data,
	)
	return err
}

func (s *PostgresStore) LoadValue(ctx context.Context, ns, key string) (map[string]any, error) {
	ns, key, err := cleanPair(ns, key)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.pool.QueryRow(ctx,
		`SELECT payload FROM datastore WHERE ns = $1 AND key = $2`, ns, key,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.Error("corrupt data record, treating as absent",
			zap.String("ns", ns), zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	return payload, nil
}

func (s *PostgresStore) ValueExists(ctx context.Context, ns, key string) (bool, error) {
	ns, key, err := cleanPair(ns, key)
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM datastore WHERE ns = $1 AND key = $2)`, ns, key,
	).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) DeleteValue(ctx context.Context, ns, key string) (bool, error) {
	ns, key, err := cleanPair(ns, key)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM datastore WHERE ns = $1 AND key = $2`, ns, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListKeys(ctx context.Context, ns string) ([]string, error) {
	ns, err := CleanNamespace(ns)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM datastore WHERE ns = $1 ORDER BY key`, ns)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) SavePermissions(ctx context.Context, d perm.Data) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO permissions (id, payload, saved_at)
		 VALUES (1, $1, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   payload = EXCLUDED.payload, saved_at = NOW()`,
		payload,
	)
	return err
}

func (s *PostgresStore) LoadPermissions(ctx context.Context) (*perm.Data, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM permissions WHERE id = 1`,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d perm.Data
	if err := json.Unmarshal(payload, &d); err != nil {
		s.log.Error("corrupt permissions record, treating as absent", zap.Error(err))
		return nil, nil
	}
	return &d, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
