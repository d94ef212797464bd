// Package integrations gates outbound service calls made on behalf of
// scripts. Every service is named, rate limited per minute, and fronted by a
// response cache; the bridge exposes only the availability probe and the
// call itself.
package integrations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/jasona/mudforge/internal/config"
)

var (
	ErrUnavailable = errors.New("integration unavailable")
	ErrRateLimited = errors.New("integration rate limited")
	ErrUpstream    = errors.New("integration upstream failure")
)

// Handler performs one call against an upstream service. The registry passes
// the service's own config so handlers stay stateless.
type Handler func(ctx context.Context, cfg config.IntegrationConfig, req map[string]any) (map[string]any, error)

type service struct {
	cfg     config.IntegrationConfig
	handler Handler

	// per-minute window, counter resets when the minute rolls over
	winEpoch int64
	winCount int

	cache *lru.Cache[string, map[string]any]
}

// Registry holds the configured services. A service is available only when
// its config enables it and a handler has been registered.
type Registry struct {
	log *zap.Logger

	mu       sync.Mutex
	services map[string]*service
}

func NewRegistry(cfgs map[string]config.IntegrationConfig, log *zap.Logger) *Registry {
	r := &Registry{
		log:      log,
		services: make(map[string]*service),
	}
	for name, cfg := range cfgs {
		s := &service{cfg: cfg}
		if cfg.CacheSize > 0 {
			c, err := lru.New[string, map[string]any](cfg.CacheSize)
			if err == nil {
				s.cache = c
			}
		}
		r.services[name] = s
	}
	return r
}

// Register binds the handler for a named service. Unconfigured or disabled
// services stay unavailable no matter what is registered.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[name]
	if !ok {
		s = &service{}
		r.services[name] = s
	}
	s.handler = h
}

// Available reports whether name can currently be called.
func (r *Registry) Available(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[name]
	return ok && s.cfg.Enabled && s.handler != nil
}

// Names returns the configured service names, available or not.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.services))
	for name := range r.services {
		out = append(out, name)
	}
	return out
}

// Call invokes a service. Cache hits (keyed by req["cache_key"]) return
// without touching the upstream or the rate window; everything else counts
// against the per-minute limit.
func (r *Registry) Call(ctx context.Context, name string, req map[string]any) (map[string]any, error) {
	r.mu.Lock()
	s, ok := r.services[name]
	if !ok || !s.cfg.Enabled || s.handler == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, name)
	}

	cacheKey, _ := req["cache_key"].(string)
	if cacheKey != "" && s.cache != nil {
		if resp, hit := s.cache.Get(cacheKey); hit {
			r.mu.Unlock()
			return resp, nil
		}
	}

	if s.cfg.RatePerMinute > 0 {
		epoch := time.Now().Unix() / 60
		if epoch != s.winEpoch {
			s.winEpoch = epoch
			s.winCount = 0
		}
		s.winCount++
		if s.winCount > s.cfg.RatePerMinute {
			r.mu.Unlock()
			r.log.Warn("integration rate limited",
				zap.String("service", name),
				zap.Int("per_minute", s.cfg.RatePerMinute))
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, name)
		}
	}
	handler := s.handler
	cfg := s.cfg
	r.mu.Unlock()

	resp, err := handler(ctx, cfg, req)
	if err != nil {
		r.log.Warn("integration call failed", zap.String("service", name), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstream, name, err)
	}

	if cacheKey != "" {
		r.mu.Lock()
		if s.cache != nil {
			s.cache.Add(cacheKey, resp)
		}
		r.mu.Unlock()
	}
	return resp, nil
}
