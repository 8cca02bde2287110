// Copyright 2024-2026 Aiku AI

// Package usernames maps Slack user IDs to the Matrix accounts of the people
// behind them. Lookups go through an in-memory cache, the bridge database and
// finally an optional remote authority, writing each hit back to the cheaper
// tiers.
package usernames

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-slack/pkg/metrics"
)

// Source records which tier answered a lookup.
type Source string

const (
	SourceCache  Source = "cache"
	SourceStore  Source = "store"
	SourceRemote Source = "remote"
)

// Mapping is a resolved Slack user to Matrix handle pair.
type Mapping struct {
	SlackUserID    string
	MatrixUsername string
	Source         Source
}

// Store is the persistent tier.
type Store interface {
	GetMatrixUsername(ctx context.Context, slackUserID string) (string, error)
	SetMatrixUsername(ctx context.Context, slackUserID, matrixUsername string) error
}

// Authority is the remote tier.
type Authority interface {
	Lookup(ctx context.Context, slackUserID string) (string, bool)
}

// Resolver is safe for concurrent use. Mappings are treated as append-only
// facts, so the cache is never invalidated and concurrent writers race with
// last-write-wins semantics.
type Resolver struct {
	store        Store
	remote       Authority
	enabledTeams map[string]struct{}
	log          zerolog.Logger
	metrics      *metrics.Metrics

	cacheLock sync.RWMutex
	cache     map[string]string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRemote enables the remote tier for the given teams. Teams are matched
// case-insensitively against the team passed to Resolve.
func WithRemote(remote Authority, enabledTeams ...string) Option {
	return func(r *Resolver) {
		r.remote = remote
		for _, team := range enabledTeams {
			r.enabledTeams[strings.ToUpper(team)] = struct{}{}
		}
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *Resolver) { r.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a resolver backed by store. The store may be nil, in
// which case only the cache and remote tiers are used.
func NewResolver(store Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:        store,
		enabledTeams: make(map[string]struct{}),
		log:          zerolog.Nop(),
		cache:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the Matrix handle for a Slack user, or false if no tier
// knows one. Failures in any tier are logged and count as a miss.
func (r *Resolver) Resolve(ctx context.Context, team, slackUserID string) (string, bool) {
	m := r.Lookup(ctx, team, slackUserID)
	if m == nil {
		return "", false
	}
	return m.MatrixUsername, true
}

// Lookup is Resolve with provenance.
func (r *Resolver) Lookup(ctx context.Context, team, slackUserID string) *Mapping {
	key := strings.ToUpper(slackUserID)
	if key == "" {
		return nil
	}

	if username, ok := r.cached(key); ok {
		return r.hit(key, username, SourceCache)
	}

	if r.store != nil {
		username, err := r.store.GetMatrixUsername(ctx, key)
		if err != nil {
			r.log.Warn().Err(err).Str("slack_user_id", key).Msg("Failed to read username mapping from store")
		} else if username != "" {
			r.setCached(key, username)
			return r.hit(key, username, SourceStore)
		}
	}

	if !r.remoteEnabled(team) {
		return nil
	}
	username, ok := r.remote.Lookup(ctx, key)
	if !ok {
		return nil
	}
	if r.store != nil {
		if err := r.store.SetMatrixUsername(ctx, key, username); err != nil {
			r.log.Warn().Err(err).Str("slack_user_id", key).Msg("Failed to write username mapping to store")
		}
	}
	r.setCached(key, username)
	return r.hit(key, username, SourceRemote)
}

func (r *Resolver) hit(key, username string, source Source) *Mapping {
	r.metrics.ObserveUsernameLookup(string(source))
	return &Mapping{SlackUserID: key, MatrixUsername: username, Source: source}
}

func (r *Resolver) remoteEnabled(team string) bool {
	if r.remote == nil {
		return false
	}
	_, ok := r.enabledTeams[strings.ToUpper(team)]
	return ok
}

func (r *Resolver) cached(key string) (string, bool) {
	r.cacheLock.RLock()
	defer r.cacheLock.RUnlock()
	username, ok := r.cache[key]
	return username, ok
}

func (r *Resolver) setCached(key, username string) {
	r.cacheLock.Lock()
	r.cache[key] = username
	r.cacheLock.Unlock()
}
