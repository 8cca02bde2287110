// Copyright 2024-2026 Aiku AI

// Package ghost manages the Matrix accounts that represent Slack users:
// creating them, keeping their profiles in sync and sending on their behalf.
package ghost

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack/pkg/database"
	"github.com/aiku/mautrix-slack/pkg/metrics"
)

// NameParams are the fields available to the display name template.
type NameParams struct {
	DisplayName string
	RealName    string
	Username    string
	IsBot       bool
}

type Config struct {
	UsernamePrefix   string
	HomeserverDomain string
	// FormatName renders a display name. Defaults to NameParams.DisplayName.
	FormatName    func(NameParams) string
	TypingTimeout time.Duration
	AvatarTimeout time.Duration
}

// Store creates and caches ghosts.
type Store struct {
	db         Datastore
	intents    IntentProvider
	cfg        Config
	resolver   UsernameResolver
	source     SourceClient
	log        zerolog.Logger
	metrics    *metrics.Metrics
	httpClient *http.Client
	now        func() time.Time
	userInfo   *userInfoCache

	lock   sync.Mutex
	ghosts map[id.UserID]*Ghost
	// creating dedupes concurrent first loads of one MXID. The database and
	// homeserver calls run outside lock.
	creating singleflight.Group
}

type StoreOption func(*Store)

// WithResolver maps Slack users to existing Matrix accounts instead of
// bridge-owned ghosts where the resolver knows one.
func WithResolver(r UsernameResolver) StoreOption {
	return func(s *Store) { s.resolver = r }
}

// WithSourceClient sets the Slack client used for mention display names.
func WithSourceClient(c SourceClient) StoreOption {
	return func(s *Store) { s.source = c }
}

func WithLogger(log zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

func WithMetrics(m *metrics.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

func WithHTTPClient(c *http.Client) StoreOption {
	return func(s *Store) { s.httpClient = c }
}

func withClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(db Datastore, intents IntentProvider, cfg Config, opts ...StoreOption) *Store {
	if cfg.AvatarTimeout <= 0 {
		cfg.AvatarTimeout = 30 * time.Second
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = 20 * time.Second
	}
	s := &Store{
		db:         db,
		intents:    intents,
		cfg:        cfg,
		log:        zerolog.Nop(),
		httpClient: http.DefaultClient,
		now:        time.Now,
		ghosts:     make(map[id.UserID]*Ghost),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.userInfo = newUserInfoCache(s.now)
	return s
}

func (s *Store) formatName(params NameParams) string {
	if s.cfg.FormatName == nil {
		return params.DisplayName
	}
	return s.cfg.FormatName(params)
}

func (s *Store) isGhostMXID(mxid id.UserID) bool {
	localpart, homeserver, err := mxid.Parse()
	if err != nil {
		return false
	}
	return homeserver == s.cfg.HomeserverDomain && strings.HasPrefix(localpart, s.cfg.UsernamePrefix)
}

// GhostMXID is the bridge-owned account ID for a Slack user.
func (s *Store) GhostMXID(teamDomain, slackUserID string) id.UserID {
	localpart := s.cfg.UsernamePrefix + strings.ToLower(slackUserID)
	if teamDomain != "" {
		localpart = s.cfg.UsernamePrefix + strings.ToLower(teamDomain) + "_" + strings.ToLower(slackUserID)
	}
	return id.NewUserID(localpart, s.cfg.HomeserverDomain)
}

// UserIDForSlackUser returns the real Matrix account the resolver knows for
// the Slack user, or the bridge-owned ghost ID otherwise.
func (s *Store) UserIDForSlackUser(ctx context.Context, teamID, teamDomain, slackUserID string) id.UserID {
	if s.resolver != nil {
		if username, ok := s.resolver.Resolve(ctx, teamID, slackUserID); ok {
			return id.UserID(username)
		}
	}
	return s.GhostMXID(teamDomain, slackUserID)
}

// MatrixUserForSlackUser returns the Matrix account for a Slack user when one
// is known: either a resolver mapping or a ghost the bridge already created.
func (s *Store) MatrixUserForSlackUser(ctx context.Context, teamID, teamDomain, slackUserID string) (id.UserID, bool) {
	if s.resolver != nil {
		if username, ok := s.resolver.Resolve(ctx, teamID, slackUserID); ok {
			return id.UserID(username), true
		}
	}
	mxid := s.GhostMXID(teamDomain, slackUserID)
	if s.cachedGhost(mxid) != nil {
		return mxid, true
	}
	rec, err := s.db.GetUserBySlackID(ctx, strings.ToUpper(teamID), strings.ToUpper(slackUserID))
	if err != nil {
		s.log.Warn().Err(err).Str("slack_user_id", slackUserID).Msg("Failed to look up ghost")
		return "", false
	}
	if rec == nil {
		return "", false
	}
	return rec.MXID, true
}

// DisplayNameForUser returns the display name the bridge knows for a Matrix
// user, asking the homeserver when no ghost record has one.
func (s *Store) DisplayNameForUser(ctx context.Context, mxid id.UserID) (string, bool) {
	if g := s.cachedGhost(mxid); g != nil {
		if name := g.DisplayName(); name != "" {
			return name, true
		}
	} else if rec, err := s.db.GetUser(ctx, mxid); err != nil {
		s.log.Warn().Err(err).Stringer("mxid", mxid).Msg("Failed to look up ghost")
	} else if rec != nil && rec.DisplayName != "" {
		return rec.DisplayName, true
	}

	profile, err := s.intents.IntentFor(mxid).GetProfile(ctx, mxid)
	if err != nil {
		s.log.Debug().Err(err).Stringer("mxid", mxid).Msg("Failed to get Matrix profile")
		return "", false
	}
	if profile == nil || profile.DisplayName == "" {
		return "", false
	}
	return profile.DisplayName, true
}

// NullGhostDisplayName names a Slack user who has no Matrix account yet. It
// falls back to the raw user ID.
func (s *Store) NullGhostDisplayName(ctx context.Context, slackUserID string) string {
	if s.source == nil {
		return slackUserID
	}
	info, err := s.userInfo.get(ctx, s.source, slackUserID)
	if err != nil {
		s.log.Debug().Err(err).Str("slack_user_id", slackUserID).Msg("Failed to get Slack user info")
		return slackUserID
	}
	if info == nil {
		return slackUserID
	}
	if name := firstNonEmpty(info.DisplayName, info.RealName, info.Username); name != "" {
		return name
	}
	return slackUserID
}

// ForgetUserInfo drops the cached Slack profile of a user so the next sync
// fetches it again.
func (s *Store) ForgetUserInfo(slackUserID string) {
	s.userInfo.forget(slackUserID)
}

// GetForSlackUser loads or creates the ghost for a Slack user. Bridge-owned
// accounts are registered on the homeserver the first time they are loaded.
func (s *Store) GetForSlackUser(ctx context.Context, teamID, teamDomain, slackUserID string) (*Ghost, error) {
	if slackUserID == "" {
		return nil, errors.New("empty slack user id")
	}
	mxid := s.UserIDForSlackUser(ctx, teamID, teamDomain, slackUserID)
	if g := s.cachedGhost(mxid); g != nil {
		return g, nil
	}

	v, err, _ := s.creating.Do(string(mxid), func() (any, error) {
		if g := s.cachedGhost(mxid); g != nil {
			return g, nil
		}
		g, err := s.loadGhost(ctx, mxid, teamID, slackUserID)
		if err != nil {
			return nil, err
		}
		s.lock.Lock()
		defer s.lock.Unlock()
		if existing, ok := s.ghosts[mxid]; ok {
			return existing, nil
		}
		s.ghosts[mxid] = g
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Ghost), nil
}

func (s *Store) cachedGhost(mxid id.UserID) *Ghost {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ghosts[mxid]
}

func (s *Store) loadGhost(ctx context.Context, mxid id.UserID, teamID, slackUserID string) (*Ghost, error) {
	rec, err := s.db.GetUser(ctx, mxid)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &database.User{
			MXID:    mxid,
			SlackID: strings.ToUpper(slackUserID),
			TeamID:  strings.ToUpper(teamID),
		}
		if err := s.db.UpsertUser(ctx, rec); err != nil {
			return nil, err
		}
	}

	intent := s.intents.IntentFor(mxid)
	if s.isGhostMXID(mxid) {
		if err := intent.EnsureRegistered(ctx); err != nil {
			return nil, errors.Wrapf(err, "failed to register %s", mxid)
		}
	}
	return &Ghost{
		store:       s,
		intent:      intent,
		log:         s.log.With().Stringer("ghost", mxid).Str("slack_user_id", rec.SlackID).Logger(),
		rec:         *rec,
		typingRooms: make(map[id.RoomID]struct{}),
	}, nil
}
