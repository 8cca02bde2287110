// Copyright 2024-2026 Aiku AI

package ghost

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack/pkg/database"
)

type syncState int

const (
	stateIdle syncState = iota
	stateUpdating
)

// Ghost is the Matrix account speaking for one Slack user. Profile sync is
// single-flight: an Update that arrives while another is running returns
// false without waiting.
type Ghost struct {
	store  *Store
	intent MatrixIntent
	log    zerolog.Logger

	lock  sync.Mutex
	state syncState
	rec   database.User

	typingLock  sync.Mutex
	typingRooms map[id.RoomID]struct{}
}

// UpdateSource is what a Slack message says about its author.
type UpdateSource struct {
	UserID   string
	BotID    string
	Username string
}

func (g *Ghost) MXID() id.UserID {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.rec.MXID
}

func (g *Ghost) SlackID() string {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.rec.SlackID
}

func (g *Ghost) TeamID() string {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.rec.TeamID
}

func (g *Ghost) DisplayName() string {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.rec.DisplayName
}

func (g *Ghost) AvatarHash() string {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.rec.AvatarHash
}

func (g *Ghost) LastActivity() time.Time {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.rec.LastActivity
}

// Intent returns the Matrix intent this ghost sends with.
func (g *Ghost) Intent() MatrixIntent {
	return g.intent
}

// IsGhostAccount reports whether the MXID lives in the bridge's namespace.
// Accounts outside it belong to real Matrix users whose profile the bridge
// must not overwrite.
func (g *Ghost) IsGhostAccount() bool {
	return g.store.isGhostMXID(g.MXID())
}

func (g *Ghost) tryBeginUpdate() bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.state == stateUpdating {
		return false
	}
	g.state = stateUpdating
	return true
}

func (g *Ghost) finishUpdate() {
	g.lock.Lock()
	g.state = stateIdle
	g.lock.Unlock()
}

// Update syncs the display name and avatar from Slack. It reports whether
// anything was written to Matrix. Failures are logged and left for the next
// message to retry.
func (g *Ghost) Update(ctx context.Context, src UpdateSource, client SourceClient) bool {
	if !g.tryBeginUpdate() {
		g.log.Debug().Msg("Profile update already in progress, skipping")
		return false
	}
	defer g.finishUpdate()

	var own *Profile
	if !g.IsGhostAccount() {
		var err error
		own, err = g.fetchOwnProfile(ctx)
		if err != nil {
			// Without the real user's profile the non-clobber rule cannot
			// be checked.
			g.log.Warn().Err(err).Msg("Failed to get Matrix profile, skipping profile sync")
			return false
		}
	}
	sp := g.fetchSourceProfile(ctx, src, client)

	nameChanged := g.syncDisplayName(ctx, sp, own)
	avatarChanged := g.syncAvatar(ctx, sp, own)
	return nameChanged || avatarChanged
}

type sourceProfile struct {
	name       NameParams
	avatarURL  string
	avatarHash string
}

func (g *Ghost) fetchOwnProfile(ctx context.Context) (*Profile, error) {
	profile, err := g.intent.GetProfile(ctx, g.MXID())
	return profile, errors.Wrap(err, "failed to get matrix profile")
}

func (g *Ghost) fetchSourceProfile(ctx context.Context, src UpdateSource, client SourceClient) sourceProfile {
	var sp sourceProfile
	if client != nil {
		if src.BotID != "" {
			sp.name.IsBot = true
			bot, err := client.GetBotInfo(ctx, src.BotID)
			if err != nil {
				g.log.Warn().Err(err).Str("bot_id", src.BotID).Msg("Failed to get Slack bot info")
			} else if bot != nil {
				sp.name.DisplayName = bot.Name
				sp.avatarURL = firstNonEmpty(bot.ImageOriginal, bot.Image1024, bot.Image512, bot.Image192, bot.Image72, bot.Image48, bot.Image36)
				sp.avatarHash = sp.avatarURL
			}
		} else if src.UserID != "" {
			info, err := g.store.userInfo.get(ctx, client, src.UserID)
			if err != nil {
				g.log.Warn().Err(err).Str("slack_user_id", src.UserID).Msg("Failed to get Slack user info")
			} else if info != nil {
				sp.name = NameParams{
					DisplayName: firstNonEmpty(info.DisplayName, info.RealName),
					RealName:    info.RealName,
					Username:    info.Username,
					IsBot:       info.IsBot,
				}
				sp.avatarURL = firstNonEmpty(info.ImageOriginal, info.Image1024, info.Image512, info.Image192, info.Image72, info.Image48)
				sp.avatarHash = info.AvatarHash
				if sp.avatarHash == "" && sp.avatarURL != "" {
					sp.avatarHash = path.Base(sp.avatarURL)
				}
			}
		}
	}
	if sp.name.Username == "" {
		sp.name.Username = src.Username
	}
	if sp.name.DisplayName == "" {
		sp.name.DisplayName = src.Username
	}
	return sp
}

func (g *Ghost) syncDisplayName(ctx context.Context, sp sourceProfile, own *Profile) bool {
	current := g.DisplayName()
	if own != nil && own.DisplayName != "" && own.DisplayName != g.localpart() {
		if own.DisplayName != current {
			g.lock.Lock()
			g.rec.DisplayName = own.DisplayName
			g.lock.Unlock()
			g.persist(ctx)
		}
		return false
	}

	if sp.name.DisplayName == "" {
		return false
	}
	candidate := strings.TrimSpace(g.store.formatName(sp.name))
	if candidate == "" || candidate == current {
		return false
	}
	if err := g.intent.SetDisplayName(ctx, candidate); err != nil {
		g.log.Warn().Err(err).Str("displayname", candidate).Msg("Failed to set ghost display name")
		return false
	}
	g.lock.Lock()
	g.rec.DisplayName = candidate
	g.lock.Unlock()
	g.persist(ctx)
	g.store.metrics.ObserveProfileUpdate("displayname")
	g.log.Debug().Str("displayname", candidate).Msg("Updated ghost display name")
	return true
}

func (g *Ghost) syncAvatar(ctx context.Context, sp sourceProfile, own *Profile) bool {
	current := g.AvatarHash()
	if own != nil && !own.AvatarURL.IsEmpty() {
		if hash := own.AvatarURL.String(); hash != current {
			g.lock.Lock()
			g.rec.AvatarHash = hash
			g.lock.Unlock()
			g.persist(ctx)
		}
		return false
	}

	if sp.avatarURL == "" || sp.avatarHash == current {
		return false
	}
	data, mimeType, err := g.store.downloadAvatar(ctx, sp.avatarURL)
	if err != nil {
		g.log.Warn().Err(err).Str("avatar_url", sp.avatarURL).Msg("Failed to download Slack avatar")
		return false
	}
	uri, err := g.intent.UploadBytes(ctx, data, mimeType, path.Base(sp.avatarURL))
	if err != nil {
		g.log.Warn().Err(err).Msg("Failed to upload avatar")
		return false
	}
	if err := g.intent.SetAvatarURL(ctx, uri); err != nil {
		g.log.Warn().Err(err).Msg("Failed to set ghost avatar")
		return false
	}
	g.lock.Lock()
	g.rec.AvatarHash = sp.avatarHash
	g.lock.Unlock()
	g.persist(ctx)
	g.store.metrics.ObserveProfileUpdate("avatar")
	g.log.Debug().Str("avatar_hash", sp.avatarHash).Msg("Updated ghost avatar")
	return true
}

// BumpATime records that the Slack user was just active.
func (g *Ghost) BumpATime(ctx context.Context) {
	g.lock.Lock()
	g.rec.LastActivity = g.store.now()
	g.lock.Unlock()
	g.persist(ctx)
}

func (g *Ghost) persist(ctx context.Context) {
	g.lock.Lock()
	rec := g.rec
	g.lock.Unlock()
	if err := g.store.db.UpsertUser(ctx, &rec); err != nil {
		g.log.Err(err).Msg("Failed to persist ghost")
	}
}

func (g *Ghost) localpart() string {
	localpart, _, err := g.MXID().Parse()
	if err != nil {
		return ""
	}
	return localpart
}

const maxAvatarSize = 10 * 1024 * 1024

func (s *Store) downloadAvatar(ctx context.Context, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AvatarTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to build avatar request")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to fetch avatar")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.Errorf("unexpected avatar status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAvatarSize+1))
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to read avatar")
	}
	if len(data) > maxAvatarSize {
		return nil, "", errors.New("avatar too large")
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
