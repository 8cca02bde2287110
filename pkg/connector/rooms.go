// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack/pkg/database"
	"github.com/aiku/mautrix-slack/pkg/msgconv"
)

// roomDirectory answers room lookups from the rooms table.
type roomDirectory struct {
	db *database.Database
}

var _ msgconv.RoomDirectory = roomDirectory{}

func (r roomDirectory) GetBySlackChannelID(ctx context.Context, channelID string) (*database.Room, error) {
	return r.db.GetRoomBySlackChannel(ctx, channelID)
}

type puppetLookup interface {
	GetPuppetByMXID(ctx context.Context, mxid id.UserID) (*database.Puppet, error)
}

// fileAccess picks the token used to download files shared in a room. Public
// channels use the bot token. Private channels need a puppeted Slack user who
// is joined to the Matrix room, since the bot may not be a channel member.
// Results are memoized per room until Invalidate is called.
type fileAccess struct {
	puppets  puppetLookup
	bot      matrixBot
	botToken string

	lock  sync.Mutex
	cache map[id.RoomID]*msgconv.Credentials
}

var _ msgconv.FileAccess = (*fileAccess)(nil)

func newFileAccess(puppets puppetLookup, bot matrixBot, botToken string) *fileAccess {
	return &fileAccess{
		puppets:  puppets,
		bot:      bot,
		botToken: botToken,
		cache:    make(map[id.RoomID]*msgconv.Credentials),
	}
}

func (f *fileAccess) CredentialsForRoom(ctx context.Context, room *database.Room) *msgconv.Credentials {
	if room == nil {
		return nil
	}
	if !room.IsPrivate {
		if f.botToken == "" {
			return nil
		}
		return &msgconv.Credentials{Token: f.botToken}
	}

	f.lock.Lock()
	creds, ok := f.cache[room.MatrixRoomID]
	f.lock.Unlock()
	if ok {
		return creds
	}

	log := zerolog.Ctx(ctx).With().Stringer("room_id", room.MatrixRoomID).Logger()
	members, err := f.bot.JoinedMembers(ctx, room.MatrixRoomID)
	if err != nil {
		// Not memoized so the next message retries.
		log.Warn().Err(err).Msg("Failed to get room members for file access")
		return nil
	}
	slices.Sort(members)
	for _, member := range members {
		puppet, err := f.puppets.GetPuppetByMXID(ctx, member)
		if err != nil {
			log.Warn().Err(err).Stringer("member", member).Msg("Failed to look up puppet")
			continue
		}
		if puppet != nil && puppet.Token != "" {
			creds = &msgconv.Credentials{Token: puppet.Token}
			break
		}
	}
	if creds == nil {
		log.Debug().Msg("No puppeted member can read files in private room")
	}

	f.lock.Lock()
	f.cache[room.MatrixRoomID] = creds
	f.lock.Unlock()
	return creds
}

// Invalidate forgets every memoized answer. Called after puppets change.
func (f *fileAccess) Invalidate() {
	f.lock.Lock()
	clear(f.cache)
	f.lock.Unlock()
}
