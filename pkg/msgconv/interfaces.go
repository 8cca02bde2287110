// Copyright 2024-2026 Aiku AI

package msgconv

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack/pkg/database"
)

// Datastore is the read side of the bridge database used during conversion.
type Datastore interface {
	GetEventBySlackID(ctx context.Context, channelID, ts string) (*database.Event, error)
	GetTeam(ctx context.Context, teamID string) (*database.Team, error)
}

// RoomDirectory finds the Matrix room bridged to a Slack channel.
type RoomDirectory interface {
	GetBySlackChannelID(ctx context.Context, channelID string) (*database.Room, error)
}

// MatrixBot reads room state as the bridge bot.
type MatrixBot interface {
	CanonicalAlias(ctx context.Context, roomID id.RoomID) (id.RoomAlias, error)
}

// UserDirectory resolves Slack users mentioned in a message.
type UserDirectory interface {
	MatrixUserForSlackUser(ctx context.Context, teamID, teamDomain, slackUserID string) (id.UserID, bool)
	DisplayNameForUser(ctx context.Context, mxid id.UserID) (string, bool)
	NullGhostDisplayName(ctx context.Context, slackUserID string) string
}

// SlackAPI is the Slack Web API surface the converter needs.
type SlackAPI interface {
	GetConversationName(ctx context.Context, channelID string) (string, error)
	DownloadFile(ctx context.Context, token, url string) ([]byte, error)
}

// Credentials is a Slack token able to read a room's files.
type Credentials struct {
	Token string
}

// FileAccess decides which token, if any, can fetch files shared in a room.
// Private channels need a token from a user who is a member.
type FileAccess interface {
	CredentialsForRoom(ctx context.Context, room *database.Room) *Credentials
}
