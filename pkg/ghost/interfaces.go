// Copyright 2024-2026 Aiku AI

package ghost

import (
	"context"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack/pkg/database"
)

// Profile is the Matrix-side profile of an account.
type Profile struct {
	DisplayName string
	AvatarURL   id.ContentURI
}

// MatrixIntent acts on Matrix as one specific user.
type MatrixIntent interface {
	EnsureRegistered(ctx context.Context) error
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (id.EventID, error)
	SetDisplayName(ctx context.Context, name string) error
	SetAvatarURL(ctx context.Context, uri id.ContentURI) error
	GetProfile(ctx context.Context, userID id.UserID) (*Profile, error)
	UploadBytes(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURI, error)
	UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) error
}

// IntentProvider hands out intents for ghost and real Matrix users.
type IntentProvider interface {
	IntentFor(userID id.UserID) MatrixIntent
}

// UserInfo is the subset of a Slack user profile that ghosts care about.
type UserInfo struct {
	ID            string
	TeamID        string
	Username      string
	DisplayName   string
	RealName      string
	AvatarHash    string
	ImageOriginal string
	Image1024     string
	Image512      string
	Image192      string
	Image72       string
	Image48       string
	IsBot         bool
}

// BotInfo is the subset of a Slack bot profile that ghosts care about.
// Sizes the API does not report stay empty.
type BotInfo struct {
	ID            string
	Name          string
	ImageOriginal string
	Image1024     string
	Image512      string
	Image192      string
	Image72       string
	Image48       string
	Image36       string
}

// SourceClient fetches Slack profile metadata.
type SourceClient interface {
	GetUserInfo(ctx context.Context, userID string) (*UserInfo, error)
	GetBotInfo(ctx context.Context, botID string) (*BotInfo, error)
}

// Datastore is the part of the bridge database ghosts read and write.
type Datastore interface {
	GetUser(ctx context.Context, mxid id.UserID) (*database.User, error)
	GetUserBySlackID(ctx context.Context, teamID, slackID string) (*database.User, error)
	UpsertUser(ctx context.Context, u *database.User) error
	UpsertEvent(ctx context.Context, e *database.Event) error
}

// UsernameResolver maps Slack users to real Matrix accounts.
type UsernameResolver interface {
	Resolve(ctx context.Context, team, slackUserID string) (string, bool)
}
