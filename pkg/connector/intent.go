// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack/pkg/ghost"
	"github.com/aiku/mautrix-slack/pkg/msgconv"
)

// matrixBot is what the bridge does on Matrix as its own bot user.
type matrixBot interface {
	msgconv.MatrixBot
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
}

// appserviceIntents hands out appservice intents. Real Matrix users mapped by
// the username resolver only work when the registration covers them.
type appserviceIntents struct {
	as *appservice.AppService
}

var _ ghost.IntentProvider = appserviceIntents{}

func (a appserviceIntents) IntentFor(userID id.UserID) ghost.MatrixIntent {
	return intentAdapter{a.as.Intent(userID)}
}

type intentAdapter struct {
	*appservice.IntentAPI
}

func (i intentAdapter) SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, content any) (id.EventID, error) {
	resp, err := i.IntentAPI.SendMessageEvent(ctx, roomID, eventType, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (i intentAdapter) GetProfile(ctx context.Context, userID id.UserID) (*ghost.Profile, error) {
	resp, err := i.IntentAPI.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &ghost.Profile{DisplayName: resp.DisplayName, AvatarURL: resp.AvatarURL}, nil
}

func (i intentAdapter) UploadBytes(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURI, error) {
	resp, err := i.IntentAPI.UploadBytesWithName(ctx, data, mimeType, fileName)
	if err != nil {
		return id.ContentURI{}, err
	}
	return resp.ContentURI, nil
}

func (i intentAdapter) UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error {
	_, err := i.IntentAPI.UserTyping(ctx, roomID, typing, timeout)
	return err
}

func (i intentAdapter) RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	_, err := i.IntentAPI.RedactEvent(ctx, roomID, eventID)
	return err
}

// botAdapter reads room state as the appservice bot.
type botAdapter struct {
	intent *appservice.IntentAPI
}

var _ matrixBot = botAdapter{}

func (b botAdapter) CanonicalAlias(ctx context.Context, roomID id.RoomID) (id.RoomAlias, error) {
	var content event.CanonicalAliasEventContent
	err := b.intent.StateEvent(ctx, roomID, event.StateCanonicalAlias, "", &content)
	if err != nil {
		if errors.Is(err, mautrix.MNotFound) {
			return "", nil
		}
		return "", err
	}
	return content.Alias, nil
}

func (b botAdapter) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := b.intent.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}
