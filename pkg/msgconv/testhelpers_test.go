// Copyright 2024-2026 Aiku AI

package msgconv

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack/pkg/database"
)

type fakeRooms map[string]*database.Room

func (r fakeRooms) GetBySlackChannelID(_ context.Context, channelID string) (*database.Room, error) {
	return r[channelID], nil
}

type fakeBot map[id.RoomID]id.RoomAlias

func (b fakeBot) CanonicalAlias(_ context.Context, roomID id.RoomID) (id.RoomAlias, error) {
	alias, ok := b[roomID]
	if !ok {
		return "", fmt.Errorf("M_NOT_FOUND")
	}
	return alias, nil
}

type fakeUsers struct {
	matrix map[string]id.UserID
	names  map[id.UserID]string
	slack  map[string]string
}

func (u *fakeUsers) MatrixUserForSlackUser(_ context.Context, _, _ string, slackUserID string) (id.UserID, bool) {
	mxid, ok := u.matrix[slackUserID]
	return mxid, ok
}

func (u *fakeUsers) DisplayNameForUser(_ context.Context, mxid id.UserID) (string, bool) {
	name, ok := u.names[mxid]
	return name, ok
}

func (u *fakeUsers) NullGhostDisplayName(_ context.Context, slackUserID string) string {
	if name, ok := u.slack[slackUserID]; ok {
		return name
	}
	return slackUserID
}

type fakeSlackAPI struct {
	mu        sync.Mutex
	channels  map[string]string
	files     map[string][]byte
	nameCalls int
	tokens    []string
}

func (s *fakeSlackAPI) GetConversationName(_ context.Context, channelID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nameCalls++
	name, ok := s.channels[channelID]
	if !ok {
		return "", fmt.Errorf("channel_not_found")
	}
	return name, nil
}

func (s *fakeSlackAPI) DownloadFile(_ context.Context, token, url string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	data, ok := s.files[url]
	if !ok {
		return nil, fmt.Errorf("file not found")
	}
	return data, nil
}

type fakeFileAccess struct {
	token string
}

func (f fakeFileAccess) CredentialsForRoom(context.Context, *database.Room) *Credentials {
	if f.token == "" {
		return nil
	}
	return &Credentials{Token: f.token}
}

type testEnv struct {
	db    *database.Database
	slack *fakeSlackAPI
	users *fakeUsers
	conv  *MessageConverter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "msgconv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		db: db,
		slack: &fakeSlackAPI{
			channels: map[string]string{"C3": "random"},
			files:    make(map[string][]byte),
		},
		users: &fakeUsers{
			matrix: map[string]id.UserID{"U123": "@alice:example.org"},
			names:  map[id.UserID]string{"@alice:example.org": "Alice"},
			slack:  map[string]string{"U456": "Bob"},
		},
	}
	env.conv = &MessageConverter{
		DB: db,
		Rooms: fakeRooms{
			"C1": {SlackChannelID: "C1", MatrixRoomID: "!r1:example.org"},
			"C2": {SlackChannelID: "C2", MatrixRoomID: "!r2:example.org"},
		},
		Bot:           fakeBot{"!r2:example.org": "#general:example.org"},
		Users:         env.users,
		Slack:         env.slack,
		Files:         fakeFileAccess{token: "xoxp-user"},
		MaxUploadSize: 1024,
	}
	return env
}

func textEvent(text string) *SlackMessageEvent {
	return &SlackMessageEvent{
		Type:    "message",
		Channel: "C1",
		User:    "U1",
		TeamID:  "T1",
		Text:    text,
		TS:      "1700000000.000100",
	}
}
