// Copyright 2024-2026 Aiku AI

package ghost

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack/pkg/database"
)

const testDomain = "example.org"

type sentEvent struct {
	sender    id.UserID
	roomID    id.RoomID
	eventType event.Type
	content   any
}

type typingCall struct {
	sender id.UserID
	roomID id.RoomID
	typing bool
}

// fakeMatrix records everything the ghosts do on the homeserver.
type fakeMatrix struct {
	mu           sync.Mutex
	profiles     map[id.UserID]*Profile
	registered   []id.UserID
	sent         []sentEvent
	displayNames map[id.UserID][]string
	avatars      map[id.UserID][]id.ContentURI
	uploads      int
	typing       []typingCall
	redactions   []id.EventID
	nextEventID  int
	emptyEventID bool
	sendErr      error
	profileErr   error
	// blockRegister holds EnsureRegistered for a user until the channel is
	// closed. registering is closed when the first such call starts.
	blockRegister map[id.UserID]chan struct{}
	registering   chan struct{}
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		profiles:     make(map[id.UserID]*Profile),
		displayNames: make(map[id.UserID][]string),
		avatars:      make(map[id.UserID][]id.ContentURI),
	}
}

func (f *fakeMatrix) IntentFor(userID id.UserID) MatrixIntent {
	return &fakeIntent{matrix: f, userID: userID}
}

func (f *fakeMatrix) setNames(userID id.UserID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.displayNames[userID]...)
}

func (f *fakeMatrix) sentEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

type fakeIntent struct {
	matrix *fakeMatrix
	userID id.UserID
}

func (i *fakeIntent) EnsureRegistered(context.Context) error {
	i.matrix.mu.Lock()
	block := i.matrix.blockRegister[i.userID]
	started := i.matrix.registering
	if block != nil {
		i.matrix.registering = nil
	}
	i.matrix.mu.Unlock()
	if block != nil {
		if started != nil {
			close(started)
		}
		<-block
	}
	i.matrix.mu.Lock()
	defer i.matrix.mu.Unlock()
	i.matrix.registered = append(i.matrix.registered, i.userID)
	return nil
}

func (i *fakeIntent) SendMessageEvent(_ context.Context, roomID id.RoomID, eventType event.Type, content any) (id.EventID, error) {
	f := i.matrix
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentEvent{sender: i.userID, roomID: roomID, eventType: eventType, content: content})
	if f.emptyEventID {
		return "", nil
	}
	f.nextEventID++
	return id.EventID(fmt.Sprintf("$event%d", f.nextEventID)), nil
}

func (i *fakeIntent) SetDisplayName(_ context.Context, name string) error {
	i.matrix.mu.Lock()
	defer i.matrix.mu.Unlock()
	i.matrix.displayNames[i.userID] = append(i.matrix.displayNames[i.userID], name)
	return nil
}

func (i *fakeIntent) SetAvatarURL(_ context.Context, uri id.ContentURI) error {
	i.matrix.mu.Lock()
	defer i.matrix.mu.Unlock()
	i.matrix.avatars[i.userID] = append(i.matrix.avatars[i.userID], uri)
	return nil
}

func (i *fakeIntent) GetProfile(_ context.Context, userID id.UserID) (*Profile, error) {
	i.matrix.mu.Lock()
	defer i.matrix.mu.Unlock()
	if i.matrix.profileErr != nil {
		return nil, i.matrix.profileErr
	}
	if p, ok := i.matrix.profiles[userID]; ok {
		cp := *p
		return &cp, nil
	}
	return &Profile{}, nil
}

func (i *fakeIntent) UploadBytes(_ context.Context, data []byte, mimeType, fileName string) (id.ContentURI, error) {
	i.matrix.mu.Lock()
	defer i.matrix.mu.Unlock()
	i.matrix.uploads++
	return id.ContentURI{Homeserver: testDomain, FileID: fmt.Sprintf("media%d", i.matrix.uploads)}, nil
}

func (i *fakeIntent) UserTyping(_ context.Context, roomID id.RoomID, typing bool, _ time.Duration) error {
	i.matrix.mu.Lock()
	defer i.matrix.mu.Unlock()
	i.matrix.typing = append(i.matrix.typing, typingCall{sender: i.userID, roomID: roomID, typing: typing})
	return nil
}

func (i *fakeIntent) RedactEvent(_ context.Context, _ id.RoomID, eventID id.EventID) error {
	i.matrix.mu.Lock()
	defer i.matrix.mu.Unlock()
	i.matrix.redactions = append(i.matrix.redactions, eventID)
	return nil
}

// fakeSlack serves canned Slack profiles. When block is set, GetUserInfo
// signals started and waits for block to close.
type fakeSlack struct {
	mu        sync.Mutex
	users     map[string]*UserInfo
	bots      map[string]*BotInfo
	userCalls int
	started   chan struct{}
	block     chan struct{}
}

func newFakeSlack() *fakeSlack {
	return &fakeSlack{users: make(map[string]*UserInfo), bots: make(map[string]*BotInfo)}
}

func (s *fakeSlack) GetUserInfo(ctx context.Context, userID string) (*UserInfo, error) {
	s.mu.Lock()
	s.userCalls++
	started, block := s.started, s.block
	s.started = nil
	info, ok := s.users[userID]
	s.mu.Unlock()
	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}
	if !ok {
		return nil, fmt.Errorf("user_not_found")
	}
	return info, nil
}

func (s *fakeSlack) GetBotInfo(_ context.Context, botID string) (*BotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[botID]
	if !ok {
		return nil, fmt.Errorf("bot_not_found")
	}
	return bot, nil
}

func (s *fakeSlack) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userCalls
}

type staticResolver map[string]string

func (r staticResolver) Resolve(_ context.Context, _ string, slackUserID string) (string, bool) {
	username, ok := r[slackUserID]
	return username, ok
}

func openTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "ghost.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, *fakeMatrix, *database.Database) {
	t.Helper()
	db := openTestDB(t)
	matrix := newFakeMatrix()
	store := NewStore(db, matrix, Config{
		UsernamePrefix:   "slack_",
		HomeserverDomain: testDomain,
		AvatarTimeout:    2 * time.Second,
	}, opts...)
	return store, matrix, db
}
