// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack/socketmode"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack/pkg/database"
	"github.com/aiku/mautrix-slack/pkg/ghost"
)

const (
	testTeamID    = "T1"
	testBotToken  = "xoxb-bot"
	testBotUserID = "UBOT"
	testBotID     = "BBOT"
)

// ---------------------------------------------------------------------------
// fakeSlack: an httptest server answering the Slack Web API methods the
// bridge calls, plus private file and avatar downloads.
// ---------------------------------------------------------------------------

type slackIdentityJSON struct {
	UserID string `json:"user_id"`
	User   string `json:"user"`
	BotID  string `json:"bot_id,omitempty"`
	TeamID string `json:"team_id"`
}

type fakeSlack struct {
	srv *httptest.Server

	mu       sync.Mutex
	tokens   map[string]slackIdentityJSON
	users    map[string]map[string]any
	bots     map[string]map[string]any
	channels map[string]string
	// files maps a path under /files/ to its content and the tokens allowed
	// to read it.
	files map[string]fakeFile
	calls []string
}

type fakeFile struct {
	data    []byte
	readers []string
}

func newFakeSlack(t testing.TB) *fakeSlack {
	t.Helper()
	s := &fakeSlack{
		tokens: map[string]slackIdentityJSON{
			testBotToken: {UserID: testBotUserID, User: "bridgebot", BotID: testBotID, TeamID: testTeamID},
		},
		users:    make(map[string]map[string]any),
		bots:     make(map[string]map[string]any),
		channels: make(map[string]string),
		files:    make(map[string]fakeFile),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", s.handleAPI)
	mux.HandleFunc("/files/", s.handleFile)
	mux.HandleFunc("/avatars/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG avatar " + r.URL.Path))
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeSlack) URL() string {
	return s.srv.URL
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.FormValue("token")
}

func writeSlackJSON(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func (s *fakeSlack) handleAPI(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := strings.TrimPrefix(r.URL.Path, "/api/")
	token := requestToken(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, method)

	if _, ok := s.tokens[token]; !ok {
		writeSlackJSON(w, map[string]any{"ok": false, "error": "invalid_auth"})
		return
	}
	switch method {
	case "auth.test":
		who := s.tokens[token]
		writeSlackJSON(w, map[string]any{
			"ok": true, "user_id": who.UserID, "user": who.User, "bot_id": who.BotID,
			"team_id": who.TeamID, "team": "Acme", "url": "https://acme.slack.com/",
		})
	case "team.info":
		writeSlackJSON(w, map[string]any{
			"ok": true, "team": map[string]any{"id": testTeamID, "name": "Acme", "domain": "acme"},
		})
	case "users.info":
		user, ok := s.users[r.FormValue("user")]
		if !ok {
			writeSlackJSON(w, map[string]any{"ok": false, "error": "user_not_found"})
			return
		}
		writeSlackJSON(w, map[string]any{"ok": true, "user": user})
	case "bots.info":
		bot, ok := s.bots[r.FormValue("bot")]
		if !ok {
			writeSlackJSON(w, map[string]any{"ok": false, "error": "bot_not_found"})
			return
		}
		writeSlackJSON(w, map[string]any{"ok": true, "bot": bot})
	case "conversations.info":
		name, ok := s.channels[r.FormValue("channel")]
		if !ok {
			writeSlackJSON(w, map[string]any{"ok": false, "error": "channel_not_found"})
			return
		}
		writeSlackJSON(w, map[string]any{"ok": true, "channel": map[string]any{"id": r.FormValue("channel"), "name": name}})
	default:
		writeSlackJSON(w, map[string]any{"ok": false, "error": "unknown_method"})
	}
}

func (s *fakeSlack) handleFile(w http.ResponseWriter, r *http.Request) {
	token := requestToken(r)
	s.mu.Lock()
	file, ok := s.files[strings.TrimPrefix(r.URL.Path, "/files/")]
	s.calls = append(s.calls, "file:"+token)
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	allowed := false
	for _, reader := range file.readers {
		allowed = allowed || reader == token
	}
	if !allowed {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(file.data)
}

func (s *fakeSlack) addUser(userID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = map[string]any{
		"id":      userID,
		"team_id": testTeamID,
		"name":    strings.ToLower(displayName),
		"profile": map[string]any{
			"display_name": displayName,
			"real_name":    displayName + " Real",
			"avatar_hash":  "hash-" + userID,
			"image_72":     s.srv.URL + "/avatars/" + userID + ".png",
		},
	}
}

func (s *fakeSlack) addPuppetToken(token, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = slackIdentityJSON{UserID: userID, User: strings.ToLower(userID), TeamID: testTeamID}
}

func (s *fakeSlack) addFile(name string, data []byte, readers ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = fakeFile{data: data, readers: readers}
	return s.srv.URL + "/files/" + name
}

func (s *fakeSlack) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// ---------------------------------------------------------------------------
// fakeMatrix: records what ghosts and the bot do on the homeserver.
// ---------------------------------------------------------------------------

type sentEvent struct {
	sender    id.UserID
	roomID    id.RoomID
	eventType event.Type
	eventID   id.EventID
	content   any
}

type redaction struct {
	sender  id.UserID
	roomID  id.RoomID
	eventID id.EventID
}

type typingCall struct {
	sender id.UserID
	roomID id.RoomID
	typing bool
}

type fakeMatrix struct {
	mu           sync.Mutex
	sent         []sentEvent
	redactions   []redaction
	typing       []typingCall
	displayNames map[id.UserID]string
	avatars      map[id.UserID]id.ContentURI
	uploads      [][]byte
	members      map[id.RoomID][]id.UserID
	membersErr   error
	memberCalls  int
	nextEventID  int
}

var (
	_ ghost.IntentProvider = (*fakeMatrix)(nil)
	_ matrixBot            = (*fakeMatrix)(nil)
)

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		displayNames: make(map[id.UserID]string),
		avatars:      make(map[id.UserID]id.ContentURI),
		members:      make(map[id.RoomID][]id.UserID),
	}
}

func (f *fakeMatrix) IntentFor(userID id.UserID) ghost.MatrixIntent {
	return &fakeIntent{matrix: f, userID: userID}
}

func (f *fakeMatrix) CanonicalAlias(context.Context, id.RoomID) (id.RoomAlias, error) {
	return "", nil
}

func (f *fakeMatrix) JoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberCalls++
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	return append([]id.UserID(nil), f.members[roomID]...), nil
}

func (f *fakeMatrix) sentEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

func (f *fakeMatrix) redacted() []redaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]redaction(nil), f.redactions...)
}

func (f *fakeMatrix) typingCalls() []typingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]typingCall(nil), f.typing...)
}

func (f *fakeMatrix) displayName(userID id.UserID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.displayNames[userID]
}

type fakeIntent struct {
	matrix *fakeMatrix
	userID id.UserID
}

func (i *fakeIntent) EnsureRegistered(context.Context) error { return nil }

func (i *fakeIntent) SendMessageEvent(_ context.Context, roomID id.RoomID, eventType event.Type, content any) (id.EventID, error) {
	f := i.matrix
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextEventID++
	eventID := id.EventID(fmt.Sprintf("$event%d", f.nextEventID))
	f.sent = append(f.sent, sentEvent{sender: i.userID, roomID: roomID, eventType: eventType, eventID: eventID, content: content})
	return eventID, nil
}

func (i *fakeIntent) SetDisplayName(_ context.Context, name string) error {
	i.matrix.mu.Lock()
	defer i.matrix.mu.Unlock()
	i.matrix.displayNames[i.userID] = name
	return nil
}

func (i *fakeIntent) SetAvatarURL(_ context.Context, uri id.ContentURI) error {
	i.matrix.mu.Lock()
	defer i.matrix.mu.Unlock()
	i.matrix.avatars[i.userID] = uri
	return nil
}

func (i *fakeIntent) GetProfile(context.Context, id.UserID) (*ghost.Profile, error) {
	return &ghost.Profile{}, nil
}

func (i *fakeIntent) UploadBytes(_ context.Context, data []byte, _, _ string) (id.ContentURI, error) {
	i.matrix.mu.Lock()
	defer i.matrix.mu.Unlock()
	i.matrix.uploads = append(i.matrix.uploads, data)
	return id.ContentURI{Homeserver: "example.org", FileID: fmt.Sprintf("media%d", len(i.matrix.uploads))}, nil
}

func (i *fakeIntent) UserTyping(_ context.Context, roomID id.RoomID, typing bool, _ time.Duration) error {
	i.matrix.mu.Lock()
	defer i.matrix.mu.Unlock()
	i.matrix.typing = append(i.matrix.typing, typingCall{sender: i.userID, roomID: roomID, typing: typing})
	return nil
}

func (i *fakeIntent) RedactEvent(_ context.Context, roomID id.RoomID, eventID id.EventID) error {
	i.matrix.mu.Lock()
	defer i.matrix.mu.Unlock()
	i.matrix.redactions = append(i.matrix.redactions, redaction{sender: i.userID, roomID: roomID, eventID: eventID})
	return nil
}

// messageContent unwraps the content a ghost passed to SendMessageEvent.
func messageContent(t testing.TB, content any) *event.MessageEventContent {
	t.Helper()
	switch c := content.(type) {
	case *event.MessageEventContent:
		return c
	case *event.Content:
		if msg, ok := c.Parsed.(*event.MessageEventContent); ok {
			return msg
		}
	}
	t.Fatalf("unexpected content type %T", content)
	return nil
}

// ---------------------------------------------------------------------------
// testBridge: a connector wired to both fakes and a temp database.
// ---------------------------------------------------------------------------

type testBridge struct {
	sc     *SlackConnector
	client *SlackClient
	slack  *fakeSlack
	matrix *fakeMatrix
	db     *database.Database

	events chan socketmode.Event
	ackMu  sync.Mutex
	acks   []string
}

func testConfig(apiURL string) *Config {
	cfg := &Config{
		Homeserver: HomeserverConfig{Domain: "example.org"},
		Slack: SlackConfig{
			BotToken:          testBotToken,
			AppToken:          "xapp-app",
			APIURL:            apiURL,
			RequestsPerSecond: 1000,
			Burst:             100,
			APITimeout:        5,
		},
		Bridge: BridgeConfig{
			DisplaynameTemplate: "{{.DisplayName}} (Slack)",
			BotPrefix:           "bridge_",
			TypingTimeout:       5,
			AvatarTimeout:       5,
		},
		AdminAPIAddr: "127.0.0.1:0",
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

func newTestBridge(t testing.TB) *testBridge {
	t.Helper()
	slack := newFakeSlack(t)
	matrix := newFakeMatrix()
	db, err := database.Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sc, err := newConnector(testConfig(slack.URL()+"/api/"), db, zerolog.Nop(), matrix, matrix, slack.srv.Client())
	if err != nil {
		t.Fatalf("newConnector: %v", err)
	}
	b := &testBridge{
		sc:     sc,
		slack:  slack,
		matrix: matrix,
		db:     db,
		events: make(chan socketmode.Event),
	}
	b.client = newSlackClient(sc, b.events, func(req socketmode.Request) {
		b.ackMu.Lock()
		b.acks = append(b.acks, req.EnvelopeID)
		b.ackMu.Unlock()
	}, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	sc.client = b.client
	if err := sc.identify(context.Background()); err != nil {
		t.Fatalf("identify: %v", err)
	}
	return b
}

func (b *testBridge) bridgeRoom(t testing.TB, channelID string, roomID id.RoomID, private bool) {
	t.Helper()
	err := b.db.UpsertRoom(context.Background(), &database.Room{
		SlackChannelID: channelID,
		MatrixRoomID:   roomID,
		TeamID:         testTeamID,
		SlackType:      "channel",
		IsPrivate:      private,
	})
	if err != nil {
		t.Fatalf("UpsertRoom: %v", err)
	}
}

// deliver wraps an inner event in a Socket Mode envelope, hands it to the
// client and waits for the channel queues to drain.
func (b *testBridge) deliver(t testing.TB, envelopeID, inner string) {
	t.Helper()
	payload := fmt.Sprintf(`{"type":"event_callback","team_id":%q,"event":%s}`, testTeamID, inner)
	b.client.handleSocketEvent(context.Background(), socketmode.Event{
		Type:    socketmode.EventTypeEventsAPI,
		Request: &socketmode.Request{Type: "events_api", EnvelopeID: envelopeID, Payload: json.RawMessage(payload)},
	})
	b.client.queue.Wait()
}

func (b *testBridge) ackedEnvelopes() []string {
	b.ackMu.Lock()
	defer b.ackMu.Unlock()
	return append([]string(nil), b.acks...)
}

func ghostID(slackUserID string) id.UserID {
	return id.UserID("@slack_acme_" + strings.ToLower(slackUserID) + ":example.org")
}
