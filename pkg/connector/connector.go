// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack/socketmode"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack/pkg/database"
	"github.com/aiku/mautrix-slack/pkg/ghost"
	"github.com/aiku/mautrix-slack/pkg/metrics"
	"github.com/aiku/mautrix-slack/pkg/msgconv"
	"github.com/aiku/mautrix-slack/pkg/usernames"
)

// PuppetEntry describes a single puppeted Slack user for config-driven
// loading via the hot-reload JSON API.
type PuppetEntry struct {
	Slug  string `json:"slug"`
	MXID  string `json:"mxid"`
	Token string `json:"token"`
}

// PuppetClient links a Matrix user to their own Slack user token. The token
// is used to read files in private channels the bot cannot see.
type PuppetClient struct {
	MXID     id.UserID
	Token    string
	TeamID   string
	UserID   string // Slack user ID
	Username string
}

// SlackConnector owns the bridge: the Slack and Matrix clients, the ghost
// store, the message converter, the puppet registry and the admin API.
type SlackConnector struct {
	Config *Config

	log       zerolog.Logger
	db        *database.Database
	slack     *slackAPI
	bot       matrixBot
	ghosts    *ghost.Store
	usernames *usernames.Resolver
	converter *msgconv.MessageConverter
	files     *fileAccess
	metrics   *metrics.Metrics
	registry  *prometheus.Registry

	as     *appservice.AppService
	client *SlackClient
	admin  *http.Server

	identityMu sync.RWMutex
	identity   slackIdentity

	Puppets  map[id.UserID]*PuppetClient
	puppetMu sync.RWMutex
}

// New builds a connector with the appservice described by the registration
// file in cfg.
func New(cfg *Config, db *database.Database, log zerolog.Logger) (*SlackConnector, error) {
	reg, err := appservice.LoadRegistration(cfg.AppService.Registration)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load registration")
	}
	as, err := appservice.CreateFull(appservice.CreateOpts{
		Registration:     reg,
		HomeserverDomain: cfg.Homeserver.Domain,
		HomeserverURL:    cfg.Homeserver.Address,
		HostConfig: appservice.HostConfig{
			Hostname: cfg.AppService.Hostname,
			Port:     cfg.AppService.Port,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create appservice")
	}
	as.Log = log.With().Str("component", "appservice").Logger()

	sc, err := newConnector(cfg, db, log, appserviceIntents{as}, botAdapter{as.BotIntent()}, nil)
	if err != nil {
		return nil, err
	}
	sc.as = as
	socket := socketmode.New(sc.slack.client)
	sc.client = newSlackClient(sc, socket.Events, func(req socketmode.Request) { socket.Ack(req) }, socket.RunContext)
	return sc, nil
}

func newConnector(cfg *Config, db *database.Database, log zerolog.Logger, intents ghost.IntentProvider, bot matrixBot, httpClient *http.Client) (*SlackConnector, error) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	api := newSlackAPI(cfg.Slack, httpClient)

	resolverOpts := []usernames.Option{
		usernames.WithLogger(log.With().Str("component", "usernames").Logger()),
		usernames.WithMetrics(m),
	}
	if cfg.Usernames.RemoteURL != "" {
		remote, err := usernames.NewRemoteAuthority(cfg.Usernames.RemoteURL, cfg.Usernames.Secret,
			usernames.WithTimeout(seconds(cfg.Usernames.Timeout)),
			usernames.WithRemoteLogger(log.With().Str("component", "username_authority").Logger()))
		if err != nil {
			return nil, err
		}
		resolverOpts = append(resolverOpts, usernames.WithRemote(remote, cfg.Usernames.EnabledTeams...))
	}
	resolver := usernames.NewResolver(db, resolverOpts...)

	storeOpts := []ghost.StoreOption{
		ghost.WithResolver(resolver),
		ghost.WithSourceClient(api),
		ghost.WithLogger(log.With().Str("component", "ghosts").Logger()),
		ghost.WithMetrics(m),
	}
	if httpClient != nil {
		storeOpts = append(storeOpts, ghost.WithHTTPClient(httpClient))
	}
	ghosts := ghost.NewStore(db, intents, ghost.Config{
		UsernamePrefix:   cfg.Bridge.UsernamePrefix,
		HomeserverDomain: cfg.Homeserver.Domain,
		FormatName:       cfg.Bridge.FormatDisplayname,
		TypingTimeout:    seconds(cfg.Bridge.TypingTimeout),
		AvatarTimeout:    seconds(cfg.Bridge.AvatarTimeout),
	}, storeOpts...)

	files := newFileAccess(db, bot, cfg.Slack.BotToken)
	return &SlackConnector{
		Config:    cfg,
		log:       log,
		db:        db,
		slack:     api,
		bot:       bot,
		ghosts:    ghosts,
		usernames: resolver,
		files:     files,
		metrics:   m,
		registry:  registry,
		converter: &msgconv.MessageConverter{
			DB:            db,
			Rooms:         roomDirectory{db},
			Bot:           bot,
			Users:         ghosts,
			Slack:         api,
			Files:         files,
			MaxUploadSize: cfg.Bridge.MaxUploadSize,
			APITimeout:    seconds(cfg.Slack.APITimeout),
			Metrics:       m,
		},
		Puppets: make(map[id.UserID]*PuppetClient),
	}, nil
}

// Start connects to Slack and Matrix and blocks until ctx is cancelled or the
// Slack connection fails for good.
func (sc *SlackConnector) Start(ctx context.Context) error {
	if err := sc.identify(ctx); err != nil {
		return err
	}
	if err := sc.syncConfiguredRooms(ctx); err != nil {
		return err
	}
	sc.loadPuppets(ctx)
	sc.startAdminAPI()

	if sc.as != nil {
		go sc.as.Start()
		go sc.ignoreMatrixEvents(ctx)
	}
	sc.log.Info().Msg("Bridge started")
	return sc.client.Run(ctx)
}

// Stop shuts down the admin API and the appservice and waits for queued Slack
// events to finish.
func (sc *SlackConnector) Stop() {
	if sc.admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sc.admin.Shutdown(shutdownCtx); err != nil {
			sc.log.Warn().Err(err).Msg("Failed to stop admin API")
		}
	}
	if sc.as != nil {
		sc.as.Stop()
	}
	if sc.client != nil {
		sc.client.queue.Wait()
	}
}

// identify learns the bot's own Slack identity for echo prevention and
// caches its team so links and ghost IDs can use the team domain.
func (sc *SlackConnector) identify(ctx context.Context) error {
	self, err := sc.slack.AuthTest(ctx, "")
	if err != nil {
		return errors.Wrap(err, "failed to verify slack bot token")
	}
	sc.identityMu.Lock()
	sc.identity = *self
	sc.identityMu.Unlock()
	sc.log.Info().
		Str("slack_user_id", self.UserID).
		Str("slack_bot_id", self.BotID).
		Str("slack_team_id", self.TeamID).
		Msg("Authenticated to Slack")

	team, err := sc.slack.TeamInfo(ctx)
	if err != nil {
		sc.log.Warn().Err(err).Msg("Failed to get Slack team info")
		return nil
	}
	return sc.db.UpsertTeam(ctx, &database.Team{ID: team.ID, Domain: team.Domain, Name: team.Name})
}

func (sc *SlackConnector) self() slackIdentity {
	sc.identityMu.RLock()
	defer sc.identityMu.RUnlock()
	return sc.identity
}

func (sc *SlackConnector) syncConfiguredRooms(ctx context.Context) error {
	for _, room := range sc.Config.Bridge.Rooms {
		teamID := room.TeamID
		if teamID == "" {
			teamID = sc.self().TeamID
		}
		err := sc.db.UpsertRoom(ctx, &database.Room{
			SlackChannelID: room.SlackChannelID,
			MatrixRoomID:   id.RoomID(room.MatrixRoomID),
			TeamID:         teamID,
			SlackType:      "channel",
			IsPrivate:      room.Private,
		})
		if err != nil {
			return err
		}
	}
	if n := len(sc.Config.Bridge.Rooms); n > 0 {
		sc.log.Info().Int("count", n).Msg("Linked configured rooms")
	}
	return nil
}

func (sc *SlackConnector) ignoreMatrixEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sc.as.Events:
			if !ok {
				return
			}
			sc.log.Trace().
				Str("event_type", evt.Type.Type).
				Stringer("room_id", evt.RoomID).
				Msg("Ignoring Matrix event")
		}
	}
}

// loadPuppets restores puppets saved by earlier runs, then applies the
// SLACK_PUPPET_* environment on top.
//
// Env var format:
//
//	SLACK_PUPPET_<NAME>_MXID  = @alice:example.com
//	SLACK_PUPPET_<NAME>_TOKEN = <slack user token, xoxp-...>
func (sc *SlackConnector) loadPuppets(ctx context.Context) {
	stored, err := sc.db.ListPuppets(ctx)
	if err != nil {
		sc.log.Error().Err(err).Msg("Failed to load stored puppets")
	}
	sc.puppetMu.Lock()
	for _, p := range stored {
		sc.Puppets[p.MXID] = &PuppetClient{MXID: p.MXID, Token: p.Token, TeamID: p.TeamID, UserID: p.SlackUserID}
	}
	sc.puppetMu.Unlock()

	if entries := envToPuppetEntries(); len(entries) > 0 {
		added, _ := sc.addPuppets(ctx, entries)
		sc.log.Info().Int("added", added).Msg("Loaded puppets from environment")
	}
}

// envToPuppetEntries scans the current environment for puppet config pairs
// and returns them as PuppetEntry values.
func envToPuppetEntries() []PuppetEntry {
	const prefix = "SLACK_PUPPET_"
	const mxidSuffix = "_MXID"
	const tokenSuffix = "_TOKEN"

	slugs := make(map[string]struct{})
	for _, env := range os.Environ() {
		key, _, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if strings.HasSuffix(rest, mxidSuffix) {
			slugs[rest[:len(rest)-len(mxidSuffix)]] = struct{}{}
		}
	}

	var entries []PuppetEntry
	for slug := range slugs {
		mxidVal := os.Getenv(prefix + slug + mxidSuffix)
		tokenVal := os.Getenv(prefix + slug + tokenSuffix)
		if mxidVal != "" && tokenVal != "" {
			entries = append(entries, PuppetEntry{Slug: slug, MXID: mxidVal, Token: tokenVal})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Slug < entries[j].Slug })
	return entries
}

// ReloadPuppets re-reads puppet configuration from environment variables.
func (sc *SlackConnector) ReloadPuppets(ctx context.Context) (added, removed int) {
	return sc.ReloadPuppetsFromEntries(ctx, envToPuppetEntries())
}

// ReloadPuppetsFromEntries makes the puppet registry match entries. Puppets
// not listed are removed, new or changed ones are verified against Slack
// and saved. Entries whose token fails verification are skipped. Memoized
// file credentials are dropped afterwards.
func (sc *SlackConnector) ReloadPuppetsFromEntries(ctx context.Context, entries []PuppetEntry) (added, removed int) {
	desired := make(map[id.UserID]struct{}, len(entries))
	for _, e := range entries {
		desired[id.UserID(e.MXID)] = struct{}{}
	}

	sc.puppetMu.Lock()
	var stale []*PuppetClient
	for uid, puppet := range sc.Puppets {
		if _, ok := desired[uid]; !ok {
			delete(sc.Puppets, uid)
			stale = append(stale, puppet)
		}
	}
	sc.puppetMu.Unlock()

	for _, puppet := range stale {
		if err := sc.db.DeletePuppet(ctx, puppet.TeamID, puppet.UserID); err != nil {
			sc.log.Error().Err(err).Stringer("mxid", puppet.MXID).Msg("Failed to delete puppet")
			continue
		}
		sc.log.Info().Stringer("mxid", puppet.MXID).Msg("Removed puppet")
		removed++
	}

	added, _ = sc.addPuppets(ctx, entries)

	sc.log.Info().
		Int("added", added).
		Int("removed", removed).
		Int("total", sc.PuppetCount()).
		Msg("Puppet reload complete")
	return added, removed
}

func (sc *SlackConnector) addPuppets(ctx context.Context, entries []PuppetEntry) (added, failed int) {
	defer sc.files.Invalidate()
	for _, entry := range entries {
		uid := id.UserID(entry.MXID)
		sc.puppetMu.RLock()
		existing, ok := sc.Puppets[uid]
		sc.puppetMu.RUnlock()
		if ok && existing.Token == entry.Token {
			continue
		}

		who, err := sc.slack.AuthTest(ctx, entry.Token)
		if err != nil {
			sc.log.Error().Err(err).
				Str("slug", entry.Slug).
				Str("mxid", entry.MXID).
				Msg("Failed to authenticate puppet, skipping")
			failed++
			continue
		}
		puppet := &PuppetClient{
			MXID:     uid,
			Token:    entry.Token,
			TeamID:   who.TeamID,
			UserID:   who.UserID,
			Username: who.User,
		}
		err = sc.db.UpsertPuppet(ctx, &database.Puppet{
			TeamID:      puppet.TeamID,
			SlackUserID: puppet.UserID,
			MXID:        puppet.MXID,
			Token:       puppet.Token,
		})
		if err != nil {
			sc.log.Error().Err(err).Str("mxid", entry.MXID).Msg("Failed to save puppet")
			failed++
			continue
		}
		sc.puppetMu.Lock()
		sc.Puppets[uid] = puppet
		sc.puppetMu.Unlock()
		added++

		sc.log.Info().
			Str("slug", entry.Slug).
			Str("mxid", entry.MXID).
			Str("slack_user_id", who.UserID).
			Str("slack_username", who.User).
			Msg("Loaded puppet")
	}
	return added, failed
}

// PuppetCount returns the current number of loaded puppets. Thread-safe.
func (sc *SlackConnector) PuppetCount() int {
	sc.puppetMu.RLock()
	defer sc.puppetMu.RUnlock()
	return len(sc.Puppets)
}

// maxReloadBodySize is the maximum allowed request body for puppet reload (1 MB).
const maxReloadBodySize = 1 << 20

// AdminRouter routes the admin API.
func (sc *SlackConnector) AdminRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/reload-puppets", sc.HandleReloadPuppets).Methods(http.MethodPost)
	r.HandleFunc("/api/health", sc.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(sc.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (sc *SlackConnector) startAdminAPI() {
	sc.admin = &http.Server{
		Addr:         sc.Config.AdminAPIAddr,
		Handler:      sc.AdminRouter(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		sc.log.Info().Str("addr", sc.admin.Addr).Msg("Starting bridge admin API")
		if err := sc.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sc.log.Error().Err(err).Msg("Bridge admin API error")
		}
	}()
}

// HandleReloadPuppets is an HTTP handler for POST /api/reload-puppets.
// It accepts an optional JSON body with explicit puppet entries; if the body
// is empty or absent, it reloads from environment variables.
func (sc *SlackConnector) HandleReloadPuppets(w http.ResponseWriter, r *http.Request) {
	sc.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("content_length", r.Header.Get("Content-Length")).
		Msg("Puppet reload requested")

	var entries []PuppetEntry
	if r.Body != nil && r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxReloadBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &entries); err != nil {
				http.Error(w, "invalid JSON", http.StatusBadRequest)
				return
			}
		}
	}

	var added, removed int
	if len(entries) > 0 {
		added, removed = sc.ReloadPuppetsFromEntries(r.Context(), entries)
	} else {
		added, removed = sc.ReloadPuppets(r.Context())
	}

	resp := map[string]int{
		"added":   added,
		"removed": removed,
		"total":   sc.PuppetCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		sc.log.Warn().Err(err).Msg("Failed to write reload response")
	}
}

// HandleHealth reports whether the database answers.
func (sc *SlackConnector) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := sc.db.Ping(r.Context()); err != nil {
		sc.log.Warn().Err(err).Msg("Health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "puppets": sc.PuppetCount()})
}
