// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack/pkg/database"
	"github.com/aiku/mautrix-slack/pkg/ghost"
	"github.com/aiku/mautrix-slack/pkg/msgconv"
)

type eventHeader struct {
	Type string `json:"type"`
}

type reactionEvent struct {
	User     string `json:"user"`
	Reaction string `json:"reaction"`
	Item     struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	} `json:"item"`
	EventTS string `json:"event_ts"`
}

type typingEvent struct {
	Channel string `json:"channel"`
	User    string `json:"user"`
}

type userChangeEvent struct {
	User struct {
		ID     string `json:"id"`
		TeamID string `json:"team_id"`
	} `json:"user"`
}

// handleCallback decodes an Events API inner event and queues it on its
// channel.
func (c *SlackClient) handleCallback(ctx context.Context, teamID string, raw json.RawMessage) {
	var header eventHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		c.log.Warn().Err(err).Msg("Failed to decode Slack event")
		return
	}
	c.connector.metrics.ObserveSlackEvent(eventLabel(header.Type))

	switch header.Type {
	case "message":
		var msg msgconv.SlackMessageEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode Slack message")
			return
		}
		if msg.TeamIDOrFallback() == "" {
			msg.TeamID = teamID
		}
		c.queue.Push(msg.Channel, func(ctx context.Context) {
			c.handleMessage(ctx, &msg)
		})
	case "reaction_added":
		var evt reactionEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode Slack reaction")
			return
		}
		c.queue.Push(evt.Item.Channel, func(ctx context.Context) {
			c.handleReaction(ctx, teamID, &evt)
		})
	case "user_typing":
		var evt typingEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode Slack typing event")
			return
		}
		c.queue.Push(evt.Channel, func(ctx context.Context) {
			c.handleTyping(ctx, teamID, &evt)
		})
	case "user_change":
		var evt userChangeEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			c.log.Warn().Err(err).Msg("Failed to decode Slack user change")
			return
		}
		c.queue.Push("user:"+evt.User.ID, func(ctx context.Context) {
			c.handleUserChange(ctx, teamID, &evt)
		})
	default:
		c.log.Trace().Str("event_type", header.Type).Msg("Unhandled event type")
	}
}

// eventLabel keeps the metric label set bounded.
func eventLabel(eventType string) string {
	switch eventType {
	case "message", "reaction_added", "user_typing", "user_change":
		return eventType
	default:
		return "other"
	}
}

// isEcho reports whether a message was written by the bridge itself. Layers
// are the bot's own user and bot IDs and the configurable username prefix.
func (c *SlackClient) isEcho(msg *msgconv.SlackMessageEvent) bool {
	self := c.connector.self()
	switch {
	case self.UserID != "" && msg.User == self.UserID:
		return true
	case self.BotID != "" && msg.BotID == self.BotID:
		return true
	case msg.Username != "" && isBridgeUsername(msg.Username, c.connector.Config.Bridge.BotPrefix):
		return true
	default:
		return false
	}
}

// isBridgeUsername returns true if the username matches a bridge-managed
// account.
func isBridgeUsername(username, botPrefix string) bool {
	return botPrefix != "" && strings.HasPrefix(username, botPrefix)
}

func (c *SlackClient) lookupRoom(ctx context.Context, channelID string) *database.Room {
	room, err := c.connector.db.GetRoomBySlackChannel(ctx, channelID)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to look up room")
		return nil
	}
	if room == nil {
		zerolog.Ctx(ctx).Debug().Msg("Channel is not bridged, ignoring event")
	}
	return room
}

func (c *SlackClient) teamDomain(ctx context.Context, teamID string, hint string) string {
	if hint != "" || teamID == "" {
		return hint
	}
	team, err := c.connector.db.GetTeam(ctx, teamID)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("slack_team_id", teamID).Msg("Failed to get team")
		return ""
	}
	if team == nil {
		return ""
	}
	return team.Domain
}

// handleUserChange resyncs the ghost of a Slack user whose profile changed.
// Users the bridge never created a ghost for are ignored.
func (c *SlackClient) handleUserChange(ctx context.Context, teamID string, evt *userChangeEvent) {
	userID := evt.User.ID
	if userID == "" {
		return
	}
	log := c.log.With().Str("slack_user_id", userID).Logger()
	ctx = log.WithContext(ctx)

	ghosts := c.connector.ghosts
	ghosts.ForgetUserInfo(userID)
	teamID = firstNonEmpty(evt.User.TeamID, teamID)
	domain := c.teamDomain(ctx, teamID, "")
	if _, ok := ghosts.MatrixUserForSlackUser(ctx, teamID, domain, userID); !ok {
		log.Debug().Msg("No ghost for changed Slack user, ignoring")
		return
	}
	g, err := ghosts.GetForSlackUser(ctx, teamID, domain, userID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get ghost")
		return
	}
	if g.Update(ctx, ghost.UpdateSource{UserID: userID}, c.connector.slack) {
		log.Debug().Msg("Synced changed Slack profile")
	}
}

func (c *SlackClient) handleMessage(ctx context.Context, evt *msgconv.SlackMessageEvent) {
	log := c.log.With().
		Str("slack_channel_id", evt.Channel).
		Str("slack_ts", evt.TS).
		Str("subtype", evt.Subtype).
		Logger()
	ctx = log.WithContext(ctx)

	if evt.Subtype == msgconv.SubtypeDeleted {
		c.handleDeletion(ctx, evt)
		return
	}
	if !msgconv.IsHandledSubtype(evt.Subtype) {
		log.Debug().Msg("Ignoring message subtype")
		return
	}
	flat, _ := msgconv.Flatten(evt)
	if c.isEcho(flat) {
		log.Debug().Str("slack_user_id", flat.User).Msg("Skipping bridge message (echo prevention)")
		return
	}
	author := firstNonEmpty(flat.User, flat.BotID)
	if author == "" {
		log.Debug().Msg("Message has no author, ignoring")
		return
	}
	room := c.lookupRoom(ctx, evt.Channel)
	if room == nil {
		return
	}

	parts, err := c.connector.converter.Convert(ctx, evt)
	if err != nil {
		log.Warn().Err(err).Msg("Message conversion aborted")
		return
	} else if len(parts) == 0 {
		return
	}

	teamID := flat.TeamIDOrFallback()
	g, err := c.connector.ghosts.GetForSlackUser(ctx, teamID, c.teamDomain(ctx, teamID, flat.TeamDomain), author)
	if err != nil {
		log.Error().Err(err).Str("slack_user_id", author).Msg("Failed to get ghost")
		return
	}
	g.Update(ctx, ghost.UpdateSource{UserID: flat.User, BotID: flat.BotID, Username: flat.Username}, c.connector.slack)
	if err := g.CancelTyping(ctx, room.MatrixRoomID); err != nil {
		log.Debug().Err(err).Msg("Failed to cancel typing")
	}

	var thread *ghost.ThreadTarget
	if flat.IsInThread() {
		thread = c.threadTarget(ctx, evt.Channel, flat.ThreadTS)
	}
	for i, part := range parts {
		target := thread
		if part.IsEdit() {
			target = nil
		}
		var eventID id.EventID
		if part.File != nil {
			eventID, err = g.SendFile(ctx, room.MatrixRoomID, part.Content, part.File.Data, target, evt.Channel, flat.TS)
		} else {
			eventID, err = g.SendMessageExtra(ctx, room.MatrixRoomID, part.Content, part.Extra, target, evt.Channel, flat.TS)
		}
		if err != nil {
			log.Error().Err(err).Int("part", i).Msg("Failed to send message to Matrix")
			continue
		}
		if thread != nil && target != nil {
			thread.LastEventID = eventID
		}
		log.Debug().Int("part", i).Stringer("event_id", eventID).Msg("Bridged message")
	}
	g.BumpATime(ctx)
}

// threadTarget finds the Matrix thread for a Slack thread. A root that was
// never bridged leaves the reply outside any thread.
func (c *SlackClient) threadTarget(ctx context.Context, channelID, threadTS string) *ghost.ThreadTarget {
	log := zerolog.Ctx(ctx)
	root, err := c.connector.db.GetEventBySlackID(ctx, channelID, threadTS)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to look up thread root")
		return nil
	} else if root == nil {
		log.Debug().Str("thread_ts", threadTS).Msg("Thread root was never bridged")
		return nil
	}
	target := &ghost.ThreadTarget{RootEventID: root.EventID, SlackThreadTS: threadTS}
	latest, err := c.connector.db.GetLatestEventInThread(ctx, channelID, threadTS)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to look up latest thread event")
	} else if latest != nil {
		target.LastEventID = latest.EventID
	}
	return target
}

// handleDeletion redacts every Matrix event bridged from the deleted message
// as the ghost that sent it, then forgets the correlation.
func (c *SlackClient) handleDeletion(ctx context.Context, evt *msgconv.SlackMessageEvent) {
	log := zerolog.Ctx(ctx)
	deletedTS := evt.DeletedTS
	if deletedTS == "" && evt.PreviousMessage != nil {
		deletedTS = evt.PreviousMessage.TS
	}
	if deletedTS == "" {
		return
	}
	events, err := c.connector.db.GetEventsBySlackID(ctx, evt.Channel, deletedTS)
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up deleted message")
		return
	} else if len(events) == 0 {
		log.Debug().Str("deleted_ts", deletedTS).Msg("Deleted message was never bridged")
		return
	}

	var author, teamID, domain string
	if prev := evt.PreviousMessage; prev != nil {
		author = firstNonEmpty(prev.User, prev.BotID)
		teamID = firstNonEmpty(prev.TeamIDOrFallback(), evt.TeamIDOrFallback())
		domain = c.teamDomain(ctx, teamID, evt.TeamDomain)
	}
	if author == "" {
		log.Warn().Msg("Deleted message has no author, cannot redact")
		return
	}
	g, err := c.connector.ghosts.GetForSlackUser(ctx, teamID, domain, author)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get ghost for redaction")
		return
	}
	for _, e := range events {
		if err := g.Redact(ctx, e.RoomID, e.EventID); err != nil {
			log.Error().Err(err).Stringer("event_id", e.EventID).Msg("Failed to redact event")
		}
	}
	if err := c.connector.db.DeleteEventsBySlackID(ctx, evt.Channel, deletedTS); err != nil {
		log.Error().Err(err).Msg("Failed to delete event correlation")
	}
}

func (c *SlackClient) handleReaction(ctx context.Context, teamID string, evt *reactionEvent) {
	log := c.log.With().
		Str("slack_channel_id", evt.Item.Channel).
		Str("slack_ts", evt.Item.TS).
		Str("reaction", evt.Reaction).
		Logger()
	ctx = log.WithContext(ctx)

	if evt.Item.Type != "message" || evt.User == "" {
		return
	}
	if self := c.connector.self(); self.UserID != "" && evt.User == self.UserID {
		return
	}
	room := c.lookupRoom(ctx, evt.Item.Channel)
	if room == nil {
		return
	}
	target, err := c.connector.db.GetEventBySlackID(ctx, evt.Item.Channel, evt.Item.TS)
	if err != nil {
		log.Error().Err(err).Msg("Failed to look up reaction target")
		return
	} else if target == nil {
		log.Debug().Msg("Reaction target was never bridged")
		return
	}

	key, ok := msgconv.EmojiFromShortcode(evt.Reaction)
	if !ok {
		// Custom workspace emoji have no Unicode form.
		key = ":" + evt.Reaction + ":"
	}
	g, err := c.connector.ghosts.GetForSlackUser(ctx, teamID, c.teamDomain(ctx, teamID, ""), evt.User)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get ghost for reaction")
		return
	}
	if _, err := g.SendReaction(ctx, room.MatrixRoomID, target.EventID, key, evt.Item.Channel, evt.EventTS); err != nil {
		log.Error().Err(err).Msg("Failed to send reaction to Matrix")
	}
}

func (c *SlackClient) handleTyping(ctx context.Context, teamID string, evt *typingEvent) {
	log := c.log.With().Str("slack_channel_id", evt.Channel).Str("slack_user_id", evt.User).Logger()
	ctx = log.WithContext(ctx)
	if evt.User == "" || evt.User == c.connector.self().UserID {
		return
	}
	room := c.lookupRoom(ctx, evt.Channel)
	if room == nil {
		return
	}
	g, err := c.connector.ghosts.GetForSlackUser(ctx, teamID, c.teamDomain(ctx, teamID, ""), evt.User)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get ghost for typing")
		return
	}
	if err := g.SendTyping(ctx, room.MatrixRoomID); err != nil {
		log.Warn().Err(err).Msg("Failed to send typing notification")
	}
}
