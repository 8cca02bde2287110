// Copyright 2024-2026 Aiku AI

package ghost

import (
	"context"

	"github.com/pkg/errors"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-slack/pkg/database"
)

// ErrNoEventID means the homeserver accepted a send without returning an
// event ID. The message cannot be correlated, so the send is failed.
var ErrNoEventID = errors.New("homeserver response did not include an event id")

// ThreadTarget places a message in a Matrix thread. LastEventID is the reply
// fallback for clients without thread support; it defaults to the root.
type ThreadTarget struct {
	RootEventID   id.EventID
	LastEventID   id.EventID
	SlackThreadTS string
}

type slackRef struct {
	channelID string
	ts        string
	threadTS  string
}

// SendMessage sends content to roomID and records the event against the
// Slack message it came from.
func (g *Ghost) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent, slackChannelID, slackTS string) (id.EventID, error) {
	return g.send(ctx, "message", roomID, event.EventMessage, content, slackRef{channelID: slackChannelID, ts: slackTS})
}

// SendInThread is SendMessage with a thread relation pointing at the thread
// root and a falling-back reply to the latest event in the thread.
func (g *Ghost) SendInThread(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent, thread ThreadTarget, slackChannelID, slackTS string) (id.EventID, error) {
	return g.SendMessageExtra(ctx, roomID, content, nil, &thread, slackChannelID, slackTS)
}

// SendMessageExtra sends content with extra fields merged into the event
// JSON, such as external_url. Nested maps are merged into the matching
// content objects.
func (g *Ghost) SendMessageExtra(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent, extra map[string]any, thread *ThreadTarget, slackChannelID, slackTS string) (id.EventID, error) {
	kind := "message"
	ref := slackRef{channelID: slackChannelID, ts: slackTS}
	if thread != nil {
		kind = "thread"
		ref.threadTS = thread.SlackThreadTS
		setThreadRelation(content, *thread)
	}
	var payload any = content
	if len(extra) > 0 {
		payload = &event.Content{Parsed: content, Raw: extra}
	}
	return g.send(ctx, kind, roomID, event.EventMessage, payload, ref)
}

func setThreadRelation(content *event.MessageEventContent, thread ThreadTarget) {
	replyTo := thread.LastEventID
	if replyTo == "" {
		replyTo = thread.RootEventID
	}
	content.RelatesTo = &event.RelatesTo{
		Type:          event.RelThread,
		EventID:       thread.RootEventID,
		IsFallingBack: true,
		InReplyTo:     &event.InReplyTo{EventID: replyTo},
	}
}

// SendFile uploads data, points content at it and sends it, in a thread when
// one is given.
func (g *Ghost) SendFile(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent, data []byte, thread *ThreadTarget, slackChannelID, slackTS string) (id.EventID, error) {
	mimeType := ""
	if content.Info != nil {
		mimeType = content.Info.MimeType
	}
	uri, err := g.UploadContent(ctx, data, mimeType, content.Body)
	if err != nil {
		return "", err
	}
	content.URL = uri.CUString()
	if content.Info == nil {
		content.Info = &event.FileInfo{}
	}
	content.Info.Size = len(data)
	return g.SendMessageExtra(ctx, roomID, content, nil, thread, slackChannelID, slackTS)
}

// SendReaction annotates target with key.
func (g *Ghost) SendReaction(ctx context.Context, roomID id.RoomID, target id.EventID, key, slackChannelID, slackTS string) (id.EventID, error) {
	content := &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: target,
			Key:     key,
		},
	}
	return g.send(ctx, "reaction", roomID, event.EventReaction, content, slackRef{channelID: slackChannelID, ts: slackTS})
}

func (g *Ghost) send(ctx context.Context, kind string, roomID id.RoomID, eventType event.Type, content any, ref slackRef) (id.EventID, error) {
	eventID, err := g.intent.SendMessageEvent(ctx, roomID, eventType, content)
	if err == nil && eventID == "" {
		err = ErrNoEventID
	}
	g.store.metrics.ObserveSend(kind, err)
	if err != nil {
		return "", errors.Wrapf(err, "failed to send %s", kind)
	}

	err = g.store.db.UpsertEvent(ctx, &database.Event{
		RoomID:         roomID,
		EventID:        eventID,
		SlackChannelID: ref.channelID,
		SlackTS:        ref.ts,
		SlackThreadTS:  ref.threadTS,
	})
	if err != nil {
		return eventID, errors.Wrap(err, "failed to store event correlation")
	}
	return eventID, nil
}

// UploadContent stores data in the homeserver's media repository.
func (g *Ghost) UploadContent(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURI, error) {
	uri, err := g.intent.UploadBytes(ctx, data, mimeType, fileName)
	if err != nil {
		return id.ContentURI{}, errors.Wrap(err, "failed to upload content")
	}
	return uri, nil
}

// Redact removes an event the ghost sent earlier.
func (g *Ghost) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	return errors.Wrap(g.intent.RedactEvent(ctx, roomID, eventID), "failed to redact event")
}

// SendTyping marks the ghost as typing in roomID.
func (g *Ghost) SendTyping(ctx context.Context, roomID id.RoomID) error {
	if err := g.intent.UserTyping(ctx, roomID, true, g.store.cfg.TypingTimeout); err != nil {
		return errors.Wrap(err, "failed to send typing")
	}
	g.typingLock.Lock()
	g.typingRooms[roomID] = struct{}{}
	g.typingLock.Unlock()
	return nil
}

// CancelTyping clears the typing flag, but only in rooms where this ghost set
// it.
func (g *Ghost) CancelTyping(ctx context.Context, roomID id.RoomID) error {
	g.typingLock.Lock()
	_, ok := g.typingRooms[roomID]
	delete(g.typingRooms, roomID)
	g.typingLock.Unlock()
	if !ok {
		return nil
	}
	return errors.Wrap(g.intent.UserTyping(ctx, roomID, false, 0), "failed to cancel typing")
}
