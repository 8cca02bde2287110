// Copyright 2024-2026 Aiku AI

// Package msgconv converts Slack message events into Matrix message content.
package msgconv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-slack/pkg/metrics"
)

const defaultAPITimeout = 10 * time.Second

// ConvertedPart is one Matrix message produced from a Slack event.
type ConvertedPart struct {
	Content *event.MessageEventContent
	// Extra is merged into the event JSON when sending.
	Extra map[string]any
	// File is set for media parts. It must be uploaded and Content.URL
	// filled in before sending.
	File *FileData
}

// IsEdit reports whether the part replaces an earlier Matrix event.
func (p *ConvertedPart) IsEdit() bool {
	return p.Content.RelatesTo != nil && p.Content.RelatesTo.Type == event.RelReplace
}

// MessageConverter turns Slack message events into Matrix content. All
// collaborators are optional; a missing one degrades the output instead of
// failing the conversion.
type MessageConverter struct {
	DB    Datastore
	Rooms RoomDirectory
	Bot   MatrixBot
	Users UserDirectory
	Slack SlackAPI
	Files FileAccess

	// MaxUploadSize is the largest file that is bridged as media. Larger
	// files are sent as links. Zero means no limit.
	MaxUploadSize int64
	// APITimeout bounds each Slack API call and file download.
	APITimeout time.Duration

	Metrics *metrics.Metrics
}

type teamInfo struct {
	id     string
	domain string
}

// IsHandledSubtype reports whether a message subtype carries user content.
func IsHandledSubtype(subtype string) bool {
	switch subtype {
	case SubtypeNone, SubtypeMeMessage, SubtypeBotMessage, SubtypeChanged, SubtypeFileComment:
		return true
	default:
		return false
	}
}

// Convert translates evt into zero or more Matrix messages. The text part
// comes first so replies and edits can target it, followed by one part per
// file. Lookup failures are logged and degrade to plain text;
// the only error returned is cancellation of ctx.
func (mc *MessageConverter) Convert(ctx context.Context, evt *SlackMessageEvent) ([]*ConvertedPart, error) {
	if evt == nil || !IsHandledSubtype(evt.Subtype) {
		mc.Metrics.ObserveConversion("skipped")
		return nil, nil
	}
	msg, edit := Flatten(evt)
	log := zerolog.Ctx(ctx).With().
		Str("slack_channel_id", msg.Channel).
		Str("slack_ts", msg.TS).
		Logger()
	ctx = log.WithContext(ctx)

	if msg.Subtype == SubtypeMeMessage {
		mc.Metrics.ObserveConversion("emote")
		return []*ConvertedPart{{
			Content: &event.MessageEventContent{MsgType: event.MsgEmote, Body: msg.Text},
		}}, nil
	}

	var parts []*ConvertedPart
	// Files were bridged with the original message.
	if msg.Subtype != SubtypeChanged {
		parts = mc.convertFiles(ctx, msg)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := assembleText(msg)
	if text == "" {
		if len(parts) == 0 {
			mc.Metrics.ObserveConversion("empty")
		} else {
			mc.Metrics.ObserveConversion("files")
		}
		return parts, nil
	}

	team := mc.lookupTeam(ctx, msg)
	content := mc.renderText(ctx, text, team)
	if edit != nil {
		mc.applyEdit(ctx, msg, edit, team, content)
	}
	part := &ConvertedPart{Content: content}
	part.Extra = externalURLExtra(msg, edit, team, part.IsEdit())
	parts = append([]*ConvertedPart{part}, parts...)

	if part.IsEdit() {
		mc.Metrics.ObserveConversion("edit")
	} else {
		mc.Metrics.ObserveConversion("message")
	}
	return parts, nil
}

func (mc *MessageConverter) renderText(ctx context.Context, text string, team teamInfo) *event.MessageEventContent {
	substituted := mc.substituteEntities(ctx, text, team)
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    stripMatrixToLinks(substituted),
	}
	formatted, err := renderHTML(substituted, content.Body)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to render message HTML, sending plain text")
	} else if formatted != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	return content
}

// applyEdit turns content into a replacement for the Matrix event bridged
// from the edited message. When that event is unknown the content is left as
// a new message.
func (mc *MessageConverter) applyEdit(ctx context.Context, msg *SlackMessageEvent, edit *EditContext, team teamInfo, content *event.MessageEventContent) {
	log := zerolog.Ctx(ctx).With().Str("edited_ts", edit.PreviousTS).Logger()
	if mc.DB == nil {
		return
	}
	prior, err := mc.DB.GetEventBySlackID(ctx, msg.Channel, edit.PreviousTS)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to look up edited message, sending as a new message")
		return
	} else if prior == nil {
		log.Warn().Msg("Edited message was never bridged, sending as a new message")
		return
	}

	previous := mc.renderText(ctx, edit.PreviousText, team)
	diff := diffWords(previous.Body, content.Body)
	newContent := *content
	content.NewContent = &newContent
	content.Body = diff.Body()
	content.Format = event.FormatHTML
	content.FormattedBody = diff.HTML()
	content.RelatesTo = &event.RelatesTo{Type: event.RelReplace, EventID: prior.EventID}
}

func (mc *MessageConverter) lookupTeam(ctx context.Context, msg *SlackMessageEvent) teamInfo {
	team := teamInfo{id: msg.TeamIDOrFallback(), domain: msg.TeamDomain}
	if team.domain != "" || team.id == "" || mc.DB == nil {
		return team
	}
	stored, err := mc.DB.GetTeam(ctx, team.id)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("slack_team_id", team.id).Msg("Failed to get team")
	} else if stored != nil {
		team.domain = stored.Domain
	}
	return team
}

// SlackPermalink builds the web URL of a Slack message.
func SlackPermalink(teamDomain, channelID, ts, threadTS string) string {
	url := fmt.Sprintf("https://%s.slack.com/archives/%s/p%s", teamDomain, channelID, strings.ReplaceAll(ts, ".", ""))
	if threadTS != "" {
		url += "?thread_ts=" + strings.ReplaceAll(threadTS, ".", "")
	}
	return url
}

func externalURLExtra(msg *SlackMessageEvent, edit *EditContext, team teamInfo, isEdit bool) map[string]any {
	if team.domain == "" {
		return nil
	}
	ts := msg.TS
	if edit != nil {
		ts = edit.PreviousTS
	}
	url := SlackPermalink(team.domain, msg.Channel, ts, msg.ThreadTS)
	if isEdit {
		return map[string]any{"m.new_content": map[string]any{"external_url": url}}
	}
	return map[string]any{"external_url": url}
}

func (mc *MessageConverter) apiContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := mc.APITimeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	return context.WithTimeout(ctx, timeout)
}
