// Copyright 2024-2026 Aiku AI

package msgconv

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

var (
	channelRefPattern   = regexp.MustCompile(`<#(\w+)(?:\|[^>]*)?>`)
	userRefPattern      = regexp.MustCompile(`<@(\w+)(?:\|[^>]*)?>`)
	broadcastPattern    = regexp.MustCompile(`<!(?:channel|here|everyone)(?:\|[^>]*)?>`)
	matrixToLinkPattern = regexp.MustCompile(`<https://matrix\.to/#/@[^>|]+:[^>|]+\|([^>]+)>`)
)

var entityDecoder = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")

// replaceAllSubmatchFunc is regexp.ReplaceAllStringFunc with access to the
// capture groups of each match.
func replaceAllSubmatchFunc(re *regexp.Regexp, text string, repl func(groups []string) string) string {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var out strings.Builder
	last := 0
	for _, m := range matches {
		groups := make([]string, len(m)/2)
		for i := range groups {
			if m[2*i] >= 0 {
				groups[i] = text[m[2*i]:m[2*i+1]]
			}
		}
		out.WriteString(text[last:m[0]])
		out.WriteString(repl(groups))
		last = m[1]
	}
	out.WriteString(text[last:])
	return out.String()
}

// substituteEntities rewrites Slack's angle-bracket entities into text the
// markup pass understands. Channels are looked up at most once per call.
func (mc *MessageConverter) substituteEntities(ctx context.Context, text string, team teamInfo) string {
	channels := make(map[string]string)
	text = replaceAllSubmatchFunc(channelRefPattern, text, func(groups []string) string {
		ref, ok := channels[groups[1]]
		if !ok {
			ref = mc.channelReference(ctx, groups[1])
			channels[groups[1]] = ref
		}
		return ref
	})
	text = replaceAllSubmatchFunc(userRefPattern, text, func(groups []string) string {
		return mc.userReference(ctx, team, groups[1])
	})
	text = entityDecoder.Replace(text)
	text = broadcastPattern.ReplaceAllString(text, "@room")
	return emojify(text)
}

func (mc *MessageConverter) channelReference(ctx context.Context, channelID string) string {
	log := zerolog.Ctx(ctx).With().Str("mentioned_channel", channelID).Logger()
	if mc.Rooms != nil {
		room, err := mc.Rooms.GetBySlackChannelID(ctx, channelID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to look up bridged room for channel mention")
		} else if room != nil && mc.Bot != nil {
			alias, err := mc.Bot.CanonicalAlias(ctx, room.MatrixRoomID)
			if err != nil {
				log.Debug().Err(err).Msg("Bridged room has no canonical alias")
			} else if alias != "" {
				return alias.String()
			}
		}
	}
	if mc.Slack == nil {
		return "#" + channelID
	}
	apiCtx, cancel := mc.apiContext(ctx)
	defer cancel()
	name, err := mc.Slack.GetConversationName(apiCtx, channelID)
	if err != nil || name == "" {
		log.Warn().Err(err).Msg("Failed to get channel name for mention")
		return "#" + channelID
	}
	return "#" + name
}

func (mc *MessageConverter) userReference(ctx context.Context, team teamInfo, slackUserID string) string {
	if mc.Users == nil {
		return "@" + slackUserID
	}
	mxid, ok := mc.Users.MatrixUserForSlackUser(ctx, team.id, team.domain, slackUserID)
	if !ok {
		return mc.Users.NullGhostDisplayName(ctx, slackUserID)
	}
	name, ok := mc.Users.DisplayNameForUser(ctx, mxid)
	if !ok || name == "" {
		name = mxid.String()
	}
	return fmt.Sprintf("<https://matrix.to/#/%s|%s>", mxid, name)
}

// stripMatrixToLinks reduces Slack-style matrix.to links to their label for
// the plain body. Clients turn the label back into a pill from the HTML.
func stripMatrixToLinks(text string) string {
	return matrixToLinkPattern.ReplaceAllString(text, "$1")
}
