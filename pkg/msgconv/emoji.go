// Copyright 2024-2026 Aiku AI

package msgconv

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"go.mau.fi/util/variationselector"
)

var shortcodePattern = regexp.MustCompile(`:([a-zA-Z0-9_+'\-]+):`)

// Slack names that differ from the shared emoji data set.
var slackEmojiAliases = map[string]string{
	"simple_smile": "slightly_smiling_face",
}

var skinTones = map[string]string{
	"skin-tone-2": "1f3fb",
	"skin-tone-3": "1f3fc",
	"skin-tone-4": "1f3fd",
	"skin-tone-5": "1f3fe",
	"skin-tone-6": "1f3ff",
}

// EmojiFromShortcode converts a Slack emoji name, with or without colons, to
// Unicode. The second result is false for custom or unknown emoji.
func EmojiFromShortcode(name string) (string, bool) {
	name = strings.Trim(name, ":")
	if hex, ok := skinTones[name]; ok {
		return hexToUnicode(hex), true
	}
	// Reactions carry skin tones as "wave::skin-tone-3".
	if base, tone, ok := strings.Cut(name, "::"); ok {
		emoji, found := EmojiFromShortcode(base)
		if !found {
			return "", false
		}
		if modifier, found := EmojiFromShortcode(tone); found {
			return variationselector.Remove(emoji) + modifier, true
		}
		return emoji, true
	}
	if alias, ok := slackEmojiAliases[name]; ok {
		name = alias
	}
	hex, ok := model.SystemEmojis[strings.ReplaceAll(name, "-", "_")]
	if !ok {
		hex, ok = model.SystemEmojis[name]
	}
	if !ok {
		return "", false
	}
	emoji := hexToUnicode(hex)
	if emoji == "" {
		return "", false
	}
	return variationselector.Add(emoji), true
}

// emojify replaces every known :shortcode: in text. Unknown codes are kept as
// written, which also leaves clock times like 10:30:00 alone.
func emojify(text string) string {
	return replaceAllSubmatchFunc(shortcodePattern, text, func(groups []string) string {
		if emoji, ok := EmojiFromShortcode(groups[1]); ok {
			return emoji
		}
		return groups[0]
	})
}

// hexToUnicode converts a dash-separated list of code points, such as
// "1f441-fe0f-200d-1f5e8", into the string it encodes.
func hexToUnicode(hexStr string) string {
	var out strings.Builder
	for _, part := range strings.Split(hexStr, "-") {
		if cp, err := strconv.ParseInt(part, 16, 32); err == nil && cp > 0 {
			out.WriteRune(rune(cp))
		}
	}
	return out.String()
}
