// Copyright 2024-2026 Aiku AI

// Package slackfmt converts Slack mrkdwn to HTML that a CommonMark renderer
// can take as input with raw HTML enabled.
package slackfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	codeBlockRe  = regexp.MustCompile("(?s)```\\n?(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`\\n]+)`")
	linkRe       = regexp.MustCompile(`<((?:https?://|mailto:)[^|>\s]+)(?:\|([^>]*))?>`)
	placeholder  = regexp.MustCompile("\x00(\\d+)\x00")
)

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;")

// ToHTML converts Slack markup in text to HTML. Markdown that Slack does not
// interpret, such as **bold** or "# " headings, is passed through for the
// markdown renderer that runs afterwards. Block quotes (lines starting with
// "> ") are left alone for the same reason.
func ToHTML(text string) string {
	// NUL marks placeholders below.
	text = strings.ReplaceAll(text, "\x00", "")
	if text == "" {
		return ""
	}

	var held []string
	hold := func(s string) string {
		held = append(held, s)
		return "\x00" + strconv.Itoa(len(held)-1) + "\x00"
	}

	// Step 1: Pull out everything whose content must not be touched.
	text = codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		content := codeBlockRe.FindStringSubmatch(match)[1]
		return hold("\n<pre><code>" + html.EscapeString(strings.TrimSuffix(content, "\n")) + "</code></pre>\n")
	})
	text = inlineCodeRe.ReplaceAllStringFunc(text, func(match string) string {
		// The renderer escapes code spans itself.
		return hold(match)
	})
	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		href, label := parts[1], parts[2]
		if label == "" {
			label = strings.TrimPrefix(href, "mailto:")
		}
		return hold(`<a href="` + html.EscapeString(href) + `">` + html.EscapeString(label) + `</a>`)
	})

	// Step 2: Escape what is left. ">" stays so quotes still parse.
	text = textEscaper.Replace(text)

	// Step 3: Inline styles.
	text = replaceDelimited(text, '*', "<strong>", "</strong>")
	text = replaceDelimited(text, '_', "<em>", "</em>")
	text = replaceDelimited(text, '~', "<del>", "</del>")

	// Step 4: Restore held spans.
	return placeholder.ReplaceAllStringFunc(text, func(match string) string {
		idx, err := strconv.Atoi(strings.Trim(match, "\x00"))
		if err != nil || idx >= len(held) {
			return match
		}
		return held[idx]
	})
}

// replaceDelimited wraps text between single delimiters, like *this*, in the
// given tags. A delimiter only opens at a word start and only closes at a word
// end, so snake_case names and doubled markers like **this** are untouched.
func replaceDelimited(text string, delim byte, open, close string) string {
	if strings.IndexByte(text, delim) < 0 {
		return text
	}
	var out strings.Builder
	i := 0
	for i < len(text) {
		if text[i] != delim || !canOpen(text, i, delim) {
			out.WriteByte(text[i])
			i++
			continue
		}
		end := findClose(text, i, delim)
		if end < 0 {
			out.WriteByte(text[i])
			i++
			continue
		}
		out.WriteString(open)
		out.WriteString(text[i+1 : end])
		out.WriteString(close)
		i = end + 1
	}
	return out.String()
}

func canOpen(text string, i int, delim byte) bool {
	if i+1 >= len(text) {
		return false
	}
	next := text[i+1]
	if next == delim || next == ' ' || next == '\n' || next == '\t' {
		return false
	}
	return i == 0 || !isWordByte(text[i-1]) && text[i-1] != delim
}

func findClose(text string, start int, delim byte) int {
	for j := start + 2; j < len(text); j++ {
		switch text[j] {
		case '\n':
			return -1
		case delim:
			prev := text[j-1]
			if prev == ' ' || prev == '\t' || prev == delim {
				continue
			}
			if j+1 < len(text) && (isWordByte(text[j+1]) || text[j+1] == delim) {
				continue
			}
			return j
		}
	}
	return -1
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b >= 0x80
}
