// Copyright 2024-2026 Aiku AI

package msgconv

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/aiku/mautrix-slack/pkg/connector/slackfmt"
)

var markdown = goldmark.New(
	goldmark.WithRendererOptions(
		html.WithUnsafe(),
		html.WithHardWraps(),
	),
)

var bodyEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

// renderHTML turns substituted Slack text into Matrix HTML. It returns "" when
// the result is just plain in a single paragraph.
func renderHTML(text, plain string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(slackfmt.ToHTML(text)), &buf); err != nil {
		return "", err
	}
	formatted := collapseNewlines(strings.TrimSpace(buf.String()))
	if formatted == "<p>"+bodyEscaper.Replace(plain)+"</p>" {
		return "", nil
	}
	return formatted, nil
}

// collapseNewlines drops newlines between HTML elements, keeping the ones
// inside <pre> blocks.
func collapseNewlines(formatted string) string {
	var out strings.Builder
	for {
		start := strings.Index(formatted, "<pre>")
		if start < 0 {
			out.WriteString(strings.ReplaceAll(formatted, "\n", ""))
			return out.String()
		}
		end := strings.Index(formatted[start:], "</pre>")
		if end < 0 {
			out.WriteString(strings.ReplaceAll(formatted[:start], "\n", ""))
			out.WriteString(formatted[start:])
			return out.String()
		}
		end += start + len("</pre>")
		out.WriteString(strings.ReplaceAll(formatted[:start], "\n", ""))
		out.WriteString(formatted[start:end])
		formatted = formatted[end:]
	}
}
