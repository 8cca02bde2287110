// Copyright 2024-2026 Aiku AI

package msgconv

import (
	"strings"
)

// assembleText picks the text to render: Block Kit blocks when they produce
// anything, else legacy attachments, else the raw message text.
func assembleText(msg *SlackMessageEvent) string {
	if text := strings.TrimRight(renderBlocks(msg.Blocks), "\n"); text != "" {
		return text
	}
	var out strings.Builder
	for i := range msg.Attachments {
		out.WriteString(renderAttachment(&msg.Attachments[i]))
	}
	if text := strings.TrimRight(out.String(), "\n"); text != "" {
		return text
	}
	return msg.Text
}

func renderBlocks(blocks []Block) string {
	var out strings.Builder
	for i := range blocks {
		out.WriteString(renderBlock(&blocks[i]))
	}
	return out.String()
}

// renderBlock renders one layout block followed by a blank line. Block types
// without text content render as "".
func renderBlock(block *Block) string {
	var out strings.Builder
	switch block.Type {
	case "header":
		if block.Text != nil && block.Text.Text != "" {
			out.WriteString("# " + block.Text.Text + "\n")
		}
	case "section":
		if block.Text != nil && block.Text.Text != "" {
			out.WriteString(block.Text.Text + "\n")
			if len(block.Fields) > 0 {
				out.WriteString("\n")
			}
		}
		for _, field := range block.Fields {
			if field.Text != "" {
				out.WriteString(field.Text + "\n")
			}
		}
	case "context":
		for _, element := range block.Elements {
			if element.Text != "" {
				out.WriteString(element.Text + "\n")
			}
		}
	case "divider":
		out.WriteString("----\n")
	}
	if out.Len() > 0 {
		out.WriteString("\n")
	}
	return out.String()
}

// renderAttachment renders a legacy attachment as a block quote, with the
// pretext above it and a blank line after it so the next attachment starts a
// new quote.
func renderAttachment(att *Attachment) string {
	var content string
	switch {
	case len(att.Blocks) > 0:
		content = renderBlocks(att.Blocks)
	case att.Text == "":
		content = att.Fallback
	default:
		var out strings.Builder
		switch {
		case att.Title != "" && att.TitleLink != "":
			out.WriteString("**[" + att.Title + "](" + att.TitleLink + ")**\n")
		case att.Title != "":
			out.WriteString("**" + att.Title + "**\n")
		}
		if att.AuthorName != "" {
			out.WriteString("**" + att.AuthorName + "**\n")
		}
		out.WriteString(att.Text)
		content = out.String()
	}
	content = strings.TrimRight(content, "\n")
	if content == "" {
		return ""
	}
	quoted := "> " + strings.ReplaceAll(content, "\n", "\n> ") + "\n"
	if att.Pretext != "" {
		quoted = att.Pretext + "\n" + quoted
	}
	return quoted + "\n"
}
