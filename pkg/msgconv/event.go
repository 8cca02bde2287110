// Copyright 2024-2026 Aiku AI

package msgconv

// Message subtypes the converter renders. Anything else, such as
// channel_join or channel_topic, is not user content.
const (
	SubtypeNone        = ""
	SubtypeMeMessage   = "me_message"
	SubtypeBotMessage  = "bot_message"
	SubtypeChanged     = "message_changed"
	SubtypeFileComment = "file_comment"
	SubtypeDeleted     = "message_deleted"
)

// SlackMessageEvent is a Slack "message" event as delivered by the Events
// API. Edits embed the new message and the previous version.
type SlackMessageEvent struct {
	Type       string `json:"type"`
	Subtype    string `json:"subtype,omitempty"`
	Channel    string `json:"channel"`
	User       string `json:"user,omitempty"`
	BotID      string `json:"bot_id,omitempty"`
	Username   string `json:"username,omitempty"`
	Team       string `json:"team,omitempty"`
	TeamID     string `json:"team_id,omitempty"`
	TeamDomain string `json:"team_domain,omitempty"`
	Text       string `json:"text,omitempty"`
	TS         string `json:"ts"`
	ThreadTS   string `json:"thread_ts,omitempty"`
	EventTS    string `json:"event_ts,omitempty"`
	DeletedTS  string `json:"deleted_ts,omitempty"`

	Blocks      []Block      `json:"blocks,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Files       []File       `json:"files,omitempty"`

	Message         *SlackMessageEvent `json:"message,omitempty"`
	PreviousMessage *SlackMessageEvent `json:"previous_message,omitempty"`
}

// IsInThread reports whether the message is a reply inside a thread.
func (e *SlackMessageEvent) IsInThread() bool {
	return e.ThreadTS != "" && e.ThreadTS != e.TS
}

// TeamIDOrFallback returns the team the message belongs to.
func (e *SlackMessageEvent) TeamIDOrFallback() string {
	if e.TeamID != "" {
		return e.TeamID
	}
	return e.Team
}

// TextObject is a Block Kit text object.
type TextObject struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Block is a Block Kit layout block. Only header, section, context and
// divider blocks carry content the converter renders.
type Block struct {
	Type     string       `json:"type"`
	Text     *TextObject  `json:"text,omitempty"`
	Fields   []TextObject `json:"fields,omitempty"`
	Elements []TextObject `json:"elements,omitempty"`
}

// Attachment is a legacy message attachment.
type Attachment struct {
	Fallback   string  `json:"fallback,omitempty"`
	Pretext    string  `json:"pretext,omitempty"`
	AuthorName string  `json:"author_name,omitempty"`
	Title      string  `json:"title,omitempty"`
	TitleLink  string  `json:"title_link,omitempty"`
	Text       string  `json:"text,omitempty"`
	Blocks     []Block `json:"blocks,omitempty"`
}

// File is a file shared in a message.
type File struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Title           string `json:"title,omitempty"`
	Mimetype        string `json:"mimetype,omitempty"`
	Filetype        string `json:"filetype,omitempty"`
	Mode            string `json:"mode,omitempty"`
	Size            int64  `json:"size,omitempty"`
	URLPrivate      string `json:"url_private,omitempty"`
	PermalinkPublic string `json:"permalink_public,omitempty"`
	PublicURLShared bool   `json:"public_url_shared,omitempty"`
	OriginalW       int    `json:"original_w,omitempty"`
	OriginalH       int    `json:"original_h,omitempty"`
}

// IsSnippet reports whether the file is a text snippet rendered inline.
func (f *File) IsSnippet() bool {
	return f.Mode == "snippet"
}

// EditContext is the part of a message_changed event the converter needs.
type EditContext struct {
	PreviousText string
	PreviousTS   string
}

// Flatten turns a message_changed event into a plain message carrying the
// new content, plus the edit context. Only the outer two levels are read; any
// history nested deeper in previous_message is ignored. Events of any other
// subtype are returned unchanged with a nil context.
func Flatten(evt *SlackMessageEvent) (*SlackMessageEvent, *EditContext) {
	if evt == nil || evt.Subtype != SubtypeChanged || evt.Message == nil {
		return evt, nil
	}
	inner := evt.Message
	flat := *evt
	flat.User = firstNonEmpty(inner.User, evt.User)
	flat.BotID = firstNonEmpty(inner.BotID, evt.BotID)
	flat.Username = firstNonEmpty(inner.Username, evt.Username)
	flat.Text = inner.Text
	flat.Blocks = inner.Blocks
	flat.Attachments = inner.Attachments
	flat.Files = inner.Files
	flat.ThreadTS = firstNonEmpty(inner.ThreadTS, evt.ThreadTS)
	flat.TeamID = firstNonEmpty(evt.TeamID, inner.TeamID, inner.Team)
	flat.Message = nil
	flat.PreviousMessage = nil

	if evt.PreviousMessage == nil || evt.PreviousMessage.Text == "" {
		return &flat, nil
	}
	return &flat, &EditContext{
		PreviousText: evt.PreviousMessage.Text,
		PreviousTS:   firstNonEmpty(evt.PreviousMessage.TS, inner.TS),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
