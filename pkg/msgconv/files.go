// Copyright 2024-2026 Aiku AI

package msgconv

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
)

// FileData is a downloaded Slack file the sender must upload before sending
// the part's content.
type FileData struct {
	Data     []byte
	Name     string
	MimeType string
}

func (mc *MessageConverter) convertFiles(ctx context.Context, msg *SlackMessageEvent) []*ConvertedPart {
	var parts []*ConvertedPart
	var creds *Credentials
	credsResolved := false
	for i := range msg.Files {
		file := &msg.Files[i]
		log := zerolog.Ctx(ctx).With().Str("slack_file_id", file.ID).Logger()
		if file.URLPrivate == "" {
			log.Debug().Msg("Skipping file without a private URL")
			continue
		}
		if !credsResolved {
			creds = mc.credentials(ctx, msg.Channel)
			credsResolved = true
		}
		if creds == nil || mc.MaxUploadSize > 0 && file.Size > mc.MaxUploadSize {
			parts = append(parts, linkPart(file))
			continue
		}
		apiCtx, cancel := mc.apiContext(ctx)
		data, err := mc.Slack.DownloadFile(apiCtx, creds.Token, file.URLPrivate)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to download file, sending a link instead")
			parts = append(parts, linkPart(file))
			continue
		}
		if file.IsSnippet() {
			if strings.TrimSpace(string(data)) == "" {
				log.Debug().Msg("Skipping empty snippet")
				continue
			}
			parts = append(parts, snippetPart(file, string(data)))
			continue
		}
		parts = append(parts, mediaPart(file, data))
	}
	return parts
}

func (mc *MessageConverter) credentials(ctx context.Context, channelID string) *Credentials {
	if mc.Files == nil || mc.Rooms == nil || mc.Slack == nil {
		return nil
	}
	room, err := mc.Rooms.GetBySlackChannelID(ctx, channelID)
	if err != nil || room == nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to find room for file credentials")
		return nil
	}
	return mc.Files.CredentialsForRoom(ctx, room)
}

func fileName(file *File) string {
	if file.Name != "" {
		return file.Name
	}
	if file.Title != "" {
		return file.Title
	}
	return file.ID
}

func linkPart(file *File) *ConvertedPart {
	url := file.URLPrivate
	if file.PublicURLShared && file.PermalinkPublic != "" {
		url = file.PermalinkPublic
	}
	name := fileName(file)
	return &ConvertedPart{Content: &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          fmt.Sprintf("%s (%s)", url, name),
		Format:        event.FormatHTML,
		FormattedBody: fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(name)),
	}}
}

func snippetPart(file *File, code string) *ConvertedPart {
	return &ConvertedPart{Content: &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "```\n" + code + "\n```",
		Format:  event.FormatHTML,
		FormattedBody: fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`,
			html.EscapeString(file.Filetype), html.EscapeString(code)),
	}}
}

func mediaPart(file *File, data []byte) *ConvertedPart {
	mimeType := file.Mimetype
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	msgType := event.MsgFile
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		msgType = event.MsgImage
	case strings.HasPrefix(mimeType, "video/"):
		msgType = event.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		msgType = event.MsgAudio
	}
	name := fileName(file)
	return &ConvertedPart{
		Content: &event.MessageEventContent{
			MsgType: msgType,
			Body:    name,
			Info: &event.FileInfo{
				MimeType: mimeType,
				Width:    file.OriginalW,
				Height:   file.OriginalH,
			},
		},
		File: &FileData{Data: data, Name: name, MimeType: mimeType},
	}
}
