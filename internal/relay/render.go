package relay

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/zulandar/modmail/internal/models"
	"github.com/zulandar/modmail/internal/platform"
)

// Colors used in thread renderings.
const (
	ColorInbound  = "#2196f3"
	ColorOutbound = "#36a64f"
	ColorInternal = "#9e9e9e"
	ColorWarning  = "#ff9800"
	ColorDeleted  = "#e53935"
)

// imageExts are the attachment extensions rendered inline as images.
var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

var linkPattern = regexp.MustCompile(`(?i)\bhttps?://[^\s<>]+|\bdiscord\.gg/\S+`)

// AttachmentKind classifies a filename as image or file.
func AttachmentKind(filename string) string {
	if imageExts[strings.ToLower(path.Ext(filename))] {
		return models.AttachmentImage
	}
	return models.AttachmentFile
}

// ContainsLink reports whether content carries a URL or invite.
func ContainsLink(content string) bool {
	return linkPattern.MatchString(content)
}

// Sender is the display identity attached to a rendering.
type Sender struct {
	ID        string
	Name      string
	AvatarURL string
}

// SenderFromUser converts a platform user.
func SenderFromUser(u platform.User) Sender {
	return Sender{ID: u.ID, Name: u.Username, AvatarURL: u.AvatarURL}
}

// RenderInbound renders a requester message for the thread channel. Edits
// are listed as a version trail under the current content.
func RenderInbound(from Sender, content string, edits []models.Edit, deleted bool) platform.Outbound {
	return platform.Outbound{Embeds: []platform.Embed{threadEmbed(from, content, edits, deleted, ColorInbound, "Requester")}}
}

// RenderOutboundThread renders a staff reply for the thread channel.
func RenderOutboundThread(from Sender, content string, anonymous bool, edits []models.Edit, deleted bool) platform.Outbound {
	footer := "Staff reply"
	if anonymous {
		footer = "Staff reply (anonymous)"
	}
	return platform.Outbound{Embeds: []platform.Embed{threadEmbed(from, content, edits, deleted, ColorOutbound, footer)}}
}

// RenderInternal renders a staff-internal note, used when replaying a
// thread into a new channel.
func RenderInternal(from Sender, content string, edits []models.Edit, deleted bool) platform.Outbound {
	return platform.Outbound{Embeds: []platform.Embed{threadEmbed(from, content, edits, deleted, ColorInternal, "Internal note")}}
}

// RenderOutboundDirect renders a staff reply for the requester's DM.
// Anonymous replies hide the staff member behind a generic name.
func RenderOutboundDirect(from Sender, content string, anonymous bool) platform.Outbound {
	e := platform.Embed{
		Description:   content,
		Color:         ColorOutbound,
		AuthorName:    from.Name,
		AuthorIconURL: from.AvatarURL,
		Footer:        "Staff reply",
	}
	if anonymous {
		e.AuthorName = "Staff"
		e.AuthorIconURL = ""
	}
	return platform.Outbound{Embeds: []platform.Embed{e}}
}

// RenderAttachment renders one relayed attachment for a channel.
func RenderAttachment(from Sender, a models.Attachment) platform.Outbound {
	e := platform.Embed{
		AuthorName: from.Name,
		Color:      ColorInbound,
		Footer:     "Attachment: " + a.Name,
	}
	if a.Kind == models.AttachmentImage {
		e.ImageURL = a.SourceURL
	} else {
		e.Description = fmt.Sprintf("[%s](%s)", a.Name, a.SourceURL)
	}
	return platform.Outbound{Embeds: []platform.Embed{e}}
}

// RenderLinkWarning is the passive notice posted when a message has links.
func RenderLinkWarning() platform.Outbound {
	return platform.Outbound{Embeds: []platform.Embed{{
		Title:       "Link detected",
		Description: "The message above contains a link. Check it before opening.",
		Color:       ColorWarning,
	}}}
}

func threadEmbed(from Sender, content string, edits []models.Edit, deleted bool, color, footer string) platform.Embed {
	e := platform.Embed{
		Description:   EditTrail(content, edits),
		Color:         color,
		AuthorName:    from.Name,
		AuthorIconURL: from.AvatarURL,
		Footer:        footer + " | " + from.ID,
	}
	if deleted {
		e.Color = ColorDeleted
		e.Title = "Message deleted"
	}
	return e
}

// EditTrail renders current content followed by "Version N: ..." lines for
// every prior version.
func EditTrail(content string, edits []models.Edit) string {
	if len(edits) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n")
	for _, e := range edits {
		fmt.Fprintf(&b, "\nVersion %d: %s", e.Version, e.Content)
	}
	return b.String()
}
