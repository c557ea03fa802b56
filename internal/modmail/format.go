package modmail

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/zulandar/modmail/internal/models"
	"github.com/zulandar/modmail/internal/platform"
	"github.com/zulandar/modmail/internal/relay"
)

// Notice colors.
const (
	ColorNotice = "#5865f2"
	ColorError  = "#e53935"
	ColorClosed = "#9e9e9e"
)

// notice renders a short bot notice.
func notice(title, body, color string) platform.Outbound {
	return platform.Outbound{Embeds: []platform.Embed{{
		Title:       title,
		Description: body,
		Color:       color,
	}}}
}

func noticeOpened(cat *models.Category) platform.Outbound {
	return notice("Message sent",
		fmt.Sprintf("Your thread in **%s** is open. Staff will answer here; keep writing to add to it.", cat.Name),
		ColorNotice)
}

func noticeTimedOut() platform.Outbound {
	return notice("No category chosen",
		"You did not pick a category in time. Answer again by resending your message.",
		ColorError)
}

func noticeInvalid(emoji string) platform.Outbound {
	return notice("Unknown category",
		fmt.Sprintf("%s is not one of the offered categories. Resend your message to try again.", emoji),
		ColorError)
}

func noticeNoCategories() platform.Outbound {
	return notice("Modmail unavailable", "There are no categories accepting messages right now.", ColorError)
}

func noticeAtCapacity(cat *models.Category) platform.Outbound {
	return notice("Category is full",
		fmt.Sprintf("**%s** has too many open threads. Please try again later.", cat.Name),
		ColorError)
}

func noticeMuted(cat *models.Category, till time.Time) platform.Outbound {
	return notice("You are muted",
		fmt.Sprintf("You are muted in **%s** until %s.", cat.Name, till.UTC().Format(time.RFC1123)),
		ColorError)
}

func noticeClosed() platform.Outbound {
	return notice("Thread closed",
		"Staff closed this thread. Send a new message if you need anything else.",
		ColorClosed)
}

func noticeForwarded(cat *models.Category) platform.Outbound {
	return notice("Thread moved",
		fmt.Sprintf("Your thread was moved to **%s**.", cat.Name),
		ColorNotice)
}

func noticeDuplicate() platform.Outbound {
	return notice("Message not delivered",
		"A thread for you was opened at the same moment, so this message was dropped. Please send it again.",
		ColorError)
}

func noticeFailed() platform.Outbound {
	return notice("Something went wrong",
		"Your message could not be delivered. Please try again later.",
		ColorError)
}

// threadHeader is the first message of a new thread channel.
func threadHeader(author platform.User, cat *models.Category, past int) platform.Outbound {
	e := platform.Embed{
		Title:         "New thread",
		Description:   fmt.Sprintf("<@%s> (%s)", author.ID, author.Username),
		Color:         ColorNotice,
		AuthorName:    author.Username,
		AuthorIconURL: author.AvatarURL,
		Footer:        "User ID " + author.ID,
		Fields: []platform.Field{
			{Name: "Category", Value: cat.Name, Inline: true},
			{Name: "Previous threads", Value: strconv.Itoa(past), Inline: true},
		},
	}
	if !author.CreatedAt.IsZero() {
		e.Fields = append(e.Fields, platform.Field{
			Name:   "Account created",
			Value:  author.CreatedAt.UTC().Format("2006-01-02"),
			Inline: true,
		})
	}
	return platform.Outbound{Embeds: []platform.Embed{e}}
}

// forwardHeader opens a replayed thread channel.
func forwardHeader(author platform.User, from, to *models.Category, by platform.User, count int) platform.Outbound {
	desc := fmt.Sprintf("Thread of <@%s> (%s) forwarded from **%s** to **%s** by %s. Replaying %d messages.",
		author.ID, author.Username, from.Name, to.Name, by.Username, count)
	return platform.Outbound{Embeds: []platform.Embed{{
		Title:       "Forwarded thread",
		Description: desc,
		Color:       ColorNotice,
		Footer:      "User ID " + author.ID,
	}}}
}

// closeSummary is posted to the log channel when a thread closes.
func closeSummary(t *models.Thread, cat *models.Category, by platform.User, messages int) platform.Outbound {
	name := t.CategoryID
	if cat != nil {
		name = cat.Name
	}
	return platform.Outbound{Embeds: []platform.Embed{{
		Title:       "Thread closed",
		Description: fmt.Sprintf("Thread `%s` of <@%s> closed by %s.", t.ID, t.AuthorID, by.Username),
		Color:       ColorClosed,
		Fields: []platform.Field{
			{Name: "Category", Value: name, Inline: true},
			{Name: "Messages", Value: strconv.Itoa(messages), Inline: true},
		},
	}}}
}

// channelName derives a thread channel name from the requester.
func channelName(u platform.User) string {
	var b strings.Builder
	for _, r := range strings.ToLower(u.Username) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == ' ' || r == '.':
			b.WriteByte('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "user"
	}
	if len(name) > 80 {
		name = name[:80]
	}
	suffix := u.ID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return name + "-" + suffix
}

var errBadDuration = errors.New("use a number followed by m, h or d, like 30m, 12h or 7d")

// parseDuration accepts Go durations plus a "d" suffix for days.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, errBadDuration
	}
	var d time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, errBadDuration
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, errBadDuration
		}
	}
	if d <= 0 {
		return 0, errBadDuration
	}
	return d, nil
}

// parseUserRef accepts a raw ID or a mention (<@id> / <@!id>).
func parseUserRef(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<@") && strings.HasSuffix(s, ">") {
		s = strings.TrimPrefix(strings.TrimSuffix(s[2:], ">"), "!")
	}
	if s == "" {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return s, true
}

// parseRoleRef accepts a raw ID or a role mention (<@&id>).
func parseRoleRef(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<@&") && strings.HasSuffix(s, ">") {
		s = s[3 : len(s)-1]
	}
	return parseUserRef(s)
}

// formatCategories renders the category list for staff.
func formatCategories(cats []models.Category) string {
	if len(cats) == 0 {
		return "No categories."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**Categories** (%d)\n", len(cats))
	for _, c := range cats {
		flags := []string{}
		if !c.IsActive {
			flags = append(flags, "inactive")
		}
		if c.IsPrivate {
			flags = append(flags, "private")
		}
		line := fmt.Sprintf("%s **%s**", c.Emoji, c.Name)
		if len(flags) > 0 {
			line += " (" + strings.Join(flags, ", ") + ")"
		}
		if c.Description != "" {
			line += " - " + c.Description
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// formatReplies renders the standard reply list.
func formatReplies(replies []models.StandardReply) string {
	if len(replies) == 0 {
		return "No standard replies."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**Standard replies** (%d)\n", len(replies))
	for _, r := range replies {
		text := r.Reply
		if len(text) > 60 {
			text = text[:57] + "..."
		}
		fmt.Fprintf(&b, "`%s` %s\n", r.Name, text)
	}
	return b.String()
}

// formatHistory renders an author's previous threads.
func formatHistory(authorID string, threads []models.Thread) string {
	if len(threads) == 0 {
		return fmt.Sprintf("<@%s> has no previous threads.", authorID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**Previous threads of <@%s>** (%d)\n", authorID, len(threads))
	for _, t := range threads {
		closed := "open"
		if t.ClosedAt != nil {
			closed = t.ClosedAt.UTC().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(&b, "`%s` opened %s, closed %s\n", t.ID, t.CreatedAt.UTC().Format("2006-01-02 15:04"), closed)
	}
	return b.String()
}

// replayRendering renders one stored message for a replayed channel.
func replayRendering(from relay.Sender, m *models.Message, authorID string) platform.Outbound {
	switch {
	case m.Internal:
		return relay.RenderInternal(from, m.Content, m.Edits, m.IsDeleted)
	case m.SenderID == authorID:
		return relay.RenderInbound(from, m.Content, m.Edits, m.IsDeleted)
	default:
		return relay.RenderOutboundThread(from, m.Content, m.Anonymous, m.Edits, m.IsDeleted)
	}
}
