package discord

import (
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/zulandar/modmail/internal/platform"
)

var permBits = map[platform.Permission]int64{
	platform.PermView:    discordgo.PermissionViewChannel,
	platform.PermSend:    discordgo.PermissionSendMessages,
	platform.PermHistory: discordgo.PermissionReadMessageHistory,
}

// buildEmbeds translates platform embeds into Discord embeds.
func buildEmbeds(embeds []platform.Embed) []*discordgo.MessageEmbed {
	if len(embeds) == 0 {
		return nil
	}
	out := make([]*discordgo.MessageEmbed, 0, len(embeds))
	for _, e := range embeds {
		embed := &discordgo.MessageEmbed{
			Title:       e.Title,
			Description: e.Description,
		}
		if e.Color != "" {
			embed.Color = parseHexColor(e.Color)
		}
		if e.AuthorName != "" {
			embed.Author = &discordgo.MessageEmbedAuthor{Name: e.AuthorName, IconURL: e.AuthorIconURL}
		}
		if e.Footer != "" {
			embed.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
		}
		if e.ImageURL != "" {
			embed.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
		}
		if !e.Timestamp.IsZero() {
			embed.Timestamp = e.Timestamp.Format(time.RFC3339)
		}
		for _, f := range e.Fields {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name:   f.Name,
				Value:  f.Value,
				Inline: f.Inline,
			})
		}
		out = append(out, embed)
	}
	return out
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// buildOverwrites maps platform overwrites to Discord. The everyone
// subject is the role sharing the guild's ID.
func buildOverwrites(guildID string, ows []platform.Overwrite) []*discordgo.PermissionOverwrite {
	out := make([]*discordgo.PermissionOverwrite, 0, len(ows))
	for _, ow := range ows {
		id := ow.Subject
		if id == platform.SubjectEveryone {
			id = guildID
		}
		typ := discordgo.PermissionOverwriteTypeRole
		if ow.Type == platform.OverwriteMember {
			typ = discordgo.PermissionOverwriteTypeMember
		}
		out = append(out, &discordgo.PermissionOverwrite{
			ID:    id,
			Type:  typ,
			Allow: permMask(ow.Allow),
			Deny:  permMask(ow.Deny),
		})
	}
	return out
}

func permMask(perms []platform.Permission) int64 {
	var mask int64
	for _, p := range perms {
		mask |= permBits[p]
	}
	return mask
}

func permNames(mask int64) []platform.Permission {
	var out []platform.Permission
	for _, p := range []platform.Permission{platform.PermView, platform.PermSend, platform.PermHistory} {
		if mask&permBits[p] != 0 {
			out = append(out, p)
		}
	}
	return out
}

func convertUser(u *discordgo.User) platform.User {
	if u == nil {
		return platform.User{}
	}
	created, _ := discordgo.SnowflakeTimestamp(u.ID)
	return platform.User{
		ID:        u.ID,
		Username:  u.Username,
		AvatarURL: u.AvatarURL(""),
		Bot:       u.Bot,
		CreatedAt: created,
	}
}

func convertMember(guildID string, m *discordgo.Member) platform.Member {
	return platform.Member{
		User:     convertUser(m.User),
		GuildID:  guildID,
		Nick:     m.Nick,
		Roles:    m.Roles,
		JoinedAt: m.JoinedAt,
	}
}

func convertChannel(ch *discordgo.Channel) platform.Channel {
	kind := platform.ChannelOther
	switch ch.Type {
	case discordgo.ChannelTypeGuildText:
		kind = platform.ChannelText
	case discordgo.ChannelTypeDM:
		kind = platform.ChannelDirect
	case discordgo.ChannelTypeGuildCategory:
		kind = platform.ChannelCategory
	}
	out := platform.Channel{
		ID:       ch.ID,
		GuildID:  ch.GuildID,
		ParentID: ch.ParentID,
		Name:     ch.Name,
		Topic:    ch.Topic,
		Kind:     kind,
	}
	for _, ow := range ch.PermissionOverwrites {
		typ := platform.OverwriteRole
		if ow.Type == discordgo.PermissionOverwriteTypeMember {
			typ = platform.OverwriteMember
		}
		subject := ow.ID
		if subject == ch.GuildID && typ == platform.OverwriteRole {
			subject = platform.SubjectEveryone
		}
		out.Overwrites = append(out.Overwrites, platform.Overwrite{
			Subject: subject,
			Type:    typ,
			Allow:   permNames(ow.Allow),
			Deny:    permNames(ow.Deny),
		})
	}
	return out
}
