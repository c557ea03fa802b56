package modmail

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/zulandar/modmail/internal/perms"
	"github.com/zulandar/modmail/internal/platform"
)

// DefaultPrefix starts staff commands.
const DefaultPrefix = "="

// CommandHandler parses staff commands and runs them on the Controller.
type CommandHandler struct {
	ctrl   *Controller
	prefix string
	log    *zap.Logger
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Controller *Controller
	Prefix     string // defaults to "="
	Logger     *zap.Logger
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.Controller == nil {
		return nil, fmt.Errorf("modmail: command handler: controller is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &CommandHandler{ctrl: opts.Controller, prefix: opts.Prefix, log: log}, nil
}

// IsCommand reports whether text starts with the command prefix.
func (h *CommandHandler) IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), h.prefix)
}

// parseCommand strips the prefix and splits off the verb. rest keeps its
// inner whitespace so replies are relayed as typed.
func parseCommand(prefix, text string) (verb, rest string) {
	text = strings.TrimSpace(text)
	text = strings.TrimSpace(strings.TrimPrefix(text, prefix))
	if text == "" {
		return "", ""
	}
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return strings.ToLower(text), ""
	}
	return strings.ToLower(text[:i]), strings.TrimSpace(text[i:])
}

// Execute runs one command posted in a guild channel and returns the text
// to answer with. An empty answer means nothing should be posted.
func (h *CommandHandler) Execute(ctx context.Context, msg platform.Message) string {
	verb, rest := parseCommand(h.prefix, msg.Content)
	id := h.ctrl.Identity(ctx, msg.Author.ID)
	ch := msg.ChannelID

	var (
		out string
		err error
	)
	switch verb {
	case "", "help":
		return h.helpText()
	case "reply", "r":
		_, err = h.ctrl.Reply(ctx, id, ch, rest, false)
	case "areply", "ar":
		_, err = h.ctrl.Reply(ctx, id, ch, rest, true)
	case "edit":
		out, err = h.cmdEdit(ctx, id, ch, rest)
	case "delete":
		if err = h.ctrl.DeleteLast(ctx, id, ch); err == nil {
			out = "Reply deleted."
		}
	case "close":
		err = h.ctrl.Close(ctx, id, ch)
	case "forward":
		err = h.cmdForward(ctx, id, ch, rest)
	case "history":
		out, err = h.cmdHistory(ctx, id, ch)
	case "mute":
		out, err = h.cmdMute(ctx, id, ch, rest)
	case "unmute":
		out, err = h.cmdUnmute(ctx, id, ch, rest)
	case "categories":
		out, err = h.cmdCategories(ctx, id)
	case "setrole":
		out, err = h.cmdSetRole(ctx, id, rest)
	case "removerole":
		out, err = h.cmdRemoveRole(ctx, id, rest)
	case "sr":
		_, err = h.ctrl.StandardReply(ctx, id, ch, rest, false)
	case "asr":
		_, err = h.ctrl.StandardReply(ctx, id, ch, rest, true)
	case "addreply":
		out, err = h.cmdAddReply(ctx, id, rest)
	case "removereply":
		out, err = h.cmdRemoveReply(ctx, id, rest)
	case "replies":
		out, err = h.cmdReplies(ctx)
	default:
		return fmt.Sprintf("Unknown command: `%s`\n\n%s", verb, h.helpText())
	}

	if err != nil {
		text, expected := describe(err)
		if !expected {
			h.log.Error("command failed",
				zap.String("command", verb),
				zap.String("user_id", msg.Author.ID),
				zap.String("channel_id", ch),
				zap.Error(err),
			)
		}
		return text
	}
	return out
}

func (h *CommandHandler) cmdEdit(ctx context.Context, id perms.Identity, ch, content string) (string, error) {
	changed, err := h.ctrl.EditLast(ctx, id, ch, content)
	if err != nil {
		return "", err
	}
	if !changed {
		return "Reply unchanged.", nil
	}
	return "Reply edited.", nil
}

// cmdForward handles "forward <category> [admin]".
func (h *CommandHandler) cmdForward(ctx context.Context, id perms.Identity, ch, rest string) error {
	args := strings.Fields(rest)
	adminOnly := false
	if n := len(args); n > 1 && (args[n-1] == "admin" || args[n-1] == "--admin") {
		adminOnly = true
		args = args[:n-1]
	}
	if len(args) == 0 {
		return ErrInvalidCategory
	}
	return h.ctrl.Forward(ctx, id, ch, strings.Join(args, " "), adminOnly)
}

func (h *CommandHandler) cmdHistory(ctx context.Context, id perms.Identity, ch string) (string, error) {
	authorID, threads, err := h.ctrl.History(ctx, id, ch)
	if err != nil {
		return "", err
	}
	return formatHistory(authorID, threads), nil
}

// cmdMute handles "mute <user> <duration> [reason]" in a thread or
// category channel.
func (h *CommandHandler) cmdMute(ctx context.Context, id perms.Identity, ch, rest string) (string, error) {
	args := strings.Fields(rest)
	if len(args) < 2 {
		return "Usage: `" + h.prefix + "mute <user> <duration> [reason]`", nil
	}
	target, ok := parseUserRef(args[0])
	if !ok {
		return "", ErrInvalidMuteTarget
	}
	d, err := parseDuration(args[1])
	if err != nil {
		return "", err
	}
	cat, err := h.ctrl.CategoryForChannel(ctx, ch)
	if err != nil {
		return "", err
	}
	st, err := h.ctrl.Mute(ctx, id, cat.ID, target, d, strings.Join(args[2:], " "))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Muted <@%s> in **%s** until %s.", target, cat.Name, st.Till.UTC().Format(time.RFC1123)), nil
}

func (h *CommandHandler) cmdUnmute(ctx context.Context, id perms.Identity, ch, rest string) (string, error) {
	target, ok := parseUserRef(rest)
	if !ok {
		return "Usage: `" + h.prefix + "unmute <user>`", nil
	}
	cat, err := h.ctrl.CategoryForChannel(ctx, ch)
	if err != nil {
		return "", err
	}
	lifted, err := h.ctrl.Unmute(ctx, id, cat.ID, target)
	if err != nil {
		return "", err
	}
	if !lifted {
		return fmt.Sprintf("<@%s> is not muted in **%s**.", target, cat.Name), nil
	}
	return fmt.Sprintf("Unmuted <@%s> in **%s**.", target, cat.Name), nil
}

func (h *CommandHandler) cmdCategories(ctx context.Context, id perms.Identity) (string, error) {
	cats, err := h.ctrl.ListCategories(ctx, id)
	if err != nil {
		return "", err
	}
	return formatCategories(cats), nil
}

// cmdSetRole handles "setrole <category> <role> <mod|admin>". The category
// name may contain spaces.
func (h *CommandHandler) cmdSetRole(ctx context.Context, id perms.Identity, rest string) (string, error) {
	args := strings.Fields(rest)
	if len(args) < 3 {
		return "Usage: `" + h.prefix + "setrole <category> <role> <mod|admin>`", nil
	}
	n := len(args)
	role, ok := parseRoleRef(args[n-2])
	if !ok {
		return "", ErrInvalidRole
	}
	level := strings.ToLower(args[n-1])
	name := strings.Join(args[:n-2], " ")
	if err := h.ctrl.SetRole(ctx, id, name, role, level); err != nil {
		return "", err
	}
	return fmt.Sprintf("<@&%s> is now %s in **%s**.", role, level, name), nil
}

func (h *CommandHandler) cmdRemoveRole(ctx context.Context, id perms.Identity, rest string) (string, error) {
	args := strings.Fields(rest)
	if len(args) < 2 {
		return "Usage: `" + h.prefix + "removerole <category> <role>`", nil
	}
	n := len(args)
	role, ok := parseRoleRef(args[n-1])
	if !ok {
		return "", ErrInvalidRole
	}
	name := strings.Join(args[:n-1], " ")
	removed, err := h.ctrl.RemoveRole(ctx, id, name, role)
	if err != nil {
		return "", err
	}
	if !removed {
		return fmt.Sprintf("<@&%s> has no role in **%s**.", role, name), nil
	}
	return fmt.Sprintf("Removed <@&%s> from **%s**.", role, name), nil
}

func (h *CommandHandler) cmdAddReply(ctx context.Context, id perms.Identity, rest string) (string, error) {
	name, text := parseCommand("", rest)
	if name == "" || text == "" {
		return "Usage: `" + h.prefix + "addreply <name> <text>`", nil
	}
	if _, err := h.ctrl.AddStandardReply(ctx, id, name, text); err != nil {
		return "", err
	}
	return fmt.Sprintf("Saved standard reply `%s`.", name), nil
}

func (h *CommandHandler) cmdRemoveReply(ctx context.Context, id perms.Identity, rest string) (string, error) {
	if rest == "" {
		return "Usage: `" + h.prefix + "removereply <name>`", nil
	}
	removed, err := h.ctrl.RemoveStandardReply(ctx, id, rest)
	if err != nil {
		return "", err
	}
	if !removed {
		return "", ErrUnknownReply
	}
	return fmt.Sprintf("Removed standard reply `%s`.", rest), nil
}

func (h *CommandHandler) cmdReplies(ctx context.Context) (string, error) {
	replies, err := h.ctrl.ListStandardReplies(ctx)
	if err != nil {
		return "", err
	}
	return formatReplies(replies), nil
}

// helpText returns usage information for all commands.
func (h *CommandHandler) helpText() string {
	p := h.prefix
	return "**Modmail Commands**\n" +
		"`" + p + "reply <text>` / `" + p + "areply <text>` - Reply to the requester (anonymously)\n" +
		"`" + p + "edit <text>` - Edit your last reply\n" +
		"`" + p + "delete` - Delete your last reply\n" +
		"`" + p + "sr <name>` / `" + p + "asr <name>` - Send a standard reply\n" +
		"`" + p + "close` - Close this thread\n" +
		"`" + p + "forward <category> [admin]` - Move this thread\n" +
		"`" + p + "history` - Previous threads of this requester\n" +
		"`" + p + "mute <user> <30m|12h|7d> [reason]` / `" + p + "unmute <user>` - Mute in this category\n" +
		"`" + p + "categories` - List categories\n" +
		"`" + p + "setrole <category> <role> <mod|admin>` / `" + p + "removerole <category> <role>` - Staff roles\n" +
		"`" + p + "replies` / `" + p + "addreply <name> <text>` / `" + p + "removereply <name>` - Standard replies\n" +
		"`" + p + "help` - This message"
}
