package modmail

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/modmail/internal/bridge"
	"github.com/zulandar/modmail/internal/config"
	"github.com/zulandar/modmail/internal/platform"
)

// Daemon is the bot process. It connects to the platform, answers bridge
// requests, sweeps expired mutes and pumps inbound events into the
// Controller until its context is cancelled.
type Daemon struct {
	db        *gorm.DB
	cfg       *config.Config
	platform  platform.Platform
	transport bridge.Transport
	log       *zap.Logger
	out       io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	DB        *gorm.DB
	Config    *config.Config
	Platform  platform.Platform
	Transport bridge.Transport // optional; enables the RPC responder
	Logger    *zap.Logger
	Out       io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("modmail: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("modmail: config is required")
	}
	if opts.Platform == nil {
		return nil, fmt.Errorf("modmail: platform is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Transport == nil {
		fmt.Fprintf(out, "modmail: no bridge transport configured; RPC responder disabled\n")
	}
	return &Daemon{
		db:        opts.DB,
		cfg:       opts.Config,
		platform:  opts.Platform,
		transport: opts.Transport,
		log:       log,
		out:       out,
	}, nil
}

// Run connects the platform, builds the controller and blocks until ctx is
// cancelled. Events are handled in arrival order per channel. In-flight
// handlers finish before the platform is closed.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Modmail connecting...\n")
	if err := d.platform.Connect(ctx); err != nil {
		return fmt.Errorf("modmail: connect: %w", err)
	}

	ctrl, err := NewController(ControllerOpts{
		DB:         d.db,
		Platform:   d.platform,
		GuildID:    d.cfg.Guild.ID,
		LogChannel: d.cfg.Guild.LogChannel,
		MaxThreads: d.cfg.Limits.MaxThreads,
		PromptTime: d.cfg.Limits.PromptTime(),
		Logger:     d.log,
	})
	if err != nil {
		d.platform.Close()
		return fmt.Errorf("modmail: build controller: %w", err)
	}
	cmds, err := NewCommandHandler(CommandHandlerOpts{
		Controller: ctrl,
		Prefix:     d.cfg.Guild.Prefix,
		Logger:     d.log.Named("command"),
	})
	if err != nil {
		d.platform.Close()
		return fmt.Errorf("modmail: build command handler: %w", err)
	}

	sweep, err := newMuteSweep(ctx, d.cfg.Maintenance.MuteSweepCron, ctrl.Mutes(), d.log.Named("maintenance"))
	if err != nil {
		d.platform.Close()
		return err
	}

	inbound, err := d.platform.Listen(ctx)
	if err != nil {
		d.platform.Close()
		return fmt.Errorf("modmail: listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if d.transport != nil {
		responder, err := bridge.NewResponder(bridge.ResponderOpts{
			Transport:       d.transport,
			RequestChannel:  d.cfg.Redis.RequestChannel,
			ResponseChannel: d.cfg.Redis.ResponseChannel,
			Directory:       d.platform,
			Roles:           ctrl.Categories(),
			Logger:          d.log,
		})
		if err != nil {
			d.platform.Close()
			return fmt.Errorf("modmail: build responder: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := responder.Run(runCtx); err != nil {
				d.log.Error("responder stopped", zap.Error(err))
			}
		}()
	}

	sweep.Start()
	sweepMutes(ctx, ctrl.Mutes(), d.log.Named("maintenance"))
	d.log.Info("mute sweep scheduled",
		zap.String("cron", d.cfg.Maintenance.MuteSweepCron),
		zap.Duration("next", nextCronDuration(d.cfg.Maintenance.MuteSweepCron)),
	)
	fmt.Fprintf(d.out, "Modmail online\n")

	events := newEventQueue(func(ev platform.Event) {
		d.handle(runCtx, ctrl, cmds, ev)
	})

	shutdown := func() {
		cancel()
		<-sweep.Stop().Done()
		events.wait()
		wg.Wait()
		if err := d.platform.Close(); err != nil {
			d.log.Error("close platform", zap.Error(err))
		}
		fmt.Fprintf(d.out, "Modmail stopped\n")
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Modmail shutting down...\n")
			shutdown()
			return nil

		case ev, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Modmail inbound channel closed\n")
				shutdown()
				return nil
			}
			// Selection can block one requester for the prompt time;
			// other channels keep flowing.
			events.push(ev)
		}
	}
}

// handle routes one inbound event.
func (d *Daemon) handle(ctx context.Context, ctrl *Controller, cmds *CommandHandler, ev platform.Event) {
	msg := ev.Message
	if msg.Author.ID != "" && msg.Author.ID == d.platform.BotUserID() {
		return
	}
	if msg.Author.Bot {
		return
	}
	if !msg.IsDirect() && msg.GuildID != d.cfg.Guild.ID {
		return
	}

	var err error
	switch {
	case ev.Kind == platform.MessageCreated && msg.IsDirect():
		var outcome Outcome
		outcome, err = ctrl.HandleDirect(ctx, msg)
		if err != nil {
			ctrl.tell(ctx, msg.ChannelID, noticeFailed())
			break
		}
		d.log.Debug("direct message handled",
			zap.String("author_id", msg.Author.ID),
			zap.Stringer("outcome", outcome),
		)
	case ev.Kind == platform.MessageUpdated && msg.IsDirect():
		err = ctrl.HandleDirectEdit(ctx, msg)
	case ev.Kind == platform.MessageDeleted && msg.IsDirect():
		err = ctrl.HandleDirectDelete(ctx, msg.ID)
	case ev.Kind == platform.MessageCreated && cmds.IsCommand(msg.Content):
		if reply := cmds.Execute(ctx, msg); reply != "" {
			if _, serr := d.platform.Send(ctx, msg.ChannelID, platform.Outbound{Content: reply}); serr != nil {
				d.log.Warn("send command reply", zap.String("channel_id", msg.ChannelID), zap.Error(serr))
			}
		}
	case ev.Kind == platform.MessageCreated:
		err = ctrl.HandleStaffMessage(ctx, msg)
	case ev.Kind == platform.MessageUpdated:
		err = ctrl.HandleStaffEdit(ctx, msg)
	case ev.Kind == platform.MessageDeleted:
		err = ctrl.HandleStaffDelete(ctx, msg.ID)
	}
	if err != nil {
		d.log.Error("handle event",
			zap.Stringer("kind", ev.Kind),
			zap.String("message_id", msg.ID),
			zap.String("channel_id", msg.ChannelID),
			zap.Error(err),
		)
	}
}
