package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sleeptimer/internal/disconnect"
	logx "sleeptimer/pkg/logx"
)

const (
	msgNoPermission   = "You don't have permission to use this bot."
	msgNeedMention    = "Please mention at least one user to disconnect."
	msgInvalidFormat  = "Invalid command format. Use a time like `10s`, `5m`, or `2h` at the end."
	msgQueueEmpty     = "The queue is empty."
	msgNothingRemoved = "There were no scheduled disconnects to remove."
	queueTitle        = "Disconnect-Queue"
)

func (r *Router) builtin() []Command {
	return []Command{
		{
			Name:        "disconnect",
			Aliases:     []string{"d"},
			Description: "schedule users to be disconnected from voice",
			Usage:       "d @user <duration>",
			Handle:      r.handleDisconnect,
		},
		{
			Name:        "cancel",
			Aliases:     []string{"c"},
			Description: "cancel a scheduled disconnect",
			Usage:       "c @user | cancel all",
			Handle:      r.handleCancel,
		},
		{
			Name:        "queue",
			Aliases:     []string{"q"},
			Description: "show scheduled disconnects",
			Usage:       "q [all]",
			Handle:      r.handleQueue,
		},
	}
}

func (r *Router) helpCommand() Command {
	return Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "h",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, helpText(req.Prefix))
		},
	}
}

func helpText(p string) string {
	var b strings.Builder
	b.WriteString("**Available Commands:**\n")
	fmt.Fprintf(&b, "**%sdisconnect / %sd @user <duration>** - Schedule a user to be disconnected from voice after a certain time.\n", p, p)
	b.WriteString("Duration can be in s (seconds), m (minutes), h (hours) or d (days). ")
	fmt.Fprintf(&b, "Example: `%sd @User 10m` will disconnect the user in 10 minutes.\n", p)
	fmt.Fprintf(&b, "**%scancel / %sc @user** - Cancel a scheduled disconnect for a user in the current channel. `%scancel all` removes every one.\n", p, p, p)
	fmt.Fprintf(&b, "**%squeue / %sq [all]** - Show scheduled disconnects with time remaining.\n", p, p)
	return b.String()
}

func (r *Router) handleDisconnect(ctx context.Context, req *Request) error {
	msg := req.Message
	if len(msg.Mentions) == 0 {
		return req.Reply(ctx, msgNeedMention)
	}
	if len(req.Args) == 0 {
		return req.Reply(ctx, msgInvalidFormat)
	}
	raw := req.Args[len(req.Args)-1]
	d, err := ParseDelay(raw, r.opts.MaxDuration)
	if errors.Is(err, ErrDurationTooLong) {
		limit := r.opts.MaxDuration
		if limit <= 0 {
			limit = maxDelay
		}
		return req.Reply(ctx, fmt.Sprintf("That is too long. The longest allowed delay is %s.", disconnect.Breakdown(limit)))
	}
	if err != nil {
		return req.Reply(ctx, msgInvalidFormat)
	}

	due := r.opts.Now().Add(d)
	var firstErr error
	for _, u := range msg.Mentions {
		if _, err := r.sched.Schedule(ctx, u.ID, msg.ChatID, due); err != nil {
			req.Logger.Warn("schedule failed", logx.String("subject", u.ID), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := req.Reply(ctx, fmt.Sprintf("%s will be disconnected from the voice channel in %s", r.presenter.Mention(u.ID), raw)); err != nil {
			req.Logger.Warn("confirmation failed", logx.Err(err))
		}
	}
	return firstErr
}

func (r *Router) handleCancel(ctx context.Context, req *Request) error {
	msg := req.Message
	if n := len(req.Args); n > 0 && strings.EqualFold(req.Args[n-1], "all") {
		removed, err := r.sched.CancelScope(ctx, msg.ChatID)
		if err != nil {
			return err
		}
		if removed == 0 {
			return req.Reply(ctx, msgNothingRemoved)
		}
		return req.Reply(ctx, fmt.Sprintf("Removed %d scheduled disconnect(s).", removed))
	}

	if len(msg.Mentions) == 0 {
		return req.Reply(ctx, fmt.Sprintf("Please mention a user to cancel the disconnect command or use `%scancel all`.", req.Prefix))
	}
	u := msg.Mentions[0]
	removed, err := r.sched.Cancel(ctx, msg.ChatID, u.ID)
	if err != nil {
		return err
	}
	mention := r.presenter.Mention(u.ID)
	if removed == 0 {
		return req.Reply(ctx, fmt.Sprintf("There is no disconnect command for %s in this channel.", mention))
	}
	return req.Reply(ctx, fmt.Sprintf("Disconnect command for %s has been removed.", mention))
}

func (r *Router) handleQueue(ctx context.Context, req *Request) error {
	scope := req.Message.ChatID
	if n := len(req.Args); n > 0 && strings.EqualFold(req.Args[n-1], "all") {
		scope = ""
	}
	recs := r.sched.List(scope)
	if len(recs) == 0 {
		return req.Reply(ctx, msgQueueEmpty)
	}

	now := r.opts.Now()
	var b strings.Builder
	for i, rec := range recs {
		label, left := disconnect.Describe(rec, now, r.presenter.TimeLabel)
		name := r.presenter.DisplayName(ctx, rec.ScopeID, rec.SubjectID)
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s will be disconnected at %s (in %s)", i+1, name, label, left)
	}
	return req.ReplyCard(ctx, queueTitle, b.String())
}
