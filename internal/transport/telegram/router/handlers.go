package router

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"guildbot/internal/control"
	"guildbot/internal/worker"
)

func (r *Router) builtins() []Command {
	return []Command{
		{Name: "help", Usage: "/help", Description: "List commands", Access: AccessEveryone, Handle: r.cmdHelp},
		{Name: "devices", Usage: "/devices", Description: "Show every device", Handle: r.cmdDevices},
		{Name: "status", Usage: "/status <port>", Description: "Worker status of a device", MinArgs: 1, Handle: r.cmdStatus},
		{Name: "start", Usage: "/start <port>...", Description: "Start device workers", MinArgs: 1, Handle: r.cmdStart},
		{Name: "stop", Usage: "/stop <port>...", Description: "Stop device workers", MinArgs: 1, Handle: r.cmdStop},
		{Name: "plan", Usage: "/plan <port>", Description: "Dry-run the next scan", MinArgs: 1, Handle: r.cmdPlan},
		{Name: "recent", Usage: "/recent <port> [n]", Description: "Recent journaled steps", MinArgs: 1, Handle: r.cmdRecent},
	}
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, c := range r.Commands() {
		cmd := r.cmds[c.Command]
		lock := ""
		if cmd.Access == AccessOwnerOnly {
			lock = " 🔒"
		}
		fmt.Fprintf(&b, "<code>%s</code> %s%s\n", html.EscapeString(cmd.Usage), html.EscapeString(cmd.Description), lock)
	}
	r.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (r *Router) cmdDevices(ctx context.Context, req *Request) error {
	list := r.opt.Control.Devices(ctx)
	if len(list) == 0 {
		r.reply(ctx, req, "No devices configured.")
		return nil
	}
	var b strings.Builder
	for _, d := range list {
		mark := "⚪"
		if d.Running {
			mark = "🟢"
		}
		fmt.Fprintf(&b, "%s %s  %d/%d enabled  %s\n", mark, d.Device, d.Enabled, d.Accounts, d.Status)
		if d.Err != "" {
			fmt.Fprintf(&b, "   ! %s\n", d.Err)
		}
	}
	r.reply(ctx, req, pre(strings.TrimRight(b.String(), "\n")))
	return nil
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	r.reply(ctx, req, pre(r.opt.Control.StatusText(req.Args[0])))
	return nil
}

func (r *Router) cmdStart(ctx context.Context, req *Request) error {
	lines := make([]string, 0, len(req.Args))
	for _, dev := range req.Args {
		started, err := r.opt.Control.StartWorker(ctx, dev)
		switch {
		case errors.Is(err, worker.ErrStopping):
			lines = append(lines, dev+": still stopping, retry shortly")
		case errors.Is(err, control.ErrNoAccounts):
			lines = append(lines, dev+": no enabled accounts")
		case err != nil:
			lines = append(lines, dev+": "+err.Error())
		case started:
			lines = append(lines, dev+": started")
		default:
			lines = append(lines, dev+": already running")
		}
	}
	r.reply(ctx, req, pre(strings.Join(lines, "\n")))
	return nil
}

func (r *Router) cmdStop(ctx context.Context, req *Request) error {
	lines := make([]string, 0, len(req.Args))
	for _, dev := range req.Args {
		if r.opt.Control.StopWorker(dev) {
			lines = append(lines, dev+": stopping")
		} else {
			lines = append(lines, dev+": not running")
		}
	}
	r.reply(ctx, req, pre(strings.Join(lines, "\n")))
	return nil
}

func (r *Router) cmdPlan(ctx context.Context, req *Request) error {
	dev := req.Args[0]
	wl, err := r.opt.Control.Plan(ctx, dev)
	if err != nil {
		return err
	}
	r.reply(ctx, req, pre(control.FormatPlan(dev, wl)))
	return nil
}

func (r *Router) cmdRecent(ctx context.Context, req *Request) error {
	if r.opt.Journal == nil {
		r.reply(ctx, req, "Journal is disabled.")
		return nil
	}
	n := 10
	if len(req.Args) > 1 {
		if _, err := fmt.Sscanf(req.Args[1], "%d", &n); err != nil || n <= 0 || n > 50 {
			return fmt.Errorf("n must be between 1 and 50")
		}
	}
	list, err := r.opt.Journal.RecentOutcomes(ctx, req.Args[0], n)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		r.reply(ctx, req, "Nothing journaled yet.")
		return nil
	}
	var b strings.Builder
	for _, o := range list {
		mark := "✓"
		if !o.OK {
			mark = "✗"
		}
		fmt.Fprintf(&b, "%s %s %s %s (%s)", o.At.Format("01-02 15:04"), mark, o.Account, o.Action, time.Duration(o.TookMS)*time.Millisecond)
		if o.Error != "" {
			b.WriteString(": " + o.Error)
		}
		b.WriteByte('\n')
	}
	r.reply(ctx, req, pre(strings.TrimRight(b.String(), "\n")))
	return nil
}
