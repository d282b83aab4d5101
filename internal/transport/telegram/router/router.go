// Package router dispatches Telegram commands to the control surface.
package router

import (
	"context"
	"html"
	"runtime"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"guildbot/internal/control"
	"guildbot/internal/eligibility"
	"guildbot/internal/runtime/supervisor"
	"guildbot/internal/storage"
	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
)

// Control is the part of control.Surface the router drives.
type Control interface {
	StartWorker(ctx context.Context, device string) (bool, error)
	StopWorker(device string) bool
	StatusText(device string) string
	Devices(ctx context.Context) []control.DeviceSummary
	Plan(ctx context.Context, device string) (eligibility.Worklist, error)
}

var _ Control = (*control.Surface)(nil)

type Access int

const (
	AccessOwnerOnly Access = iota
	AccessEveryone
)

type Command struct {
	Name        string
	Usage       string
	Description string
	Access      Access
	// MinArgs is checked before Handle runs.
	MinArgs int
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Message kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Logger  logx.Logger
}

type Options struct {
	Sender  kit.Sender
	Control Control
	// Journal is optional; /recent needs it.
	Journal storage.Store
	Owners  []int64
	Timeout time.Duration
	Log     logx.Logger
}

type Router struct {
	opt  Options
	log  logx.Logger
	cmds map[string]Command
	jobs chan func()

	mu     sync.RWMutex
	owners []int64
}

func New(opt Options) *Router {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 30 * time.Second
	}
	r := &Router{
		opt:    opt,
		log:    opt.Log.With(logx.String("comp", "telegram.router")),
		cmds:   map[string]Command{},
		jobs:   make(chan func(), 64),
		owners: slices.Clone(opt.Owners),
	}
	for _, c := range r.builtins() {
		r.cmds[c.Name] = c
	}
	return r
}

// SetOwners replaces the owner list used for owner-only commands.
func (r *Router) SetOwners(owners []int64) {
	r.mu.Lock()
	r.owners = slices.Clone(owners)
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// Commands lists the menu entries in name order.
func (r *Router) Commands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// DispatchLoop routes messages from updates to a bounded worker pool until
// ctx ends or updates closes.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Message) error {
	workers := max(runtime.NumCPU(), 2)
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log), supervisor.WithCancelOnError(false))
	for i := 0; i < workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, msg)
		}
	}
}

func (r *Router) route(ctx context.Context, msg kit.Message) {
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	req := &Request{
		Message: msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		Command: name,
		Args:    args,
		Logger:  r.log.With(logx.String("cmd", name), logx.Int64("from_id", msg.FromID)),
	}
	select {
	case r.jobs <- func() { _ = r.Handle(ctx, req) }:
	default:
		r.log.Warn("command dropped (workers busy)", logx.String("cmd", name))
		r.reply(ctx, req, "⏳ Busy, try again in a moment.")
	}
}

// Handle runs one request synchronously.
func (r *Router) Handle(ctx context.Context, req *Request) error {
	cmd, ok := r.cmds[req.Command]
	if !ok {
		r.reply(ctx, req, "❓ Unknown command. Try /help.")
		return nil
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(req.FromID) {
		r.reply(ctx, req, "⛔ Owner only.")
		return nil
	}
	if len(req.Args) < cmd.MinArgs {
		r.reply(ctx, req, "Usage: <code>"+html.EscapeString(cmd.Usage)+"</code>")
		return nil
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.opt.Timeout
	}
	h := Chain(cmd.Handle, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(timeout))
	err := h(ctx, req)
	if err != nil {
		r.reply(ctx, req, "❌ "+html.EscapeString(err.Error()))
	}
	return err
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	if r.opt.Sender == nil {
		return
	}
	_, err := r.opt.Sender.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}

// parseCommand splits "/cmd@bot a b" into ("cmd", [a b]).
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, false
	}
	return strings.ToLower(word), parts[1:], true
}

func pre(s string) string { return "<pre>" + html.EscapeString(s) + "</pre>" }
