package commands

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sleeptimer/internal/disconnect"
	"sleeptimer/internal/runtime/supervisor"
	kit "sleeptimer/internal/transport"
	logx "sleeptimer/pkg/logx"
)

// Scheduler is the part of the disconnect registry commands drive.
type Scheduler interface {
	Schedule(ctx context.Context, subjectID, scopeID string, dueAt time.Time) (disconnect.ScheduledAction, error)
	Cancel(ctx context.Context, scopeID, subjectID string) (int, error)
	CancelScope(ctx context.Context, scopeID string) (int, error)
	List(scopeID string) []disconnect.ScheduledAction
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string        // without prefix, e.g. "d @user 10m"
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Message *kit.Message
	Command string
	Args    []string
	Prefix  string
	ReqID   string
	Logger  logx.Logger

	adapter kit.Adapter
}

func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: r.Message.ChatID}, text, &kit.SendOptions{DisablePreview: true, ReplyTo: r.Message.ID})
	return err
}

// ReplyCard sends text under a title (an embed on discord).
func (r *Request) ReplyCard(ctx context.Context, title, text string) error {
	_, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: r.Message.ChatID}, text, &kit.SendOptions{DisablePreview: true, Title: title})
	return err
}

type Options struct {
	Prefix      string
	Workers     int
	QueueSize   int
	Timeout     time.Duration // per-request, 0 = none
	MaxDuration time.Duration
	Now         func() time.Time
}

type Router struct {
	mu     sync.RWMutex
	cmds   []Command
	alias  map[string]Command
	prefix string

	opts      Options
	log       logx.Logger
	adapter   kit.Adapter
	presenter kit.Presenter
	sched     Scheduler
	access    *Access

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func New(opts Options, adapter kit.Adapter, presenter kit.Presenter, sched Scheduler, access *Access, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Prefix == "" {
		opts.Prefix = "!"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Router{
		prefix:    opts.Prefix,
		opts:      opts,
		log:       log.With(logx.String("comp", "commands")),
		adapter:   adapter,
		presenter: presenter,
		sched:     sched,
		access:    access,
		jobs:      make(chan func(), opts.QueueSize),
	}
	r.SetRegistry(r.builtin())
	return r
}

// SetRegistry replaces the command table. help is always present.
func (r *Router) SetRegistry(cmds []Command) {
	alias := map[string]Command{}
	kept := make([]Command, 0, len(cmds)+1)
	hasHelp := false
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		kept = append(kept, c)
		alias[name] = c
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := alias[a]; !exists {
				alias[a] = c
			}
		}
		if name == "help" {
			hasHelp = true
		}
	}
	if !hasHelp {
		h := r.helpCommand()
		kept = append(kept, h)
		alias[h.Name] = h
		for _, a := range h.Aliases {
			alias[a] = h
		}
	}

	r.mu.Lock()
	r.cmds = kept
	r.alias = alias
	r.mu.Unlock()
}

func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.cmds...)
}

func (r *Router) Prefix() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prefix
}

// MenuCommands lists canonical command names for native command menus.
func (r *Router) MenuCommands() []kit.BotCommand {
	cmds := r.Commands()
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// PublishMenu pushes MenuCommands to adapters that support a command menu.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(cctx, r.MenuCommands())
}

func (r *Router) setSupervisor(sup *supervisor.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// Supervisor returns the worker pool supervisor, nil if not running.
func (r *Router) Supervisor() *supervisor.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if !r.running {
		return nil
	}
	return r.sup
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop consumes updates until ctx is done or updates is closed,
// running matched commands on a bounded worker pool.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := r.opts.Workers
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 2)
	}

	sup := supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			r.setSupervisor(sup, false)
			close(r.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			supervisor.WithPublishFirstError(true),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.setSupervisor(nil, false)
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.routeMessage(ctx, up.Message)
		}
	}
}

// Dispatch runs the command in msg synchronously. It reports whether msg
// was a known command.
func (r *Router) Dispatch(ctx context.Context, msg *kit.Message) (bool, error) {
	h, req := r.match(msg)
	if h == nil {
		return false, nil
	}
	return true, h(ctx, req)
}

func (r *Router) routeMessage(ctx context.Context, msg *kit.Message) {
	h, req := r.match(msg)
	if h == nil {
		return
	}
	if !r.tryEnqueue(func() { _ = h(ctx, req) }) {
		req.Logger.Warn("command queue full")
		_ = req.Reply(ctx, "busy, try again")
	}
}

func (r *Router) match(msg *kit.Message) (HandlerFunc, *Request) {
	if msg == nil {
		return nil, nil
	}
	r.mu.RLock()
	prefix := r.prefix
	alias := r.alias
	r.mu.RUnlock()

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, prefix) {
		return nil, nil
	}
	parts := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(parts) == 0 {
		return nil, nil
	}
	word := strings.ToLower(parts[0])
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	cmd, ok := alias[word]
	if !ok {
		return nil, nil
	}

	rid := uuid.NewString()
	req := &Request{
		Message: msg,
		Command: cmd.Name,
		Args:    parts[1:],
		Prefix:  prefix,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.String("scope", msg.ChatID),
			logx.String("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		adapter: r.adapter,
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.opts.Timeout
	}
	return Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWAccess(r.access),
		MWTimeout(timeout),
	), req
}
