package telegram

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "sleeptimer/internal/runtime/supervisor"
	kit "sleeptimer/internal/transport"
	logx "sleeptimer/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token       string
	PollTimeout time.Duration
	Location    *time.Location
}

// Adapter long-polls the Bot API and implements kit.Platform. Removing a
// subject from a chat is a ban followed by an unban, so they can rejoin.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64

	names *nameCache
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  strings.TrimSpace(cfg.Token),
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b, names: newNameCache(4096)}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Chat == nil || m.Sender == nil || m.Sender.IsBot {
		return nil
	}
	msg := toMessage(m)
	a.names.put(msg.FromID, msg.FromName)
	for _, u := range msg.Mentions {
		a.names.put(u.ID, u.Name)
	}
	a.sendUpdate(kit.Update{Message: msg})
	return nil
}

// toMessage converts a Bot API message. Mentions come from text_mention
// entities and the sender of a replied-to message; plain @username mentions
// carry no id and are ignored.
func toMessage(m *tele.Message) *kit.Message {
	out := &kit.Message{
		ID:     strconv.Itoa(m.ID),
		ChatID: strconv.FormatInt(m.Chat.ID, 10),
		Text:   m.Text,
		At:     m.Time(),
	}
	if m.Sender != nil {
		out.FromID = strconv.FormatInt(m.Sender.ID, 10)
		out.FromName = userName(m.Sender)
	}
	seen := map[int64]bool{}
	add := func(u *tele.User) {
		if u == nil || u.IsBot || seen[u.ID] {
			return
		}
		seen[u.ID] = true
		out.Mentions = append(out.Mentions, kit.User{ID: strconv.FormatInt(u.ID, 10), Name: userName(u)})
	}
	for _, e := range m.Entities {
		if e.Type == tele.EntityTMention {
			add(e.User)
		}
	}
	if m.ReplyTo != nil {
		add(m.ReplyTo.Sender)
	}
	return out
}

func userName(u *tele.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start blocks until Stop; restart it if it returns while still running.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if sup != nil {
		sup.Cancel()
	}

	// getUpdates may still be waiting on its long poll.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	if sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chatID, err := parseID(to.ChatID)
	if err != nil {
		return kit.MessageRef{}, err
	}
	chat := &tele.Chat{ID: chatID}

	var first kit.MessageRef
	for i, chunk := range kit.SplitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		body := renderHTML(chunk)
		sendOpt := &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: opt.DisablePreview,
		}
		if i == 0 {
			if opt.Title != "" {
				body = "<b>" + escape(opt.Title) + "</b>\n" + body
			}
			if id, err := strconv.Atoi(opt.ReplyTo); err == nil && id > 0 {
				sendOpt.ReplyTo = &tele.Message{ID: id, Chat: chat}
			}
		}
		msg, err := a.bot.Send(chat, body, sendOpt)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, MessageID: strconv.Itoa(msg.ID)}
		}
	}
	return first, nil
}

// RemoveSubjectFromScope kicks subjectID from the chat.
func (a *Adapter) RemoveSubjectFromScope(ctx context.Context, subjectID, scopeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := parseID(scopeID)
	if err != nil {
		return err
	}
	userID, err := parseID(subjectID)
	if err != nil {
		return err
	}
	chat := &tele.Chat{ID: chatID}
	user := &tele.User{ID: userID}
	if err := a.bot.Ban(chat, &tele.ChatMember{User: user}); err != nil {
		return fmt.Errorf("telegram: ban %d: %w", userID, err)
	}
	if err := a.bot.Unban(chat, user, true); err != nil {
		return fmt.Errorf("telegram: unban %d: %w", userID, err)
	}
	return nil
}

func (a *Adapter) Mention(userID string) string {
	name, ok := a.names.get(userID)
	if !ok {
		name = "user " + userID
	}
	return mentionLink(userID, name)
}

func (a *Adapter) TimeLabel(t time.Time) string {
	return t.In(a.cfg.Location).Format("2006-01-02 15:04:05 MST")
}

func (a *Adapter) DisplayName(ctx context.Context, scopeID, userID string) string {
	if name, ok := a.names.get(userID); ok {
		return name
	}
	chatID, err1 := parseID(scopeID)
	uid, err2 := parseID(userID)
	if err1 == nil && err2 == nil && ctx.Err() == nil {
		m, err := a.bot.ChatMemberOf(&tele.Chat{ID: chatID}, &tele.User{ID: uid})
		if err == nil && m != nil && m.User != nil {
			if name := userName(m.User); name != "" {
				a.names.put(userID, name)
				return name
			}
		}
	}
	return "Unknown User (" + userID + ")"
}

// UpdateMenuCommands sets the bot command menu. It only calls the API when
// the list changed since the last successful call.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	menu := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		menu = append(menu, tele.Command{Text: c.Command, Description: d})
		if len(menu) >= 100 {
			break
		}
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid id %q", s)
	}
	return id, nil
}

type nameCache struct {
	mu  sync.Mutex
	max int
	m   map[string]string
}

func newNameCache(n int) *nameCache {
	return &nameCache{max: n, m: map[string]string{}}
}

func (c *nameCache) put(id, name string) {
	if id == "" || name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.m) >= c.max {
		clear(c.m)
	}
	c.m[id] = name
}

func (c *nameCache) get(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.m[id]
	return n, ok
}
