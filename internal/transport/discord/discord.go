package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	rtsup "sleeptimer/internal/runtime/supervisor"
	kit "sleeptimer/internal/transport"
	logx "sleeptimer/pkg/logx"
)

const (
	textLimit  = 2000
	embedLimit = 4096
)

type Config struct {
	Token string
}

// Adapter connects to the Discord gateway and implements kit.Platform.
type Adapter struct {
	cfg Config
	log logx.Logger

	session *discordgo.Session
	out     atomic.Value // stores (chan<- kit.Update)

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64
	removeHandlers []func()
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	s.StateEnabled = true

	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "discord")), session: s}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	return a, nil
}

func (a *Adapter) Name() string { return "discord" }

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

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	name := ""
	if r.User != nil {
		name = r.User.Username
	}
	a.log.Info("discord session ready", logx.String("user", name), logx.Int("guilds", len(r.Guilds)))
}

func (a *Adapter) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	a.sendUpdate(kit.Update{Message: toMessage(s.State, m.Message)})
}

// toMessage converts a gateway message. Role ids on the author are resolved
// to names through state; unknown roles are skipped.
func toMessage(st *discordgo.State, m *discordgo.Message) *kit.Message {
	out := &kit.Message{
		ID:      m.ID,
		ChatID:  m.ChannelID,
		GuildID: m.GuildID,
		Text:    m.Content,
		At:      m.Timestamp,
	}
	if m.Author != nil {
		out.FromID = m.Author.ID
		out.FromName = m.Author.Username
	}
	for _, u := range m.Mentions {
		if u == nil {
			continue
		}
		out.Mentions = append(out.Mentions, kit.User{ID: u.ID, Name: u.Username})
	}
	if m.Member != nil && st != nil && m.GuildID != "" {
		for _, id := range m.Member.Roles {
			if r, err := st.Role(m.GuildID, id); err == nil && r != nil {
				out.Roles = append(out.Roles, r.Name)
			}
		}
	}
	return out
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.out.Store(out)
	a.removeHandlers = []func(){
		a.session.AddHandler(a.onReady),
		a.session.AddHandler(a.onMessage),
	}
	if err := a.session.Open(); err != nil {
		for _, rm := range a.removeHandlers {
			rm()
		}
		a.removeHandlers = nil
		var nilOut chan<- kit.Update
		a.out.Store(nilOut)
		a.runMu.Unlock()
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.running = true
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
	handlers := a.removeHandlers
	a.removeHandlers = nil
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	for _, rm := range handlers {
		rm()
	}
	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("discord stop wait", logx.Err(err))
		}
	}
	if err := a.session.Close(); err != nil {
		a.log.Warn("discord close", logx.Err(err))
	}
	a.log.Info("discord session closed")
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	rctx := discordgo.WithContext(ctx)

	if opt.Title != "" {
		var first kit.MessageRef
		for i, chunk := range kit.SplitText(text, embedLimit) {
			title := opt.Title
			if i > 0 {
				title = ""
			}
			msg, err := a.session.ChannelMessageSendEmbed(to.ChatID, &discordgo.MessageEmbed{Title: title, Description: chunk}, rctx)
			if err != nil {
				return first, err
			}
			if i == 0 {
				first = kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
			}
		}
		return first, nil
	}

	var first kit.MessageRef
	for i, chunk := range kit.SplitText(text, textLimit) {
		send := &discordgo.MessageSend{Content: chunk}
		if opt.DisablePreview {
			send.Flags = discordgo.MessageFlagsSuppressEmbeds
		}
		msg, err := a.session.ChannelMessageSendComplex(to.ChatID, send, rctx)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// RemoveSubjectFromScope moves the member out of whatever voice channel they
// are in. scopeID is the text channel the command came from; its guild is
// the target.
func (a *Adapter) RemoveSubjectFromScope(ctx context.Context, subjectID, scopeID string) error {
	guildID, err := a.guildOf(ctx, scopeID)
	if err != nil {
		return err
	}
	if err := a.session.GuildMemberMove(guildID, subjectID, nil, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: move member %s: %w", subjectID, err)
	}
	return nil
}

func (a *Adapter) guildOf(ctx context.Context, channelID string) (string, error) {
	if ch, err := a.session.State.Channel(channelID); err == nil && ch != nil && ch.GuildID != "" {
		return ch.GuildID, nil
	}
	ch, err := a.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: resolve channel %s: %w", channelID, err)
	}
	if ch.GuildID == "" {
		return "", fmt.Errorf("discord: channel %s is not in a guild", channelID)
	}
	return ch.GuildID, nil
}

func (a *Adapter) Mention(userID string) string { return "<@" + userID + ">" }

// TimeLabel renders a timestamp each client shows in its own timezone.
func (a *Adapter) TimeLabel(t time.Time) string { return fmt.Sprintf("<t:%d:T>", t.Unix()) }

func (a *Adapter) DisplayName(ctx context.Context, scopeID, userID string) string {
	guildID, err := a.guildOf(ctx, scopeID)
	if err == nil {
		m, err := a.session.State.Member(guildID, userID)
		if err != nil || m == nil {
			m, err = a.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
		}
		if err == nil && m != nil {
			if name := memberName(m); name != "" {
				return name
			}
		}
	}
	return "Unknown User (" + userID + ")"
}

func memberName(m *discordgo.Member) string {
	if m.Nick != "" {
		return m.Nick
	}
	if m.User == nil {
		return ""
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}
