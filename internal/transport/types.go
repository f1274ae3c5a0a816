package transport

import (
	"context"
	"time"
)

type User struct {
	ID   string
	Name string
}

type Message struct {
	ID       string
	ChatID   string // scope: discord text channel / telegram chat
	GuildID  string // discord only
	FromID   string
	FromName string
	Text     string
	Mentions []User
	Roles    []string // role names of the author (discord only)
	At       time.Time
}

type Update struct {
	Message *Message
}

type ChatTarget struct {
	ChatID string
}

type MessageRef struct {
	ChatID    string
	MessageID string
}

type SendOptions struct {
	DisablePreview bool
	ReplyTo        string // message id
	// Title renders the text as a titled card (discord embed, bold
	// heading on telegram).
	Title string
}

type Adapter interface {
	Name() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Disconnector removes a member from the platform scope a command was issued in.
type Disconnector interface {
	RemoveSubjectFromScope(ctx context.Context, subjectID, scopeID string) error
}

// Presenter renders platform-specific mentions, names and timestamps.
type Presenter interface {
	Mention(userID string) string
	TimeLabel(t time.Time) string
	// DisplayName resolves a member name within scope, falling back to
	// "Unknown User (<id>)".
	DisplayName(ctx context.Context, scopeID, userID string) string
}

// Platform is what a concrete transport provides to the app.
type Platform interface {
	Adapter
	Disconnector
	Presenter
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface for adapters with a native
// command menu (telegram).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
