package discord

import (
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/go-cmp/cmp"

	kit "sleeptimer/internal/transport"
	logx "sleeptimer/pkg/logx"
)

func TestToMessage(t *testing.T) {
	t.Parallel()

	st := discordgo.NewState()
	if err := st.GuildAdd(&discordgo.Guild{
		ID:    "G1",
		Roles: []*discordgo.Role{{ID: "R1", Name: "DJ"}, {ID: "R2", Name: "member"}},
	}); err != nil {
		t.Fatalf("GuildAdd: %v", err)
	}

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := toMessage(st, &discordgo.Message{
		ID:        "M1",
		ChannelID: "C1",
		GuildID:   "G1",
		Content:   "!d <@2> 10m",
		Timestamp: at,
		Author:    &discordgo.User{ID: "1", Username: "alice"},
		Member:    &discordgo.Member{Roles: []string{"R1", "R9"}},
		Mentions:  []*discordgo.User{{ID: "2", Username: "bob"}, nil},
	})

	want := &kit.Message{
		ID:       "M1",
		ChatID:   "C1",
		GuildID:  "G1",
		FromID:   "1",
		FromName: "alice",
		Text:     "!d <@2> 10m",
		Mentions: []kit.User{{ID: "2", Name: "bob"}},
		Roles:    []string{"DJ"},
		At:       at,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("toMessage mismatch (-want +got):\n%s", diff)
	}
}

func TestMemberName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		m    *discordgo.Member
		want string
	}{
		{&discordgo.Member{Nick: "nick", User: &discordgo.User{Username: "u", GlobalName: "g"}}, "nick"},
		{&discordgo.Member{User: &discordgo.User{Username: "u", GlobalName: "g"}}, "g"},
		{&discordgo.Member{User: &discordgo.User{Username: "u"}}, "u"},
		{&discordgo.Member{}, ""},
	}
	for _, tc := range cases {
		if got := memberName(tc.m); got != tc.want {
			t.Fatalf("memberName = %q, want %q", got, tc.want)
		}
	}
}

func TestPresenter(t *testing.T) {
	t.Parallel()

	a, err := New(Config{Token: "x"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := a.Mention("42"); got != "<@42>" {
		t.Fatalf("Mention = %q", got)
	}
	if got := a.TimeLabel(time.Unix(1700000000, 0)); got != "<t:1700000000:T>" {
		t.Fatalf("TimeLabel = %q", got)
	}
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
}
