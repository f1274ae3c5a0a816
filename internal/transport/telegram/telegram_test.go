package telegram

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	tele "gopkg.in/telebot.v4"

	kit "sleeptimer/internal/transport"
)

func TestToMessage(t *testing.T) {
	t.Parallel()

	bob := &tele.User{ID: 2, FirstName: "Bob"}
	carol := &tele.User{ID: 3, Username: "carol"}
	bot := &tele.User{ID: 9, FirstName: "bot", IsBot: true}
	m := &tele.Message{
		ID:       77,
		Unixtime: 1700000000,
		Chat:     &tele.Chat{ID: -100123},
		Sender:   &tele.User{ID: 1, FirstName: "Alice", LastName: "A"},
		Text:     "/d Bob 10m",
		Entities: tele.Entities{
			{Type: tele.EntityCommand, Offset: 0, Length: 2},
			{Type: tele.EntityTMention, Offset: 3, Length: 3, User: bob},
			{Type: tele.EntityTMention, Offset: 3, Length: 3, User: bob},
			{Type: tele.EntityTMention, User: bot},
		},
		ReplyTo: &tele.Message{Sender: carol},
	}

	want := &kit.Message{
		ID:       "77",
		ChatID:   "-100123",
		FromID:   "1",
		FromName: "Alice A",
		Text:     "/d Bob 10m",
		Mentions: []kit.User{{ID: "2", Name: "Bob"}, {ID: "3", Name: "carol"}},
		At:       time.Unix(1700000000, 0),
	}
	if diff := cmp.Diff(want, toMessage(m)); diff != "" {
		t.Fatalf("toMessage mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderHTML(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"plain <text> & more", "plain &lt;text&gt; &amp; more"},
		{"**Title** use `!d @x 10m`", "<b>Title</b> use <code>!d @x 10m</code>"},
		{mentionLink("42", "Bob & co") + " will be disconnected", `<a href="tg://user?id=42">Bob &amp; co</a> will be disconnected`},
		{`<a href="https://evil">x</a>`, `&lt;a href=&#34;https://evil&#34;&gt;x&lt;/a&gt;`},
	}
	for _, tc := range cases {
		if got := renderHTML(tc.in); got != tc.want {
			t.Fatalf("renderHTML(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNameCache(t *testing.T) {
	t.Parallel()

	c := newNameCache(2)
	c.put("1", "a")
	c.put("2", "b")
	c.put("", "x")
	if n, ok := c.get("2"); !ok || n != "b" {
		t.Fatalf("get(2) = %q, %v", n, ok)
	}
	c.put("3", "c") // full: cache resets
	if _, ok := c.get("1"); ok {
		t.Fatal("cache kept entries past its cap")
	}
	if n, _ := c.get("3"); n != "c" {
		t.Fatalf("get(3) = %q", n)
	}
}

func TestParseID(t *testing.T) {
	t.Parallel()
	if id, err := parseID(" -100 "); err != nil || id != -100 {
		t.Fatalf("parseID = %d, %v", id, err)
	}
	if _, err := parseID("abc"); err == nil {
		t.Fatal("parseID accepted abc")
	}
}
