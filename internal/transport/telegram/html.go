package telegram

import (
	"html"
	"regexp"
)

// Outgoing text uses the light markup shared with discord: **bold**,
// `code` and mention links. It is escaped and rewritten to Bot API HTML.
var (
	mentionRe = regexp.MustCompile(`&lt;a href=&#34;tg://user\?id=(-?\d+)&#34;&gt;(.*?)&lt;/a&gt;`)
	boldRe    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	codeRe    = regexp.MustCompile("`([^`]+)`")
)

func escape(s string) string { return html.EscapeString(s) }

func mentionLink(userID, name string) string {
	return `<a href="tg://user?id=` + userID + `">` + name + `</a>`
}

func renderHTML(s string) string {
	s = escape(s)
	s = mentionRe.ReplaceAllString(s, `<a href="tg://user?id=$1">$2</a>`)
	s = boldRe.ReplaceAllString(s, "<b>$1</b>")
	s = codeRe.ReplaceAllString(s, "<code>$1</code>")
	return s
}
