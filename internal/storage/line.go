package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	logx "sleeptimer/pkg/logx"
)

// Naive ISO-8601 layouts (no offset), as written by older versions of the
// pending file. They are read in the configured location.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// FormatLine encodes r as "subject scope dueAt".
func FormatLine(r Record) string {
	return r.SubjectID + " " + r.ScopeID + " " + r.DueAt.Format(time.RFC3339Nano)
}

// ParseLine decodes one line. The line is split into at most three
// whitespace-separated fields; the remainder is the timestamp.
func ParseLine(line string, loc *time.Location) (Record, error) {
	line = strings.TrimSpace(line)
	subject, rest, ok := cutSpace(line)
	if !ok {
		return Record{}, fmt.Errorf("%w: want 3 fields", ErrMalformed)
	}
	scope, ts, ok := cutSpace(rest)
	if !ok || ts == "" {
		return Record{}, fmt.Errorf("%w: want 3 fields", ErrMalformed)
	}
	due, err := parseDue(ts, loc)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Record{SubjectID: subject, ScopeID: scope, DueAt: due}, nil
}

func cutSpace(s string) (head, tail string, ok bool) {
	i := strings.IndexAny(s, " \t")
	if i <= 0 {
		return "", "", false
	}
	return s[:i], strings.TrimSpace(s[i+1:]), true
}

func parseDue(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}

// maxLineLen caps a single record line. Longer lines are skipped whole.
const maxLineLen = 4 << 10

// decodeLines reads records from r, skipping blank, malformed and oversized
// lines. Only a read error aborts the load.
func decodeLines(r io.Reader, loc *time.Location, log logx.Logger) ([]Record, error) {
	var out []Record
	br := bufio.NewReader(r)
	for n := 1; ; n++ {
		line, tooLong, err := readLine(br)
		if err != nil && !errors.Is(err, io.EOF) {
			return out, err
		}
		switch {
		case tooLong:
			log.Warn("skipping oversized record", logx.Int("line", n), logx.String("raw", truncate(line, 64)))
		case strings.TrimSpace(line) == "":
		default:
			rec, perr := ParseLine(line, loc)
			if perr != nil {
				log.Warn("skipping malformed record", logx.Int("line", n), logx.String("raw", truncate(line, 256)), logx.Err(perr))
				break
			}
			out = append(out, rec)
		}
		if err != nil {
			return out, nil
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// maxLineLen is consumed to its end and reported as tooLong; only its head
// is kept.
func readLine(br *bufio.Reader) (line string, tooLong bool, err error) {
	var b strings.Builder
	for {
		chunk, isPrefix, rerr := br.ReadLine()
		if room := maxLineLen + 1 - b.Len(); room > 0 {
			b.Write(chunk[:min(len(chunk), room)])
		}
		if b.Len() > maxLineLen {
			tooLong = true
		}
		if rerr != nil {
			return b.String(), tooLong, rerr
		}
		if !isPrefix {
			return b.String(), tooLong, nil
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
