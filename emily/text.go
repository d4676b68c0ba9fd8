package emily

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	userMentionPattern    = regexp.MustCompile(`^<@!?(\d+)>$`)
	channelMentionPattern = regexp.MustCompile(`^<#(\d+)>$`)
	snowflakePattern      = regexp.MustCompile(`^\d{15,21}$`)
)

const outputLimitSuffix = "\n\n**(output limit reached)**"

// shortenString fits s into limit bytes. Blank lines and bold markers
// are squeezed out first, then the text is cut and marked as truncated.
func shortenString(s string, limit int) string {
	squeeze := []func(string) string{
		func(s string) string { return s },
		func(s string) string { return strings.ReplaceAll(s, "\n\n", "\n") },
		func(s string) string { return strings.ReplaceAll(s, "**", "") },
	}
	for _, fn := range squeeze {
		s = fn(s)
		if len(s) <= limit {
			return s
		}
	}

	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	keep := limit - utf8.RuneCountInString(outputLimitSuffix)
	if keep <= 0 {
		return strings.TrimSpace(string(runes[:limit]))
	}
	return strings.TrimSpace(string(runes[:keep]) + outputLimitSuffix)
}

// truncate keeps the first n runes of s
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// tokenizeArgs splits a command line on whitespace, keeping
// double-quoted runs together (quotes dropped). `""` yields an empty
// argument.
func tokenizeArgs(s string) []string {
	var (
		args   []string
		arg    strings.Builder
		inArg  bool
		quoted bool
	)
	flush := func() {
		if inArg {
			args = append(args, arg.String())
			arg.Reset()
			inArg = false
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			inArg = true
		case unicode.IsSpace(r) && !quoted:
			flush()
		default:
			arg.WriteRune(r)
			inArg = true
		}
	}
	flush()
	return args
}

// mentionToID extracts the snowflake from `<@id>`, `<@!id>` or `<#id>`.
// Bare snowflakes pass through, anything else yields "".
func mentionToID(s string) string {
	for _, re := range []*regexp.Regexp{userMentionPattern, channelMentionPattern} {
		if m := re.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	if snowflakePattern.MatchString(s) {
		return s
	}
	return ""
}

func channelMention(channelID string) string {
	return "<#" + channelID + ">"
}

// stripBotMention trims a leading `<@userID>` or `<@!userID>` from
// content, reporting whether one was there
func stripBotMention(content string, userID string) (string, bool) {
	if userID == "" {
		return content, false
	}
	for _, mention := range []string{"<@" + userID + ">", "<@!" + userID + ">"} {
		if rest, ok := strings.CutPrefix(content, mention); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return content, false
}

// makeTable lays items out in a code block, columns per row, padding
// every cell but the last to columnWidth
func makeTable(items []string, columnWidth int, columns int) string {
	var sb strings.Builder
	for _, row := range chunkItems(max(columns, 1), items...) {
		last := len(row) - 1
		for _, item := range row[:last] {
			fmt.Fprintf(&sb, "%-*s", columnWidth, item)
		}
		sb.WriteString(row[last])
		sb.WriteByte('\n')
	}
	return codeBlock(sb.String())
}

// codeBlock fences s, dropping trailing newlines inside the fence
func codeBlock(s string) string {
	return "```\n" + strings.TrimRight(s, "\n") + "\n```\n"
}

// chunkItems splits items into rows of at most size elements
func chunkItems[T any](size int, items ...T) [][]T {
	var rows [][]T
	for len(items) > size {
		rows = append(rows, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		rows = append(rows, items)
	}
	return rows
}
