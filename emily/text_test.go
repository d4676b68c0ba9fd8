package emily

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortenString(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		limit int
		want  string
	}{
		{name: "fits", input: "Short string", limit: 20, want: "Short string"},
		{name: "exact", input: "Exactly twenty chars", limit: 20, want: "Exactly twenty chars"},
		{name: "blank lines squeezed", input: "a\n\nb\n\nc", limit: 5, want: "a\nb\nc"},
		{name: "bold squeezed", input: "**bold** text", limit: 9, want: "bold text"},
		{name: "cut below suffix", input: "Some **bold** text here", limit: 15, want: "Some bold text"},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				got := shortenString(tc.input, tc.limit)
				assert.Equal(t, tc.want, got)
				assert.LessOrEqual(t, len(got), tc.limit)
			},
		)
	}

	long := strings.Repeat("ab\n\n", discordMaxMessageLength)
	got := shortenString(long, discordMaxMessageLength)
	assert.LessOrEqual(t, len([]rune(got)), discordMaxMessageLength)
	assert.True(t, strings.HasSuffix(got, outputLimitSuffix))
	assert.NotContains(t, strings.TrimSuffix(got, outputLimitSuffix), "\n\n")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "пр", truncate("привет", 2))
}

func TestTokenizeArgs(t *testing.T) {
	testCases := []struct {
		input string
		want  []string
	}{
		{input: "", want: nil},
		{input: "   ", want: nil},
		{input: "help", want: []string{"help"}},
		{input: "config  prefix   !", want: []string{"config", "prefix", "!"}},
		{
			input: `config bot_channel "bot spam" now`,
			want:  []string{"config", "bot_channel", "bot spam", "now"},
		},
		{input: `say ""`, want: []string{"say", ""}},
		{input: "a\tb\nc", want: []string{"a", "b", "c"}},
		{input: `unterminated "quote here`, want: []string{"unterminated", "quote here"}},
	}
	for _, tc := range testCases {
		t.Run(
			tc.input, func(t *testing.T) {
				assert.Equal(t, tc.want, tokenizeArgs(tc.input))
			},
		)
	}
}

func TestMentionToID(t *testing.T) {
	const id = "123456789012345678"
	for _, s := range []string{"<@" + id + ">", "<@!" + id + ">", "<#" + id + ">", id} {
		assert.Equal(t, id, mentionToID(s), s)
	}
	assert.Empty(t, mentionToID("general"))
	assert.Empty(t, mentionToID("<@abc>"))
	assert.Empty(t, mentionToID("1234"))
	assert.Equal(t, "<#123>", channelMention("123"))
}

func TestStripBotMention(t *testing.T) {
	content, ok := stripBotMention("<@42> help me", "42")
	assert.True(t, ok)
	assert.Equal(t, "help me", content)

	content, ok = stripBotMention("<@!42>   config", "42")
	assert.True(t, ok)
	assert.Equal(t, "config", content)

	content, ok = stripBotMention("<@43> help", "42")
	assert.False(t, ok)
	assert.Equal(t, "<@43> help", content)

	_, ok = stripBotMention("<@42> help", "")
	assert.False(t, ok)
}

func TestMakeTable(t *testing.T) {
	assert.Equal(t, "```\na   b\nc\n```\n", makeTable([]string{"a", "b", "c"}, 4, 2))
	assert.Equal(t, "```\na\nb\n```\n", makeTable([]string{"a", "b"}, 4, 0))
	assert.Equal(t, "```\nfoo\n```\n", codeBlock("foo\n\n"))
}

func TestChunkItems(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}}, chunkItems(3, 1, 2, 3, 4, 5, 6))
	assert.Equal(t, [][]int{{1, 2, 3, 4}, {5, 6, 7}}, chunkItems(4, 1, 2, 3, 4, 5, 6, 7))
	assert.Equal(t, [][]int{{1, 2}}, chunkItems(5, 1, 2))
	assert.Nil(t, chunkItems[int](3))
}
