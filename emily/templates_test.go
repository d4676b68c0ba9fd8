package emily

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestTemplates_Get(t *testing.T) {
	tmpl, err := NewTemplates(language.English, nil)
	require.NoError(t, err)

	assert.Equal(t, defaultTemplates[tmplNoPermission], tmpl.Get(tmplNoPermission))
	assert.Equal(
		t,
		"The command `ping` has been disabled!",
		tmpl.Get(tmplBlacklistDisabled, "ping"),
	)
	assert.Equal(t, "no_such_template", tmpl.Get("no_such_template"))
	assert.True(t, tmpl.Has(tmplPing))
	assert.False(t, tmpl.Has("no_such_template"))
}

func TestTemplates_Overrides(t *testing.T) {
	tmpl, err := NewTemplates(
		language.English,
		map[string]string{
			tmplBotPaused: "Taking a nap.",
			"custom_key":  "custom %s",
		},
	)
	require.NoError(t, err)

	assert.Equal(t, "Taking a nap.", tmpl.Get(tmplBotPaused))
	assert.Equal(t, "custom value", tmpl.Get("custom_key", "value"))
	assert.Contains(t, tmpl.Keys(), "custom_key")
}

func TestTemplates_Render(t *testing.T) {
	tmpl, err := NewTemplates(language.English, nil)
	require.NoError(t, err)

	assert.Equal(
		t,
		"I couldn't find the command `foo`.",
		tmpl.Render(replyError(ErrNotFound, tmplBlacklistNotFound, "foo")),
	)
}

func TestTemplates_KeysSorted(t *testing.T) {
	tmpl, err := NewTemplates(language.English, nil)
	require.NoError(t, err)

	keys := tmpl.Keys()
	require.Len(t, keys, len(defaultTemplates))
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
}
