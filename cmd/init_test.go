package cmd

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arcward/emily/emily"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// stubPasswords makes readPassword return each entry in turn
func stubPasswords(t *testing.T, entries ...string) {
	t.Helper()
	original := readPassword
	t.Cleanup(func() { readPassword = original })

	readPassword = func() ([]byte, error) {
		if len(entries) == 0 {
			return nil, errors.New("no more passwords")
		}
		next := entries[0]
		entries = entries[1:]
		return []byte(next), nil
	}
}

// executeRoot runs the root command with args, returning its output
func executeRoot(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(
		func() {
			rootCmd.SetIn(nil)
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
			rootCmd.SetArgs(nil)
			configFile = ""
		},
	)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestInitCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "emily.sqlite3")
	t.Setenv("EMILY_DATABASE_TYPE", "sqlite")
	t.Setenv("EMILY_DATABASE", dbPath)
	stubPasswords(t, "first", "second", "hunter2hunter2", "hunter2hunter2")

	output, err := executeRoot(t, "admin\n", "init")
	require.NoError(t, err)
	assert.Contains(t, output, "Let's set them up.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Equal(t, 1, strings.Count(output, "do not match"))
	assert.Contains(t, output, "Admin credentials set successfully")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var stored emily.RuntimeConfig
	require.NoError(t, db.First(&stored).Error)
	assert.Equal(t, "admin", stored.AdminUsername)
	valid, err := emily.VerifyPassword(stored.AdminPassword, "hunter2hunter2")
	require.NoError(t, err)
	assert.True(t, valid)

	for _, model := range []any{
		&emily.RuntimeConfig{},
		&emily.User{},
		&emily.Guild{},
		&emily.GuildSetting{},
		&emily.BlacklistCommand{},
		&emily.Song{},
	} {
		assert.True(t, db.Migrator().HasTable(model), "%T", model)
	}

	// a second run leaves the credentials alone
	output, err = executeRoot(t, "", "init")
	require.NoError(t, err)
	assert.Contains(t, output, "Admin credentials are already set.")
}

func TestInitCommand_EmptyUsername(t *testing.T) {
	t.Setenv("EMILY_DATABASE_TYPE", "sqlite")
	t.Setenv("EMILY_DATABASE", filepath.Join(t.TempDir(), "emily.sqlite3"))
	stubPasswords(t)

	_, err := executeRoot(t, "\n", "init")
	assert.ErrorContains(t, err, "username can't be empty")
}

func TestPromptCredentials_ReadError(t *testing.T) {
	stubPasswords(t, "only-one")
	var out bytes.Buffer
	_, _, err := promptCredentials(&out, strings.NewReader("admin\n"))
	assert.ErrorContains(t, err, "no more passwords")
}
