package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotBeFoRE/ei-noah-bot/einoah"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// scriptedPasswords returns a passwordReader handing out the given
// passwords in order
func scriptedPasswords(passwords ...string) passwordReader {
	idx := 0
	return func() ([]byte, error) {
		if idx >= len(passwords) {
			return nil, errors.New("no more passwords")
		}
		p := passwords[idx]
		idx++
		return []byte(p), nil
	}
}

func TestInitCommand(t *testing.T) {
	out := resetCommandState(t)

	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("EI_DATABASE_TYPE", "sqlite")
	t.Setenv("EI_DATABASE", dbPath)

	// too short, then a mismatch, then a match
	customPasswordReader = scriptedPasswords(
		"short",
		"testpassword", "testpasswort",
		"testpassword", "testpassword",
	)
	rootCmd.SetIn(strings.NewReader("\ntestadmin\n"))
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	require.NoError(t, err, "database file should exist")

	output := out.String()
	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Equal(t, 2, strings.Count(output, "Enter admin username:"))
	assert.Contains(t, output, "Password must be at least 8 characters.")
	assert.Contains(t, output, "Passwords do not match. Please try again.")
	assert.Contains(t, output, "Admin credentials set successfully.")
	assert.Contains(t, output, "Initialization complete")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var config einoah.RuntimeConfig
	require.NoError(t, db.First(&config).Error)
	assert.Equal(t, "testadmin", config.AdminUsername)
	assert.NotEqual(t, "testpassword", config.AdminPassword)
	valid, err := einoah.VerifyPassword(config.AdminPassword, "testpassword")
	require.NoError(t, err)
	assert.True(t, valid)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&einoah.Guild{}))
	assert.True(t, mg.HasTable(&einoah.User{}))
	assert.True(t, mg.HasTable(&einoah.GuildUser{}))
	assert.True(t, mg.HasTable(&einoah.Quote{}))
	assert.True(t, mg.HasTable(&einoah.RuntimeConfig{}))
	assert.True(t, mg.HasTable(&einoah.InteractionLog{}))

	// running it again leaves the credentials alone
	out.Reset()
	customPasswordReader = scriptedPasswords()
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Admin credentials are already set.")
	assert.NotContains(t, out.String(), "Enter admin username:")

	var count int64
	require.NoError(t, db.Model(&einoah.RuntimeConfig{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestInitCommand_PasswordReadError(t *testing.T) {
	resetCommandState(t)
	t.Setenv("EI_DATABASE_TYPE", "sqlite")
	t.Setenv("EI_DATABASE", filepath.Join(t.TempDir(), "test.db"))

	customPasswordReader = scriptedPasswords()
	rootCmd.SetIn(strings.NewReader("testadmin\n"))
	rootCmd.SetArgs([]string{"init"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading password")
}

func TestPromptCredentials_NoUsername(t *testing.T) {
	resetCommandState(t)
	customPasswordReader = scriptedPasswords("testpassword", "testpassword")

	var out strings.Builder
	_, _, err := promptCredentials(strings.NewReader(""), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading username")
}
