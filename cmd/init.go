package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dotBeFoRE/ei-noah-bot/einoah"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

// minPasswordLength matches what the admin API's setup endpoint accepts
const minPasswordLength = 8

// passwordReader reads a password without echoing it. Replaced in tests.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		db, err := einoah.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			defer sqlDB.Close()
		}

		var runtimeConfig einoah.RuntimeConfig
		if err = db.WithContext(ctx).Last(&runtimeConfig).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("error retrieving runtime config: %w", err)
			}
			runtimeConfig = einoah.DefaultRuntimeConfig()
			if err = db.WithContext(ctx).Create(&runtimeConfig).Error; err != nil {
				return fmt.Errorf("error creating runtime config: %w", err)
			}
		}

		out := cmd.OutOrStdout()
		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
			username, password, promptErr := promptCredentials(cmd.InOrStdin(), out)
			if promptErr != nil {
				return promptErr
			}

			hashedPassword, hashErr := einoah.HashPassword(password)
			if hashErr != nil {
				return fmt.Errorf("error hashing password: %w", hashErr)
			}
			if err = db.WithContext(ctx).Model(&runtimeConfig).Updates(
				map[string]any{
					"admin_username": username,
					"admin_password": hashedPassword,
				},
			).Error; err != nil {
				return fmt.Errorf("error updating admin credentials: %w", err)
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

// promptCredentials asks for a username, then for a password until it's
// long enough and confirmed
func promptCredentials(in io.Reader, out io.Writer) (string, string, error) {
	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(os.Stdin.Fd()))
		}
	}

	reader := bufio.NewReader(in)
	var username string
	for username == "" {
		fmt.Fprint(out, "Enter admin username: ")
		line, err := reader.ReadString('\n')
		username = strings.TrimSpace(line)
		if err != nil && username == "" {
			return "", "", fmt.Errorf("error reading username: %w", err)
		}
	}

	for {
		fmt.Fprint(out, "Enter admin password: ")
		password, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", "", fmt.Errorf("error reading password: %w", err)
		}
		if len(password) < minPasswordLength {
			fmt.Fprintf(out, "Password must be at least %d characters.\n", minPasswordLength)
			continue
		}

		fmt.Fprint(out, "Confirm admin password: ")
		confirm, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", "", fmt.Errorf("error reading password: %w", err)
		}
		if string(password) == string(confirm) {
			return username, string(password), nil
		}
		fmt.Fprintln(out, "Passwords do not match. Please try again.")
	}
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
