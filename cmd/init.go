package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/arcward/emily/emily"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// readPassword reads a line from the terminal without echo. Tests
// replace it.
var readPassword = func() ([]byte, error) {
	return term.ReadPassword(int(os.Stdin.Fd()))
}

var errPasswordMismatch = errors.New("passwords are empty or do not match")

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and set the admin API credentials",
	Long: "Creates and migrates the database, then prompts for the admin " +
		"username and password if they haven't been set yet.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		switch {
		case cfg.DatabaseType == "":
			return errors.New("EMILY_DATABASE_TYPE must be sqlite or postgres")
		case cfg.Database == "":
			return errors.New("EMILY_DATABASE must be a sqlite file path or postgres DSN")
		}

		db, runtimeConfig, err := emily.InitDatabase(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return err
		}

		if runtimeConfig.AdminUsername != "" && runtimeConfig.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
			fmt.Fprintln(out, "Initialization complete.")
			return nil
		}

		fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")
		username, password, err := promptCredentials(out, cmd.InOrStdin())
		if err != nil {
			return err
		}
		if err = emily.SaveAdminCredentials(ctx, db, runtimeConfig, username, password); err != nil {
			return err
		}

		fmt.Fprintln(out, "Admin credentials set successfully.")
		fmt.Fprintln(out, "Initialization complete. Start the bot with `emily run`.")
		return nil
	},
}

// promptCredentials asks for a username, then a password until it's
// entered twice the same way
func promptCredentials(out io.Writer, in io.Reader) (username, password string, err error) {
	fmt.Fprint(out, "Enter admin username: ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", "", fmt.Errorf("error reading username: %w", err)
	}
	if username = strings.TrimSpace(line); username == "" {
		return "", "", errors.New("username can't be empty")
	}

	for {
		password, err = confirmPassword(out)
		if !errors.Is(err, errPasswordMismatch) {
			return username, password, err
		}
		fmt.Fprintln(out, "Passwords are empty or do not match. Please try again.")
	}
}

func confirmPassword(out io.Writer) (string, error) {
	var entries [2]string
	for i, prompt := range []string{"Enter admin password: ", "Confirm admin password: "} {
		fmt.Fprint(out, prompt)
		b, err := readPassword()
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("error reading password: %w", err)
		}
		entries[i] = string(b)
	}
	if entries[0] == "" || entries[0] != entries[1] {
		return "", errPasswordMismatch
	}
	return entries[0], nil
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
