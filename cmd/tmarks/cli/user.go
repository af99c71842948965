package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/tmarks/tmarks/internal/apperr"
	"github.com/tmarks/tmarks/internal/config"
	"github.com/tmarks/tmarks/internal/model"
	"github.com/tmarks/tmarks/internal/service"
)

const minPasswordLength = 8

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
		Long:  "Create and list the accounts that can sign in and own API keys.",
	}

	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserListCmd())
	cmd.AddCommand(newUserSessionsCmd())

	return cmd
}

// ---------- user create ----------

func newUserCreateCmd() *cobra.Command {
	var (
		username string
		email    string
		password string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new user",
		Example: `  tmarks user create --username alice --email alice@example.com --password secret123
  tmarks user create --username alice --email alice@example.com  # prompts for password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				pw, err := promptPassword()
				if err != nil {
					return err
				}
				password = pw
			}
			cfg, err := loadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()
			return runUserCreate(cmd.Context(), cmd.OutOrStdout(), store, username, email, password)
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Login name (required)")
	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("email")

	return cmd
}

func promptPassword() (string, error) {
	fmt.Print("Password: ")
	pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Println()

	fmt.Print("Confirm password: ")
	confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	fmt.Println()

	if string(pwBytes) != string(confirmBytes) {
		return "", errors.New("passwords do not match")
	}
	return string(pwBytes), nil
}

func runUserCreate(ctx context.Context, out io.Writer, store *config.Store, username, email, password string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New("username is required")
	}
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address: %q", email)
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}

	hash, err := service.NewBcryptHasher().Hash(password)
	if err != nil {
		return err
	}

	u := &model.User{Username: username, Email: strings.TrimSpace(email), PasswordHash: hash}
	if err := store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, config.ErrConflict) {
			return apperr.Conflict("username or email already taken", err)
		}
		return err
	}

	fmt.Fprintf(out, "Created user %q (id %s)\n", u.Username, u.ID)
	return nil
}

// ---------- user list ----------

func newUserListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all users",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()
			return runUserList(cmd.Context(), cmd.OutOrStdout(), store, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runUserList(ctx context.Context, out io.Writer, store *config.Store, jsonOutput bool) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	if jsonOutput {
		public := make([]model.PublicUser, 0, len(users))
		for i := range users {
			public = append(public, users[i].Public())
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(public)
	}

	if len(users) == 0 {
		fmt.Fprintln(out, "No users. Use 'tmarks user create' to add one.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL\tROLE\tCREATED")
	for i := range users {
		p := users[i].Public()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Username, p.Email, p.Role,
			users[i].CreatedAt.Format("2006-01-02"))
	}
	return w.Flush()
}

// ---------- user sessions ----------

func newUserSessionsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "sessions <username|email>",
		Short: "List the refresh tokens of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			u, err := findUser(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			return runUserSessions(cmd.Context(), cmd.OutOrStdout(), store, u.ID, time.Now(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runUserSessions(ctx context.Context, out io.Writer, store *config.Store, userID string, now time.Time, jsonOutput bool) error {
	tokens, err := store.ListRefreshTokens(ctx, userID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(tokens)
	}

	if len(tokens) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tEXPIRES")
	for i := range tokens {
		t := &tokens[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, sessionStatus(t, now),
			t.CreatedAt.Format("2006-01-02 15:04"), t.ExpiresAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func sessionStatus(t *model.RefreshToken, now time.Time) string {
	switch {
	case t.RevokedAt != nil:
		return "revoked"
	case !t.Usable(now):
		return "expired"
	default:
		return "active"
	}
}
