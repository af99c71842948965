package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tmarks/tmarks/internal/permission"
	"github.com/tmarks/tmarks/internal/service"
)

func newKeyCmd() *cobra.Command {
	var login string

	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, revoke and delete the API keys of a user.",
	}

	cmd.PersistentFlags().StringVar(&login, "user", "", "Username or email of the key owner (required)")
	cmd.MarkPersistentFlagRequired("user")

	cmd.AddCommand(newKeyCreateCmd(&login))
	cmd.AddCommand(newKeyListCmd(&login))
	cmd.AddCommand(newKeyRevokeCmd(&login))
	cmd.AddCommand(newKeyDeleteCmd(&login))

	return cmd
}

// withKeys opens the store, resolves the owner and hands both to fn.
func withKeys(ctx context.Context, login string, fn func(keys *service.APIKeyService, userID string) error) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	a, err := newApp(cfg, slog.Default(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	u, err := findUser(ctx, a.store, login)
	if err != nil {
		return err
	}
	return fn(a.keys, u.ID)
}

// ---------- key create ----------

func newKeyCreateCmd(login *string) *cobra.Command {
	var (
		in          service.CreateKeyInput
		permissions []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long: `Generate a new API key for a user. The raw key is shown once and cannot be retrieved again.

Permissions come from --template (` + permission.TemplateReadOnly + `, ` + permission.TemplateBasic + `, ` +
			permission.TemplateFull + `) or an explicit
--permission list. With neither, the key gets the READ_ONLY template.`,
		Example: `  tmarks key create --user alice --name "CI pipeline" --template BASIC
  tmarks key create --user alice --name sync --permission bookmarks.read --permission tags.* --expires 30d`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("permission") {
				in.Permissions = permissions
			}
			return withKeys(cmd.Context(), *login, func(keys *service.APIKeyService, userID string) error {
				return runKeyCreate(cmd.Context(), cmd.OutOrStdout(), keys, userID, in)
			})
		},
	}

	cmd.Flags().StringVar(&in.Name, "name", "", "Key name, 1 to 100 characters (required)")
	cmd.Flags().StringVar(&in.Description, "description", "", "Free-form description")
	cmd.Flags().StringVar(&in.Template, "template", "", "Permission template")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "Capability to grant, repeatable")
	cmd.Flags().StringVar(&in.ExpiresAt, "expires", "", "Expiry as <N>d or an ISO 8601 date")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyCreate(ctx context.Context, out io.Writer, keys *service.APIKeyService, userID string, in service.CreateKeyInput) error {
	k, err := keys.Create(ctx, userID, in)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "API Key created:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Key:         %s\n", k.Key)
	fmt.Fprintf(out, "  ID:          %s\n", k.ID)
	fmt.Fprintf(out, "  Name:        %s\n", k.Name)
	fmt.Fprintf(out, "  Permissions: %s\n", strings.Join(k.Permissions, ", "))
	if k.ExpiresAt != nil {
		fmt.Fprintf(out, "  Expires:     %s\n", k.ExpiresAt.Format("2006-01-02 15:04:05Z07:00"))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd(login *string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd.Context(), *login, func(keys *service.APIKeyService, userID string) error {
				return runKeyList(cmd.Context(), cmd.OutOrStdout(), keys, userID, jsonOutput)
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(ctx context.Context, out io.Writer, keys *service.APIKeyService, userID string, jsonOutput bool) error {
	list, err := keys.List(ctx, userID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	if len(list) == 0 {
		fmt.Fprintln(out, "No API keys. Use 'tmarks key create' to create one.")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-14s %-24s %-8s %-20s\n", "ID", "PREFIX", "NAME", "STATUS", "LAST USED")
	fmt.Fprintf(out, "%-36s %-14s %-24s %-8s %-20s\n", "--", "------", "----", "------", "---------")
	for _, k := range list {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(out, "%-36s %-14s %-24s %-8s %-20s\n", k.ID, k.KeyPrefix, k.Name, k.Status, lastUsed)
	}

	return nil
}

// ---------- key revoke / delete ----------

func newKeyRevokeCmd(login *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Long:  "Revoke an API key so it can no longer authenticate. Its usage logs are kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd.Context(), *login, func(keys *service.APIKeyService, userID string) error {
				if err := keys.Revoke(cmd.Context(), userID, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "API key %s revoked\n", args[0])
				return nil
			})
		},
	}
}

func newKeyDeleteCmd(login *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key and its usage logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKeys(cmd.Context(), *login, func(keys *service.APIKeyService, userID string) error {
				if err := keys.HardDelete(cmd.Context(), userID, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "API key %s deleted\n", args[0])
				return nil
			})
		},
	}
}
