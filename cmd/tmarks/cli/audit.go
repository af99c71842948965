package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tmarks/tmarks/internal/config"
	"github.com/tmarks/tmarks/internal/model"
)

const defaultAuditLimit = 50

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the authentication audit trail",
	}
	cmd.AddCommand(newAuditListCmd())
	return cmd
}

func newAuditListCmd() *cobra.Command {
	var (
		login      string
		event      string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List recent audit events",
		Example: `  tmarks audit list
  tmarks audit list --user alice --limit 10
  tmarks audit list --event ` + model.EventLoginFailed + ` --json`,
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

			f := config.AuditFilter{EventType: event, Limit: limit}
			if login != "" {
				u, err := findUser(cmd.Context(), store, login)
				if err != nil {
					return err
				}
				f.UserID = u.ID
			}
			return runAuditList(cmd.Context(), cmd.OutOrStdout(), store, f, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&login, "user", "", "Only events of this username or email")
	cmd.Flags().StringVar(&event, "event", "", "Only events of this type")
	cmd.Flags().IntVar(&limit, "limit", defaultAuditLimit, "Maximum number of events")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runAuditList(ctx context.Context, out io.Writer, store *config.Store, f config.AuditFilter, jsonOutput bool) error {
	if f.Limit < 1 {
		return fmt.Errorf("limit must be positive, got %d", f.Limit)
	}
	logs, err := store.ListAuditLogs(ctx, f)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(logs)
	}

	if len(logs) == 0 {
		fmt.Fprintln(out, "No audit events.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tUSER\tIP")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.CreatedAt.Format("2006-01-02 15:04:05"),
			l.EventType, orDash(l.UserID), orDash(l.IP))
	}
	return w.Flush()
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
