package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/benvon/sessiongate/internal/database"
	"github.com/spf13/cobra"
)

// NewIdentityCmd creates the identity command
func NewIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect stored identities",
	}
	cmd.AddCommand(newIdentityGetCmd())
	return cmd
}

func newIdentityGetCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "get <subject>",
		Short: "Show an identity and its recent logins",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, closeDB, err := openDatabase()
			if err != nil {
				return err
			}
			defer closeDB()

			ctx := cmd.Context()
			identity, err := database.NewIdentityRepository(db).GetBySubject(ctx, args[0])
			if errors.Is(err, database.ErrNotFound) {
				return fmt.Errorf("no identity with subject %q", args[0])
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Subject:\t%s\n", identity.SubjectID)
			fmt.Fprintf(w, "Email:\t%s\n", identity.Email)
			fmt.Fprintf(w, "Name:\t%s\n", identity.DisplayName)
			fmt.Fprintf(w, "Created:\t%s\n", identity.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "Last login:\t%s\n", identity.LastLogin.Format(time.RFC3339))
			if err := w.Flush(); err != nil {
				return err
			}

			if limit <= 0 {
				return nil
			}
			logins, err := database.NewLoginEventRepository(db).ListBySubject(ctx, args[0], limit)
			if err != nil {
				return fmt.Errorf("failed to list logins: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nRecent logins (%d):\n", len(logins))
			w = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OCCURRED\tTOKEN ID\tCLIENT IP")
			for _, e := range logins {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.OccurredAt.Format(time.RFC3339), e.TokenID, e.ClientIP)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "logins", 10, "Number of recent logins to show (0 to skip)")

	return cmd
}
