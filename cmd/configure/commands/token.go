package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/benvon/sessiongate/internal/services/token"
	"github.com/spf13/cobra"
)

// NewTokenCmd creates the token command and its subcommands.
func NewTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue or inspect session tokens",
	}
	cmd.AddCommand(newTokenIssueCmd(), newTokenVerifyCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "issue <subject>",
		Short: "Issue a session token for a subject",
		Long:  "Issue a session token signed with the configured secret. Intended for operators testing downstream services.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := tokenService()
			if err != nil {
				return err
			}
			tok, err := tokens.Issue(args[0], ttl)
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to TOKEN_TTL)")

	return cmd
}

func newTokenVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a session token and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := tokenService()
			if err != nil {
				return err
			}
			claims, err := tokens.VerifyClaims(args[0])
			if err != nil {
				return fmt.Errorf("token rejected: %w", err)
			}
			claims.Token = ""

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(claims)
		},
	}
}

func tokenService() (*token.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	tokens, err := token.NewFromConfig(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}
	return tokens, nil
}
