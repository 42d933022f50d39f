package commands

import (
	"context"
	"fmt"
	"net/http"

	"github.com/benvon/sessiongate/internal/services/oidc"
	"github.com/spf13/cobra"
)

// NewTestCmd creates the test command
func NewTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test OIDC configuration",
		Long:  "Test the configured OIDC provider by resolving its endpoints and fetching its signing keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			out := cmd.OutOrStdout()
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.OIDC.ProviderTimeout)
			defer cancel()
			httpClient := &http.Client{Timeout: cfg.OIDC.ProviderTimeout}

			fmt.Fprintf(out, "Testing OIDC configuration for authority: %s\n", cfg.OIDC.Authority)
			provider := oidc.NewProvider(cfg.OIDC, httpClient)
			ep, err := provider.Endpoints(ctx)
			if err != nil {
				return fmt.Errorf("failed to resolve provider endpoints: %w", err)
			}
			fmt.Fprintf(out, "✓ Authorization endpoint: %s\n", ep.AuthURL)
			fmt.Fprintf(out, "✓ Token endpoint: %s\n", ep.TokenURL)

			keys, err := oidc.NewJWKSManager(httpClient).GetJWKS(ctx, ep.JWKSURL)
			if err != nil {
				return fmt.Errorf("failed to fetch JWKS: %w", err)
			}
			if keys.Len() == 0 {
				return fmt.Errorf("JWKS at %s has no keys", ep.JWKSURL)
			}
			fmt.Fprintf(out, "✓ JWKS endpoint: %s (%d keys)\n", ep.JWKSURL, keys.Len())

			fmt.Fprintln(out, "\n✓ OIDC configuration test passed")
			return nil
		},
	}
}
