package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/eshaffer321/lodgetix-reconcile/internal/api/middleware"
)

func newTokenCmd(g *globalFlags) *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API's mutating routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if cfg.API.JWTSecret == "" {
				return errors.New("api.jwt_secret is not set; the API accepts unauthenticated writes")
			}
			token, err := middleware.IssueToken(cfg.API.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			out := map[string]string{"token": token, "expiresAt": time.Now().Add(ttl).UTC().Format(time.RFC3339)}
			return g.render(cmd, out, func(w io.Writer) {
				fmt.Fprintln(w, token)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
