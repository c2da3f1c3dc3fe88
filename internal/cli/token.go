package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"liveroom/internal/config"
	"liveroom/internal/domain"
	"liveroom/internal/infra/identity"
)

// NewTokenCmd mints an identity token signed with auth.secret, for development and scripting.
func NewTokenCmd(configPath *string) *cobra.Command {
	var (
		role    string
		subject string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an identity token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return errors.New("auth.secret must be configured to mint tokens")
			}
			r := domain.Role(role)
			if r != domain.RoleController && r != domain.RoleParticipant {
				return fmt.Errorf("unknown role %q", role)
			}
			if subject == "" {
				subject = uuid.NewString()
			}
			gw, err := identity.NewGateway(identity.Config{
				Secret: cfg.Auth.Secret,
				Issuer: cfg.Auth.Issuer,
				TTL:    config.TTLDuration(cfg.Auth.TokenTTL, 12*time.Hour),
			})
			if err != nil {
				return err
			}
			token, err := gw.Issue(r, subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(domain.RoleController), "controller or participant")
	cmd.Flags().StringVar(&subject, "subject", "", "stable identity id (random when empty)")
	return cmd
}
