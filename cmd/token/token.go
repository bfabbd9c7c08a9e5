// Package token provides a command for issuing API bearer tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oar-cd/conductor/api"
	"github.com/oar-cd/conductor/app"
	"github.com/oar-cd/conductor/audit"
	"github.com/oar-cd/conductor/cmd/utils"
	"github.com/oar-cd/conductor/domain"
)

// userNamespace scopes user IDs derived from usernames
var userNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("conductor:user"))

func NewCmdToken() *cobra.Command {
	var (
		username, role, userID string
		ttl                    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token",
		Long: `Issue a signed bearer token for the HTTP API.

Tokens are signed with the configured JWT secret. Without --user-id the
user ID is derived from the username, so reissued tokens keep the same identity.
A --ttl of 0 issues a token that never expires.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := app.GetConfig().JWTSecret
			if secret == "" {
				return errors.New("jwt secret is not configured: set CONDUCTOR_JWT_SECRET or api.jwt_secret")
			}
			if username == "" {
				return errors.New("--username is required")
			}
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}

			id := uuid.NewSHA1(userNamespace, []byte(username))
			if userID != "" {
				if id, err = utils.ParseID("user", userID); err != nil {
					return err
				}
			}

			token, err := api.IssueToken(secret, id, username, r, ttl)
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}

			app.GetAuditRecorder().Record(cmd.Context(), audit.Entry{
				Actor:      utils.CLIActor(),
				Action:     audit.ActionConfigChange,
				Resource:   "token",
				ResourceID: id.String(),
				Details: map[string]any{
					"operation": "issue",
					"username":  username,
					"role":      r.String(),
					"ttl":       ttl.String(),
				},
			})

			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Username carried by the token")
	cmd.Flags().StringVarP(&role, "role", "r", "viewer", "Role carried by the token (viewer, editor, admin)")
	cmd.Flags().StringVar(&userID, "user-id", "", "Explicit user ID (UUID)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
