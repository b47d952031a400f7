package main

import (
	"errors"
	"fmt"

	"productivity-auth/internal/auth"
	"productivity-auth/internal/database"
	"productivity-auth/internal/models"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var clientCmd = &cobra.Command{
	Use:     "client",
	Short:   "Manage OAuth clients",
	Aliases: []string{"clients"},
}

var clientCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a new OAuth client",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		clientID, _ := flags.GetString("client-id")
		name, _ := flags.GetString("name")
		redirects, _ := flags.GetStringSlice("redirect-uri")
		scopes, _ := flags.GetStringSlice("scope")
		grants, _ := flags.GetStringSlice("grant-type")
		public, _ := flags.GetBool("public")
		rateLimit, _ := flags.GetInt("rate-limit")

		if clientID == "" {
			return errors.New("client id is required via --client-id flag")
		}
		if len(redirects) == 0 {
			return errors.New("at least one --redirect-uri is required")
		}

		app := &models.OAuthApplication{
			ClientID:                clientID,
			Name:                    name,
			RedirectURIs:            redirects,
			Scopes:                  scopes,
			GrantTypes:              grants,
			ResponseTypes:           []string{models.ResponseTypeCode},
			TokenEndpointAuthMethod: models.AuthMethodNone,
			RateLimit:               rateLimit,
		}

		var secret string
		if !public {
			var err error
			secret, err = auth.GenerateSecret(32)
			if err != nil {
				return err
			}
			if app.ClientSecretHash, err = auth.HashSecret(secret); err != nil {
				return err
			}
			app.TokenEndpointAuthMethod = models.AuthMethodClientSecretBasic
		}

		repo, err := database.NewRepository(cmd.Context(), databaseURL, logger)
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.CreateClient(cmd.Context(), app); err != nil {
			return fmt.Errorf("creating client %q: %w", clientID, err)
		}
		logger.Info("Client registered", zap.String("client_id", clientID), zap.Bool("public", public))

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "client_id:     %s\n", clientID)
		if secret != "" {
			fmt.Fprintf(out, "client_secret: %s\n", secret)
			fmt.Fprintln(out, "Store the secret now; it cannot be shown again.")
		}
		return nil
	},
}

func init() {
	flags := clientCreateCmd.Flags()
	flags.String("client-id", "", "Client identifier")
	flags.String("name", "", "Display name")
	flags.StringSlice("redirect-uri", nil, "Allowed redirect URI (repeatable)")
	flags.StringSlice("scope", []string{"openid", "profile", "email"}, "Registered scopes")
	flags.StringSlice("grant-type", []string{models.GrantTypeAuthorizationCode, models.GrantTypeRefreshToken}, "Allowed grant types")
	flags.Bool("public", false, "Register a public client without a secret")
	flags.Int("rate-limit", 600, "Token requests allowed per window")
	clientCmd.AddCommand(clientCreateCmd)
}
