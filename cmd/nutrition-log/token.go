// cmd/nutrition-log/token.go
package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"mcp-nutrition-log/internal/session"
)

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (or NUTRITION_JWT_SECRET) is required to mint tokens")
	}
	ttl, err := time.ParseDuration(tokenTTL)
	if err != nil {
		return fmt.Errorf("invalid --ttl: %w", err)
	}

	auth, err := session.NewAuthenticator(session.AuthConfig{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		return err
	}
	token, err := auth.Issue(tokenUser, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
