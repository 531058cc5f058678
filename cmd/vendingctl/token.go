package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"vending-controller/internal/auth"
)

func tokenCmd() *cobra.Command {
	var (
		secret   string
		operator string
		issuer   string
		expiry   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for a coordinator admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("VENDING_ADMIN_SECRET")
			}
			token, err := auth.CreateToken(operator, auth.ScopeAdmin, auth.TokenConfig{
				Secret: secret,
				Expiry: expiry,
				Issuer: issuer,
			})
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Token secret (default $VENDING_ADMIN_SECRET)")
	cmd.Flags().StringVar(&operator, "operator", "admin", "Operator name recorded in the token")
	cmd.Flags().StringVar(&issuer, "issuer", "vending-controller", "Token issuer, must match admin.token_issuer")
	cmd.Flags().DurationVar(&expiry, "expiry", 24*time.Hour, "Token lifetime")
	return cmd
}
