package main

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/receiptsync/internal/quota"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newPermitCommand signs permit tokens for testing and support.
func newPermitCommand() *cobra.Command {
	var (
		userID     string
		tier       string
		totalLimit int64
		dailyRate  int64
		validFor   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "permit",
		Short: "Sign an upload permit token",
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := quota.NewPermitTokens(quota.PermitTokenConfig{
				SigningSecret: []byte(viper.GetString("permits.signing_secret")),
				Issuer:        viper.GetString("permits.issuer"),
			})
			if err != nil {
				return err
			}
			permit := quota.Permit{UserID: userID, Tier: tier, TotalLimit: totalLimit, DailyRate: dailyRate}
			if validFor > 0 {
				expiresAt := time.Now().Add(validFor).UTC()
				permit.ExpiresAt = &expiresAt
			}
			token, err := tokens.Issue(permit)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User the permit is bound to (empty binds on apply)")
	cmd.Flags().StringVar(&tier, "tier", "standard", "Permit tier label")
	cmd.Flags().Int64Var(&totalLimit, "total", 500, "Total uploads allowed")
	cmd.Flags().Int64Var(&dailyRate, "daily", 30, "Uploads allowed per day, zero for no daily cap")
	cmd.Flags().DurationVar(&validFor, "valid-for", 0, "Permit lifetime, zero for no expiry")
	return cmd
}
