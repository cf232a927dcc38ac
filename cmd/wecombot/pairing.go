package main

import (
	"context"
	"errors"
	"fmt"

	"wecombot/internal/config"
	"wecombot/internal/memory"
	"wecombot/internal/security"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Approve or revoke direct-message senders",
		Long:  "Accounts with dm.policy=pairing answer unknown senders with a code. Approve the code here to let the sender through.",
	}

	var accountID string
	list := &cobra.Command{
		Use:   "list",
		Short: "Show pending codes and paired users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairing(func(ctx context.Context, ps *security.PairingService) error {
				pending, err := ps.Pending(ctx, accountID)
				if err != nil {
					return err
				}
				paired, err := ps.Paired(ctx, accountID)
				if err != nil {
					return err
				}

				fmt.Println("Pending:")
				if len(pending) == 0 {
					fmt.Println("  (none)")
				}
				for _, r := range pending {
					fmt.Printf("  %s  %-12s %-20s expires %s\n", r.Code, r.AccountID, r.UserID, humanize.Time(r.ExpiresAt))
				}
				fmt.Println("Paired:")
				if len(paired) == 0 {
					fmt.Println("  (none)")
				}
				for _, u := range paired {
					expires := "never"
					if !u.ExpiresAt.IsZero() {
						expires = humanize.Time(u.ExpiresAt)
					}
					fmt.Printf("  %-12s %-20s paired %s, expires %s\n", u.AccountID, u.UserID, humanize.Time(u.PairedAt), expires)
				}
				return nil
			})
		},
	}
	list.Flags().StringVarP(&accountID, "account", "a", "", "only this account")

	approve := &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pending pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairing(func(ctx context.Context, ps *security.PairingService) error {
				u, err := ps.Approve(ctx, args[0])
				if errors.Is(err, security.ErrUnknownCode) {
					return fmt.Errorf("code %s is not pending (expired or already used)", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Printf("Paired %s on account %s.\n", u.UserID, u.AccountID)
				return nil
			})
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <userid>",
		Short: "Remove a paired user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairing(func(ctx context.Context, ps *security.PairingService) error {
				acct := accountID
				if acct == "" {
					cfg, err := config.Load(resolveConfigPath())
					if err != nil {
						return err
					}
					acct = config.DefaultAccount(cfg)
				}
				users := config.NormalizeAllowFrom(args)
				if len(users) == 0 {
					return fmt.Errorf("user id is empty")
				}
				removed, err := ps.Unpair(ctx, acct, users[0])
				if err != nil {
					return err
				}
				if !removed {
					fmt.Printf("%s was not paired on account %s.\n", args[0], acct)
					return nil
				}
				fmt.Printf("Revoked %s on account %s.\n", args[0], acct)
				return nil
			})
		},
	}
	revoke.Flags().StringVarP(&accountID, "account", "a", "", "account id, tim:<id> for Tencent IM (default: the default account)")

	cmd.AddCommand(list, approve, revoke)
	return cmd
}

func withPairing(fn func(context.Context, *security.PairingService) error) error {
	return withStore(false, func(ctx context.Context, store *memory.SQLiteStore) error {
		return fn(ctx, security.NewPairingService(security.PairingConfig{DB: store.DB(), Logger: logger}))
	})
}

// usesPairing reports whether any enabled account needs the pairing store.
func usesPairing(cfg *config.Config) bool {
	for _, acct := range config.EnabledAccounts(cfg) {
		if acct.DMPolicy == config.DMPolicyPairing {
			return true
		}
	}
	for _, acct := range config.EnabledTIMAccounts(cfg) {
		if acct.DMPolicy == config.DMPolicyPairing {
			return true
		}
	}
	return false
}
