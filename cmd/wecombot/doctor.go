package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"wecombot/internal/config"
	"wecombot/internal/provider"
	"wecombot/internal/wecomcrypto"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wecombot installation",
		Long: `Verifies that the configuration, account keys, reply backend, database
and listen port are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wecombot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'wecombot init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return err
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Accounts
			enabled := 0
			for _, acct := range config.ResolveAccounts(cfg) {
				name := "Account: " + acct.ID
				switch {
				case !acct.Enabled:
					printWarn(name, "disabled")
					warned++
					continue
				case !acct.Configured:
					printFail(name, "token and encodingAESKey are required")
					failed++
					continue
				}
				if _, err := wecomcrypto.NewCodec(acct.EncodingAESKey, acct.ReceiveID); err != nil {
					printFail(name, err.Error())
					failed++
					continue
				}
				enabled++
				detail := acct.WebhookPath + " dm=" + acct.DMPolicy
				if acct.DMPolicy == config.DMPolicyAllowlist && len(acct.AllowFrom) == 0 {
					detail += " (empty allowFrom rejects every direct message)"
					printWarn(name, detail)
					warned++
					continue
				}
				if acct.ReceiveID == "" {
					detail += " (receiveId not set, any receiver accepted)"
					printWarn(name, detail)
					warned++
					continue
				}
				printPass(name, detail)
				passed++
			}
			for _, acct := range config.EnabledTIMAccounts(cfg) {
				name := "TIM account: " + acct.ID
				if !acct.Configured {
					printWarn(name, "sdkAppId and userSig are required; callbacks are only acknowledged")
					warned++
					continue
				}
				enabled++
				printPass(name, acct.WebhookPath+" dm="+acct.DMPolicy+" api="+acct.APIDomain)
				passed++
			}
			if enabled == 0 {
				printFail("Accounts", "no enabled, configured account")
				failed++
			}

			// 4. Reply backend
			prov, err := provider.New(cfg.Provider, logger)
			if err != nil {
				printFail("Provider", err.Error())
				failed++
			} else {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := prov.Healthy(ctx); err != nil {
					printWarn("Provider: "+prov.Name(), err.Error())
					warned++
				} else {
					printPass("Provider: "+prov.Name(), "reachable")
					passed++
				}
				cancel()
			}

			// 5. Database writable
			if cfg.Memory.Enabled || usesPairing(cfg) {
				if err := checkDatabase(cfg.Memory.DBPath); err != nil {
					printFail("Database", err.Error())
					failed++
				} else {
					printPass("Database", cfg.Memory.DBPath)
					passed++
				}
			}

			// 6. Listen port
			if err := checkPort(cfg.Server.Addr()); err != nil {
				printWarn("Listen address", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
				warned++
			} else {
				printPass("Listen address", cfg.Server.Addr()+" available")
				passed++
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				dir := filepath.Dir(config.ExpandPath(cfg.General.LogFile))
				if err := os.MkdirAll(dir, 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running the gateway.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nThe gateway should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Run 'wecombot gateway'.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
