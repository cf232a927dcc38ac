package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"wecombot/internal/agent"
	"wecombot/internal/config"
	"wecombot/internal/gateway"
	"wecombot/internal/memory"
	"wecombot/internal/provider"
	"wecombot/internal/security"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "wecombot",
		Short: "wecombot: WeCom intelligent-bot webhook gateway",
		Long:  "wecombot answers WeCom encrypted bot callbacks with streamed replies from a pluggable backend.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.wecombot/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(pairingCmd())
	root.AddCommand(cryptoCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(serviceCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// setupLogger replaces the bootstrap logger with one honoring the config's
// level and optional log file. The returned func closes the file.
func setupLogger(cfg *config.Config) (func(), error) {
	var level slog.Level
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.General.LogFile != "" {
		path := config.ExpandPath(cfg.General.LogFile)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return closeFn, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Println("Set wecom.token and wecom.encodingAESKey, then run 'wecombot gateway'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func gatewayCmd() *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Start the webhook gateway",
		Long:  "Registers every enabled WeCom account, serves the webhook paths and reloads the config file on change. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(!noWatch)
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}

func runGateway(watch bool) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closeLog, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prov, err := provider.New(cfg.Provider, logger)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if err := prov.Healthy(ctx); err != nil {
		logger.Warn("provider unhealthy at startup", "provider", prov.Name(), "err", err)
	} else {
		logger.Info("provider healthy", "provider", prov.Name())
	}

	agent.SetVersion(version)
	replier := agent.New(agent.Config{
		Provider:     prov,
		Model:        cfg.Provider.Model,
		SystemPrompt: cfg.Provider.SystemPrompt,
		History:      agent.NewHistory(cfg.Provider.HistoryTurns, 0),
		Limiter:      agent.NewKeyedLimiter(cfg.Provider.Burst, cfg.Provider.RatePerMinute),
		Logger:       logger,
	})

	var (
		transcripts *memory.SQLiteStore
		pairing     *security.PairingService
	)
	if cfg.Memory.Enabled || usesPairing(cfg) {
		store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
		if err != nil {
			return fmt.Errorf("memory store: %w", err)
		}
		defer store.Close()
		if cfg.Memory.Enabled {
			transcripts = store
		}
		pairing = security.NewPairingService(security.PairingConfig{DB: store.DB(), Logger: logger})
	}

	gw, err := gateway.New(gateway.Config{
		Config:      cfg,
		Replier:     replier,
		Logger:      logger,
		Transcripts: transcripts,
		Pairing:     pairing,
	})
	if err != nil {
		return err
	}

	if watch {
		go func() {
			err := config.Watch(ctx, cfgPath, logger, func(next *config.Config) {
				gw.Reconcile(next)
			})
			if err != nil {
				logger.Warn("config watch stopped", "err", err)
			}
		}()
	}

	for _, acct := range config.ResolveAccounts(cfg) {
		logger.Info("account", "id", acct.ID, "enabled", acct.Enabled, "configured", acct.Configured, "path", acct.WebhookPath)
	}
	for _, acct := range config.EnabledTIMAccounts(cfg) {
		logger.Info("tim account", "id", acct.ID, "configured", acct.Configured, "path", acct.WebhookPath)
	}
	return gw.Run(ctx, cfg.Server.Addr())
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show account status of the running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			host := cfg.Server.Host
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = "127.0.0.1"
			}
			url := fmt.Sprintf("http://%s:%d/status", host, cfg.Server.Port)
			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				fmt.Printf("Gateway not reachable at %s\n\nConfigured accounts:\n", url)
				for _, acct := range config.ResolveAccounts(cfg) {
					fmt.Printf("  %-12s enabled=%-5v configured=%-5v %s\n", acct.ID, acct.Enabled, acct.Configured, acct.WebhookPath)
				}
				for _, acct := range config.EnabledTIMAccounts(cfg) {
					fmt.Printf("  %-12s enabled=%-5v configured=%-5v %s\n", "tim:"+acct.ID, acct.Enabled, acct.Configured, acct.WebhookPath)
				}
				return nil
			}
			defer resp.Body.Close()

			var body struct {
				Accounts []gateway.AccountStatus `json:"accounts"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			sort.Slice(body.Accounts, func(i, j int) bool { return body.Accounts[i].AccountID < body.Accounts[j].AccountID })
			for _, st := range body.Accounts {
				state := "stopped"
				if st.Running {
					state = "running"
				}
				fmt.Printf("%s (%s) %s\n", st.AccountID, state, st.WebhookPath)
				fmt.Printf("  started:  %s\n", ago(st.LastStartAt))
				fmt.Printf("  inbound:  %s\n", ago(st.LastInboundAt))
				fmt.Printf("  outbound: %s\n", ago(st.LastOutboundAt))
				if st.LastError != "" {
					fmt.Printf("  error:    %s\n", st.LastError)
				}
			}
			return nil
		},
	}
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wecombot v%s\n", version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. stream.ttlSeconds)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. provider.kind ollama)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the config file against the schema and rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", cfgPath)
			for _, acct := range config.ResolveAccounts(cfg) {
				if acct.Enabled && !acct.Configured {
					fmt.Printf("  warning: account %s is enabled but has no token/encodingAESKey\n", acct.ID)
				}
			}
			for _, acct := range config.EnabledTIMAccounts(cfg) {
				if !acct.Configured {
					fmt.Printf("  warning: tim account %s is enabled but has no sdkAppId/userSig\n", acct.ID)
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
