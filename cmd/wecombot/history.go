package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wecombot/internal/config"
	"wecombot/internal/memory"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the transcript database",
		Long:  "Lists recorded exchanges when memory.enabled is set. The gateway records; these commands only read or purge.",
	}

	var (
		accountID string
		limit     int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "Show the most recent exchanges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTranscripts(func(ctx context.Context, store *memory.SQLiteStore) error {
				recent, err := store.ListRecent(ctx, accountID, limit)
				if err != nil {
					return err
				}
				if len(recent) == 0 {
					fmt.Println("No exchanges recorded.")
					return nil
				}
				for _, ex := range recent {
					fmt.Printf("[%s] %s/%s %s: %s\n", humanize.Time(ex.ReceivedAt), ex.AccountID, ex.ChatType, ex.SenderID, oneLine(ex.Content, 80))
					switch {
					case ex.Reply == nil:
						fmt.Println("    (no reply recorded)")
					case ex.Reply.Error != "":
						fmt.Printf("    error after %s: %s\n", ex.Reply.Duration.Round(time.Millisecond), ex.Reply.Error)
					default:
						fmt.Printf("    reply in %s (%s): %s\n", ex.Reply.Duration.Round(time.Millisecond),
							humanize.Bytes(uint64(len(ex.Reply.Content))), oneLine(ex.Reply.Content, 80))
					}
				}
				return nil
			})
		},
	}
	list.Flags().StringVarP(&accountID, "account", "a", "", "only this account")
	list.Flags().IntVarP(&limit, "limit", "n", 20, "number of exchanges")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count recorded messages and replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTranscripts(func(ctx context.Context, store *memory.SQLiteStore) error {
				st, err := store.Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Inbound messages: %s\n", humanize.Comma(int64(st.Inbound)))
				fmt.Printf("Replies:          %s\n", humanize.Comma(int64(st.Replies)))
				fmt.Printf("Failed replies:   %s\n", humanize.Comma(int64(st.Failed)))
				return nil
			})
		},
	}

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete exchanges older than a duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withTranscripts(func(ctx context.Context, store *memory.SQLiteStore) error {
				cutoff := time.Now().Add(-olderThan)
				n, err := store.PurgeBefore(ctx, cutoff)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %s exchanges received before %s.\n", humanize.Comma(n), cutoff.Format(time.RFC3339))
				return nil
			})
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the exchanges to delete")

	cmd.AddCommand(list, stats, purge)
	return cmd
}

func withTranscripts(fn func(context.Context, *memory.SQLiteStore) error) error {
	return withStore(true, fn)
}

// withStore opens the database named by the config for the duration of fn.
func withStore(transcripts bool, fn func(context.Context, *memory.SQLiteStore) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if transcripts && !cfg.Memory.Enabled {
		logger.Warn("memory.enabled is false; the gateway is not recording transcripts")
	}
	store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, store)
}

// oneLine flattens s and cuts it to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
