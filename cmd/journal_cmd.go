package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/reflexcore/internal/config"
	"github.com/nextlevelbuilder/reflexcore/internal/retention"
	"github.com/nextlevelbuilder/reflexcore/internal/store"
)

func journalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the action, mode and transcript journal",
	}
	cmd.AddCommand(journalRecentCmd())
	cmd.AddCommand(journalGetCmd())
	cmd.AddCommand(journalPruneCmd())
	return cmd
}

// withJournal opens the configured journal for the duration of fn.
func withJournal(fn func(cfg *config.Config, j store.Journal) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	if j == nil {
		return errors.New("journal disabled: set store.driver")
	}
	defer j.Close()
	return fn(cfg, j)
}

func journalRecentCmd() *cobra.Command {
	var (
		kind   string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the newest journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch kind {
			case "", store.KindAction, store.KindMode, store.KindTranscript:
			default:
				return fmt.Errorf("unknown kind %q", kind)
			}
			return withJournal(func(_ *config.Config, j store.Journal) error {
				entries, err := j.Recent(cmd.Context(), kind, limit)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(entries)
				}
				if len(entries) == 0 {
					fmt.Println("No entries.")
					return nil
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTIME\tAGENT\tKIND\tSUBJECT\tOK")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n",
						e.ID, e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Agent, e.Kind, e.Subject, e.Success)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind (action, mode, transcript)")
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func journalGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one journal entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(func(_ *config.Config, j store.Journal) error {
				e, err := j.Get(cmd.Context(), args[0])
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("entry %s not found", args[0])
				}
				if err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(e)
			})
		},
	}
}

func journalPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete entries older than store.retention.max_age",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(func(cfg *config.Config, j store.Journal) error {
				svc, err := retention.New(cfg.Store.Retention.Cron, cfg.Store.Retention.MaxAge.D(), j)
				if err != nil {
					return err
				}
				n, err := svc.PruneOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Pruned %d entries older than %s.\n", n, cfg.Store.Retention.MaxAge)
				return nil
			})
		},
	}
}
