package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"sleeptimer/internal/app"
	"sleeptimer/internal/config"
	"sleeptimer/internal/storage"
	logx "sleeptimer/pkg/logx"
)

func newQueueCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Print the persisted pending disconnects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.NewConfigManager(cfgPath).Load()
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cfg, logx.NewWriter(cmd.ErrOrStderr(), "WARN"))
			if err != nil {
				return err
			}
			if store == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "storage is disabled")
				return nil
			}
			defer store.Close()

			recs, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			printQueue(cmd.OutOrStdout(), recs, scope, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "only show records for this scope id")
	return cmd
}

func printQueue(w io.Writer, recs []storage.Record, scope string, now time.Time) {
	out := recs[:0:0]
	for _, r := range recs {
		if scope == "" || r.ScopeID == scope {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		fmt.Fprintln(w, "no pending disconnects")
		return
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	for i, r := range out {
		fmt.Fprintf(w, "%d. subject=%s scope=%s due=%s (%s)\n",
			i+1, r.SubjectID, r.ScopeID, r.DueAt.Format(time.RFC3339), humanize.RelTime(r.DueAt, now, "ago", "from now"))
	}
}
