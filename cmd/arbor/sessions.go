package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	sessionsLimit      int
	sessionsPurgeAfter time.Duration
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"ls"},
	Short:   "List stored sessions",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appConfig, false, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if sessionsPurgeAfter > 0 {
			n, err := a.db.PurgeOldSessions(sessionsPurgeAfter)
			if err != nil {
				return err
			}
			logger.Info("purged sessions", zap.Int64("count", n), zap.Duration("older_than", sessionsPurgeAfter))
			printStatus("✓", fmt.Sprintf("Purged %d sessions older than %s", n, sessionsPurgeAfter), color.FgGreen)
		}

		list, err := a.manager.ListSessions(cmd.Context(), sessionsLimit)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No sessions. Start one with 'arbor analyze <question>'.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tDECISION\tNODES\tVER\tUPDATED\tQUESTION")
		for _, s := range list {
			decision := "-"
			if s.Position != "" {
				decision = fmt.Sprintf("%s %.2f", s.Position, s.Confidence)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				s.ID, s.Status, decision, s.NodeCount, s.Version,
				s.UpdatedAt.Local().Format("2006-01-02 15:04"), truncateLine(s.Question, 60))
		}
		return w.Flush()
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session>...",
	Short: "Delete stored sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appConfig, false, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, id := range args {
			if err := a.manager.DeleteSession(cmd.Context(), id); err != nil {
				return err
			}
			printStatus("✓", "Deleted "+id, color.FgGreen)
		}
		return nil
	},
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "Maximum sessions to list (0 for all)")
	sessionsCmd.Flags().DurationVar(&sessionsPurgeAfter, "purge-older-than", 0, "Delete sessions not updated within this duration first, e.g. 720h")
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

func truncateLine(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
