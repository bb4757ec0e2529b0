package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aussiebroadwan/fitlink/internal/fitlink/store"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the token fresh until interrupted",
		Long: "Run in the foreground, refreshing the bearer token ahead of its expiry " +
			"and pruning old token history, until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := mustApp(cmd)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}

func newHistoryCmd(flags *GlobalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent token saves and logouts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := mustApp(cmd)
			if err != nil {
				return err
			}
			history, ok := a.Store().(store.History)
			if !ok {
				return errors.New("token history needs the sqlite store")
			}

			events, err := history.Events(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if flags.JSON {
				return writeJSON(out, events)
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "No token history")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tEVENT\tTOKEN\tEXPIRES")
			for _, e := range events {
				expires := "-"
				if !e.ExpiresAt.IsZero() {
					expires = e.ExpiresAt.Local().Format(time.RFC3339)
				}
				token := e.AccessFingerprint
				if token == "" {
					token = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					e.CreatedAt.Local().Format(time.RFC3339), e.Kind, token, expires)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of events")

	return cmd
}
