package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yegors/hilo-recorder/internal/storage/sqlite"
)

func NewSessionsCmd(deps *Dependencies) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent recording sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadRuntime(deps.ConfigPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			db, err := sqlite.Open(cfg.Storage.SQLitePath, log)
			if err != nil {
				return err
			}
			defer db.Close()

			history, err := sqlite.NewSessionStorage(db, log)
			if err != nil {
				return err
			}

			records, err := history.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tPROJECT\tPARTICIPANT\tOUTCOME\tDURATION\tPHOTOS\tRESULT")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					r.StartedAt.Local().Format("2006-01-02 15:04"),
					r.ProjectName,
					r.ParticipantName,
					r.Outcome,
					(time.Duration(r.ElapsedMs) * time.Millisecond).Round(time.Second),
					r.Photos,
					r.ResultURL,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of sessions to show")

	return cmd
}
