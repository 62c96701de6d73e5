package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusFilter string

var statusCmd = &cobra.Command{
	Use:   "status [run_key]",
	Short: "Show run state, or list recent runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		if len(args) == 1 {
			run, err := s.GetRunByKey(args[0])
			if err != nil {
				return err
			}
			cmd.Printf("run:       %s\n", run.RunKey)
			cmd.Printf("repo:      %s@%s (%s)\n", run.Repo, run.Branch, run.CommitSHA)
			cmd.Printf("status:    %s\n", run.Status)
			cmd.Printf("attempts:  %d\n", run.AttemptCount)
			if run.BlockedReason != "" {
				cmd.Printf("blocked:   %s\n", run.BlockedReason)
			}
			if run.LastPRURL != "" {
				cmd.Printf("pr:        %s\n", run.LastPRURL)
			}

			events, err := s.ListEvents(run.RunKey)
			if err != nil {
				return err
			}
			if len(events) > 0 {
				cmd.Println("\nevents:")
				for _, e := range events {
					detail := e.Detail
					if detail != "" {
						detail = " " + detail
					}
					cmd.Printf("  %s  attempt=%d %s%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Attempt, e.Event, detail)
				}
			}
			return nil
		}

		runs, err := s.ListRuns(statusFilter, 50)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN KEY\tREPO\tSTATUS\tATTEMPTS\tPR")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", run.RunKey, run.Repo, run.Status, run.AttemptCount, run.LastPRURL)
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "Filter runs by status")
}
