package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/fixfactory/internal/orchestrator"
)

var runRevalidate bool

var runCmd = &cobra.Command{
	Use:   "run <run_key>",
	Short: "Execute one pipeline attempt for a run synchronously",
	Long: `Execute one attempt for the given run in the foreground, bypassing the
dispatcher's queue, cooldown, and attempt budget. Locks and policy gates
still apply through the stored run state. Intended for operators re-driving
a stuck run.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		s, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		orch, err := buildOrchestrator(cfg, s, log)
		if err != nil {
			return err
		}

		res, err := orch.Execute(cmd.Context(), args[0], orchestrator.ExecuteOpts{Revalidate: runRevalidate})
		if err != nil {
			return fmt.Errorf("attempt failed: %w", err)
		}

		out, _ := json.MarshalIndent(res, "", "  ")
		cmd.Println(string(out))
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runRevalidate, "revalidate", false, "Rerun validation even when a stored result exists")
}
