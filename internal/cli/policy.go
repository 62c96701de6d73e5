package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lucasnoah/fixfactory/internal/policy"
	"github.com/spf13/cobra"
)

var (
	policyDiffFile string
	policyFiles    []string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Safety policy tools",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a plan file list or a diff against the safety policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		if policyDiffFile == "" && len(policyFiles) == 0 {
			return fmt.Errorf("pass --diff and/or --files")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		engine, err := policy.NewEngine(cfg.Policy)
		if err != nil {
			return fmt.Errorf("build policy engine: %w", err)
		}

		if len(policyFiles) > 0 {
			dec := engine.EvaluatePlan(policyFiles)
			if err := printDecision(cmd, "plan", dec); err != nil {
				return err
			}
		}
		if policyDiffFile != "" {
			raw, err := os.ReadFile(policyDiffFile)
			if err != nil {
				return fmt.Errorf("read diff: %w", err)
			}
			dec := engine.EvaluatePatch(string(raw))
			if err := printDecision(cmd, "patch", dec); err != nil {
				return err
			}
		}
		return nil
	},
}

func printDecision(cmd *cobra.Command, kind string, dec policy.Decision) error {
	out, err := json.MarshalIndent(map[string]any{kind: dec}, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return nil
}

func init() {
	policyCheckCmd.Flags().StringVar(&policyDiffFile, "diff", "", "Path to a unified diff to evaluate")
	policyCheckCmd.Flags().StringSliceVar(&policyFiles, "files", nil, "Planned target files to evaluate")
	policyCmd.AddCommand(policyCheckCmd)
}
