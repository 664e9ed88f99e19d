package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imran-siddique/agentos/internal/adapter/outbound/policyfile"
	"github.com/imran-siddique/agentos/internal/domain/policy"
)

var validateStrict bool

var validateCmd = &cobra.Command{
	Use:   "validate [files...] [--strict]",
	Short: "Parse and type-check policy documents",
	Long: `Load each policy file, reject unknown keys, and check every rule,
permission, quota, and risk policy. Without arguments the active policy
from the state root is validated. --strict additionally requires at
least one allow-list entry so a default-deny-everything file is caught
before deployment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			args = []string{cfg.PolicyPath()}
		}

		for _, path := range args {
			tables, err := policyfile.Load(path)
			if err != nil {
				return configErr("%s: %v", path, err)
			}
			if validateStrict {
				if err := strictCheck(tables); err != nil {
					return configErr("%s: %v", path, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d roles, %d rules)\n",
				path, len(tables.AllowList), len(tables.Rules))
		}
		return nil
	},
}

func strictCheck(tables policy.Tables) error {
	for _, tools := range tables.AllowList {
		if len(tools) > 0 {
			return nil
		}
	}
	return fmt.Errorf("strict: no role has any allowed tool")
}

func init() {
	validateCmd.Flags().BoolVar(&validateStrict, "strict", false, "require at least one allow-list entry")
	rootCmd.AddCommand(validateCmd)
}
