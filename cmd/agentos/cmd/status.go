package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imran-siddique/agentos/internal/adapter/outbound/policyfile"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print kernel version and loaded policies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "agentos %s\n", Version)
		fmt.Fprintf(out, "  State root: %s\n", cfg.StateRoot)
		fmt.Fprintf(out, "  Log level:  %s\n", cfg.LogLevel)

		path := cfg.PolicyPath()
		if _, err := os.Stat(path); err != nil {
			fmt.Fprintf(out, "  Policy:     none (run \"agentos init\")\n")
			return nil
		}
		tables, err := policyfile.Load(path)
		if err != nil {
			return configErr("%s: %v", path, err)
		}
		fmt.Fprintf(out, "  Policy:     %s\n", path)
		fmt.Fprintf(out, "    roles=%d permissions=%d quotas=%d risk_policies=%d rules=%d\n",
			len(tables.AllowList), len(tables.ConditionalPermissions),
			len(tables.Quotas), len(tables.RiskPolicies), len(tables.Rules))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
