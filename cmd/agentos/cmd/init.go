package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/imran-siddique/agentos/internal/adapter/outbound/policyfile"
)

var (
	initTemplate string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init [--template strict|permissive|audit]",
	Short: "Write a default policy into the state root",
	Long: `Create the state root layout and write the chosen policy template to
policy/active.yaml. Refuses to overwrite an existing policy unless
--force is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		tables, err := policyfile.Template(initTemplate)
		if err != nil {
			return configErr("%v", err)
		}
		if err := cfg.EnsureLayout(); err != nil {
			return runtimeErr("%v", err)
		}

		path := filepath.Join(cfg.StateRoot, "policy", policyfile.ActiveFileName)
		if _, err := os.Stat(path); err == nil && !initForce {
			return configErr("%s already exists (use --force to overwrite)", path)
		}
		if err := policyfile.Save(path, tables); err != nil {
			return runtimeErr("%v", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s policy to %s\n", initTemplate, path)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initTemplate, "template", policyfile.TemplateStrict, "policy template: strict, permissive, or audit")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing policy")
	rootCmd.AddCommand(initCmd)
}
