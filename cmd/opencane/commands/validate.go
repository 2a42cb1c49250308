package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration OK (adapter: %s, http: %s)\n",
			cfg.Adapter.Kind, cfg.HTTP.Addr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
