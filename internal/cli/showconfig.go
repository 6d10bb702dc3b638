package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hybridmount/hybridmount/internal/config"
)

var showConfigCmd = &cobra.Command{
	Use:   "show-config",
	Short: "Print the effective configuration",
	Long: `Print the stored configuration with any command-line overrides applied,
as the JSON document the daemon would run with.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := config.DefaultPaths()
		cfg, err := loadConfig(paths)
		if err != nil {
			return err
		}
		out, err := formatJSON(cfg)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}
