package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hybridmount/hybridmount/internal/config"
	"github.com/hybridmount/hybridmount/internal/fsops"
)

var flagGenOutput string

var genConfigCmd = &cobra.Command{
	Use:   "gen-config",
	Short: "Write a default configuration document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := flagGenOutput
		if path == "" {
			path = config.DefaultPaths().Config
		}
		cfg := config.Default()
		if err := cfg.Save(fsops.NewRealFS(), path); err != nil {
			return err
		}
		PrintSuccess(fmt.Sprintf("default configuration written to %s", path))
		return nil
	},
}

func init() {
	genConfigCmd.Flags().StringVarP(&flagGenOutput, "output", "o", "", "Output path (default: the daemon config path)")
}
