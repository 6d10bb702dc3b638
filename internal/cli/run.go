package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Perform a full mount pass",
	Long: `Scan the module directory, stage changed modules, and mount them onto the
target partitions. This is what the boot script invokes; running it again in
the same boot skips already-mounted targets.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngine(cmd.Context())
	},
}
