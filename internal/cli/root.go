// Package cli implements the command-line surface of the daemon.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags. Empty string or false means "not set"; set values
	// override the loaded configuration for this invocation only.
	flagConfig      string
	flagModuleDir   string
	flagTempDir     string
	flagMountSource string
	flagVerbose     bool
	flagPartitions  []string
)

// rootCmd is the root command. Invoking the binary with no subcommand
// performs a full mount run, which is what the boot script does.
var rootCmd = &cobra.Command{
	Use:   "hybridmountd",
	Short: "Hybrid partition mount engine",
	Long: `hybridmountd composes module content onto read-only system partitions at boot.

Each enabled module contributes an overlay layer; partitions are mounted with
overlayfs where the kernel allows it and with a synthetic bind tree where it
does not. Content is staged on tmpfs or an ext4 loop image before mounting.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngine(cmd.Context())
	},
}

// SetVersion sets the version reported by --version.
func SetVersion(v string) {
	if v == "" {
		return
	}
	rootCmd.Version = v
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "Path to the configuration document")
	pf.StringVarP(&flagModuleDir, "moduledir", "m", "", "Module directory to scan")
	pf.StringVarP(&flagTempDir, "tempdir", "t", "", "Scratch directory for bind trees")
	pf.StringVarP(&flagMountSource, "mountsource", "s", "", "Mount source label")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")
	pf.StringSliceVarP(&flagPartitions, "partitions", "p", nil, "Extra partitions to consider")

	rootCmd.AddCommand(
		runCmd,
		showConfigCmd,
		saveConfigCmd,
		genConfigCmd,
		modulesCmd,
		storageCmd,
	)
}
