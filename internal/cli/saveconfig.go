package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hybridmount/hybridmount/internal/bootguard"
	"github.com/hybridmount/hybridmount/internal/clock"
	"github.com/hybridmount/hybridmount/internal/config"
	"github.com/hybridmount/hybridmount/internal/fsops"
	"github.com/hybridmount/hybridmount/internal/logging"
)

var flagPayload string

var saveConfigCmd = &cobra.Command{
	Use:   "save-config",
	Short: "Validate and store a configuration document",
	Long: `Decode the hex-encoded JSON payload, validate it, and store it as the
daemon configuration. Hex encoding keeps the document intact across the
shell boundary the management UI invokes this through. An invalid payload
is rejected and the stored configuration is left untouched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := hex.DecodeString(flagPayload)
		if err != nil {
			return fmt.Errorf("payload is not valid hex: %w", err)
		}
		cfg := config.Default()
		if err := json.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("payload is not a valid config document: %w", err)
		}

		paths := config.DefaultPaths()
		if err := paths.EnsureDirectories(); err != nil {
			return fmt.Errorf("failed to create daemon directories: %w", err)
		}
		fs := fsops.NewRealFS()
		if err := cfg.Save(fs, paths.Config); err != nil {
			return err
		}

		// Every accepted document becomes a rescue point.
		log, closeLog, err := logging.Setup("", false)
		if err == nil {
			defer func() { _ = closeLog() }()
			guard := bootguard.NewGuard(fs, &clock.RealClock{}, log, paths)
			data, _ := json.MarshalIndent(cfg, "", "  ")
			if err := guard.Snapshot(data); err != nil {
				PrintWarning(fmt.Sprintf("failed to snapshot config: %v", err))
			}
		}

		PrintSuccess("configuration saved")
		return nil
	},
}

func init() {
	saveConfigCmd.Flags().StringVar(&flagPayload, "payload", "", "Hex-encoded JSON config document")
	_ = saveConfigCmd.MarkFlagRequired("payload")
}
