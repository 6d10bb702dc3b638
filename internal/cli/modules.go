package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hybridmount/hybridmount/internal/config"
	"github.com/hybridmount/hybridmount/internal/fsops"
	"github.com/hybridmount/hybridmount/internal/hash"
	"github.com/hybridmount/hybridmount/internal/inventory"
	"github.com/hybridmount/hybridmount/internal/logging"
	"github.com/hybridmount/hybridmount/internal/planner"
	"github.com/hybridmount/hybridmount/internal/state"
)

var flagModulesJSON bool

var modulesCmd = &cobra.Command{
	Use:   "modules",
	Short: "List the modules the next run would mount",
	Long: `Scan the module directory and list each enabled module with its mount
mode, plus the outcome of the last run when a state snapshot exists.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := config.DefaultPaths()
		cfg, err := loadConfig(paths)
		if err != nil {
			return err
		}

		log, closeLog, err := logging.Setup("", cfg.Verbose)
		if err != nil {
			return err
		}
		defer func() { _ = closeLog() }()

		fs := fsops.NewRealFS()
		overrides, err := config.LoadModes(paths.Modes)
		if err != nil {
			return err
		}
		scanner := inventory.NewScanner(fs, hash.NewSHA256Hasher(), log)
		mods, err := scanner.Scan(cfg.ModuleDir, overrides)
		if err != nil {
			return err
		}

		staged := map[string]bool{}
		failed := map[string]bool{}
		mounted := map[string]bool{}
		if st, err := state.Load(fs, paths.State); err == nil {
			for _, id := range st.ModulesStaged {
				staged[id] = true
			}
			for _, id := range st.ModulesFailed {
				failed[id] = true
			}
			for _, p := range st.Partitions {
				if p.Status != string(planner.StatusMounted) {
					continue
				}
				for _, id := range p.Modules {
					mounted[id] = true
				}
			}
		}

		if flagModulesJSON {
			type moduleInfo struct {
				inventory.Module
				Mounted bool `json:"mounted"`
			}
			infos := make([]moduleInfo, 0, len(mods))
			for _, m := range mods {
				infos = append(infos, moduleInfo{Module: m, Mounted: mounted[m.ID]})
			}
			out, err := formatJSON(infos)
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		}

		if len(mods) == 0 {
			fmt.Println("no enabled modules")
			return nil
		}

		PrintSection("Modules")
		for _, m := range mods {
			status := ""
			switch {
			case failed[m.ID]:
				status = errorColor.Sprint(" [sync failed]")
			case mounted[m.ID]:
				status = successColor.Sprint(" [mounted]")
			case staged[m.ID]:
				status = successColor.Sprint(" [staged]")
			}
			fmt.Printf("  %-24s %-8s %s%s\n", m.ID, m.Mode, dimColor.Sprint(m.Version), status)
		}
		return nil
	},
}

func init() {
	modulesCmd.Flags().BoolVar(&flagModulesJSON, "json", false, "Output in JSON format")
}
