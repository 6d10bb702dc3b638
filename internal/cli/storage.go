package cli

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hybridmount/hybridmount/internal/config"
	"github.com/hybridmount/hybridmount/internal/fsops"
	"github.com/hybridmount/hybridmount/internal/state"
	"github.com/hybridmount/hybridmount/internal/storage"
)

var flagStorageJSON bool

// storageInfo is the machine-readable shape of the storage report.
type storageInfo struct {
	Type       string `json:"type"`
	MountPoint string `json:"mount_point"`
	Size       uint64 `json:"size"`
	Used       uint64 `json:"used"`
	Percent    uint8  `json:"percent"`
}

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Show staging storage status",
	Long: `Report the staging backend of the last run: its kind, usage, and for the
loop-image backend the size of the backing file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := config.DefaultPaths()
		fs := fsops.NewRealFS()

		st, err := state.Load(fs, paths.State)
		if err != nil {
			if flagStorageJSON {
				return err
			}
			fmt.Println("no run recorded yet")
			return nil
		}

		if flagStorageJSON {
			out, err := formatJSON(storageInfo{
				Type:       st.StorageKind,
				MountPoint: st.StorageMountPoint,
				Size:       st.StorageTotalBytes,
				Used:       st.StorageUsedBytes,
				Percent:    st.StorageUsedPercent,
			})
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		}

		PrintSection("Staging storage")
		fmt.Printf("  Backend:   %s\n", st.StorageKind)
		fmt.Printf("  Mounted:   %s\n", st.StorageMountPoint)
		fmt.Printf("  Usage:     %s of %s (%d%%)\n",
			humanize.IBytes(st.StorageUsedBytes), humanize.IBytes(st.StorageTotalBytes),
			st.StorageUsedPercent)
		fmt.Printf("  Last run:  %s (%s)\n", st.RunID, humanize.Time(st.FinishedAt))

		if st.StorageKind == string(storage.KindLoopImage) {
			if info, err := os.Stat(paths.Image); err == nil {
				fmt.Printf("  Image:     %s (%s)\n", paths.Image, humanize.IBytes(uint64(info.Size())))
			}
		}
		if st.NukeApplied {
			fmt.Printf("  Traces:    %s\n", dimColor.Sprint("scrubbed"))
		}
		return nil
	},
}

func init() {
	storageCmd.Flags().BoolVar(&flagStorageJSON, "json", false, "Output in JSON format")
}
