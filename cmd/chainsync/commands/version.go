package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/chainsync/version"
)

var verbose bool

// VersionCmd ...
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		if !verbose {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
			return
		}
		values, _ := json.MarshalIndent(struct {
			Chainsync     string `json:"chainsync"`
			SyncProtocol  uint64 `json:"sync_protocol"`
			BlockProtocol uint64 `json:"block_protocol"`
		}{
			Chainsync:     version.Version,
			SyncProtocol:  uint64(version.SyncProtocol),
			BlockProtocol: uint64(version.BlockProtocol),
		}, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(values))
	},
}

func init() {
	VersionCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show protocol versions")
}
