package commands

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/libs/log"
	tmos "github.com/tendermint/chainsync/libs/os"
)

// MakeInitFilesCommand returns the command that creates the home directory
// of a node and writes its config file.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "init [full|light]",
		Short:     "Initialize the home directory of a chainsync node",
		ValidArgs: []string{"full", "light"},
		Args:      cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				conf.Sync.Role = args[0]
			}
			return initFilesWithConfig(conf, logger)
		},
	}
	return cmd
}

func initFilesWithConfig(conf *config.Config, logger log.Logger) error {
	if err := conf.Sync.ValidateBasic(); err != nil {
		return err
	}
	if err := config.EnsureRoot(conf.RootDir); err != nil {
		return err
	}

	configFile := filepath.Join(conf.RootDir, "config", "config.toml")
	if tmos.FileExists(configFile) {
		logger.Info("Found config file", "path", configFile)
		return nil
	}
	if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
		return err
	}
	logger.Info("Generated config", "path", configFile, "role", conf.Sync.Role)
	return nil
}
