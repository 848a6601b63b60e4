package main

import (
	"os"
	"path/filepath"

	"github.com/tendermint/chainsync/cmd/chainsync/commands"
	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/libs/cli"
	"github.com/tendermint/chainsync/libs/log"
)

func main() {
	conf := config.DefaultConfig()
	logger := log.MustNewDefaultLogger(conf.LogFormat, conf.LogLevel)

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.MakeSimulateCommand(conf, logger),
		commands.VersionCmd,
	)

	cmd := cli.PrepareBaseCmd(rcmd, "CS", os.ExpandEnv(filepath.Join("$HOME", config.DefaultChainsyncDir)))
	if err := cmd.Execute(); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}
