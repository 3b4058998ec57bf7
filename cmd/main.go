package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zmdio/zmd/cmd/console"
	mergecmd "github.com/zmdio/zmd/cmd/merge"
	"github.com/zmdio/zmd/cmd/record"
	replaycmd "github.com/zmdio/zmd/cmd/replay"
	"github.com/zmdio/zmd/cmd/tool"
	"github.com/zmdio/zmd/utils"
	"github.com/zmdio/zmd/utils/log"
)

// flagPrintVersion set flag to show the current zmd version.
var flagPrintVersion bool

// Execute builds the command tree and executes commands.
func Execute() error {

	// c is the root command.
	c := &cobra.Command{
		Use: "zmd",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Print version if specified.
			if flagPrintVersion {
				log.Info("version: %v", utils.Tag)
				log.Info("commit hash: %v", utils.GitHash)
				log.Info("utc build time: %v", utils.BuildStamp)
				return nil
			}
			// Print information regarding usage.
			return cmd.Usage()
		},
	}

	// Adds subcommands and version flag.
	c.AddCommand(record.Cmd)
	c.AddCommand(replaycmd.Cmd)
	c.AddCommand(mergecmd.Cmd)
	c.AddCommand(console.Cmd)
	c.AddCommand(tool.Cmd)
	c.Flags().BoolVarP(&flagPrintVersion, "version", "v", false, "show the version info and exit")

	return c.Execute()
}
