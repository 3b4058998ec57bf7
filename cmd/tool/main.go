package tool

import (
	"github.com/spf13/cobra"

	"github.com/zmdio/zmd/cmd/tool/dump"
)

const (
	toolUsage     = "tool"
	toolShortDesc = "Executes tools as subcommands"
	toolLongDesc  = "This command executes the specified tool"
	toolExample   = "zmd tool dump [flags]"
)

var (
	// Cmd is the tool command.
	Cmd = &cobra.Command{
		Use:        toolUsage,
		Short:      toolShortDesc,
		Long:       toolLongDesc,
		SuggestFor: []string{"dump"},
		Example:    toolExample,
	}
)

func init() {
	Cmd.AddCommand(dump.Cmd)
}
