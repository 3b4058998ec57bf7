package merge

import (
	"github.com/spf13/cobra"

	"github.com/zmdio/zmd/merge"
	"github.com/zmdio/zmd/utils/log"
)

const (
	usage   = "merge OUT IN..."
	short   = "Merge N capture files into one time-ordered capture file"
	long    = "This command k-way merges the IN capture files into OUT by ascending frame timestamp"
	example = "zmd merge merged.zmd morning.zmd afternoon.zmd"
)

// Cmd is the merge command.
var Cmd = &cobra.Command{
	Use:        usage,
	Short:      short,
	Long:       long,
	SuggestFor: []string{"mcmerge", "combine"},
	Example:    example,
	Args:       cobra.MinimumNArgs(2),
	RunE:       executeMerge,
}

// executeMerge implements the merge command.
func executeMerge(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	if err := merge.Merge(args[0], args[1:]...); err != nil {
		log.Error("merge failed: %v", err)
		return err
	}
	return nil
}
