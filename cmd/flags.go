// ftbind flags <target>...
package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/qobs-build/ftbind/internal/builder"
	"github.com/qobs-build/ftbind/internal/msg"
	"github.com/qobs-build/ftbind/internal/target"
	"github.com/spf13/cobra"
)

// targetFlags returns the flags every translation unit is compiled with for t,
// without profile, manifest or triple flags
func targetFlags(t target.Target) []string {
	return append(append([]string{}, builder.UniversalFlags...), t.Flags()...)
}

func doFlags(cmd *cobra.Command, args []string) {
	for _, arg := range args {
		t, err := target.Parse(arg)
		if err != nil {
			msg.Fatal("%v", err)
		}
		flags := strings.Join(targetFlags(t), " ")
		if len(args) == 1 {
			fmt.Println(flags)
			continue
		}
		fmt.Printf("%s (%s): %s\n", color.HiCyanString(t.String()), t.Family, flags)
	}
}

var flagsCmd = &cobra.Command{
	Use:   "flags <target>...",
	Short: "Print the freestanding compile flags for targets",
	Args:  cobra.MinimumNArgs(1),
	Run:   doFlags,
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return target.Known, cobra.ShellCompDirectiveNoFileComp
	},
}

func init() {
	// ftbind flags subcommand
	rootCmd.AddCommand(flagsCmd)
}
