// ftbind fetch [project path]
package cmd

import (
	"github.com/qobs-build/ftbind/internal/msg"
	"github.com/spf13/cobra"
)

func doFetch(cmd *cobra.Command, args []string) {
	b := newBuilder(args)
	fetched, err := b.Fetch()
	if err != nil {
		msg.Fatal("%v", err)
	}
	if fetched {
		msg.Status("Fetched", "%s", b.Config().Native.Path)
	} else {
		msg.Info("%s is already present", b.Config().Native.Path)
	}
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [project path]",
	Short: "Retrieve the flanterm sources without building",
	Long: `Retrieve the flanterm sources without building. Nothing happens if the
bundle's marker file already exists.`,
	Args: cobra.MaximumNArgs(1),
	Run:  doFetch,
}

func init() {
	// ftbind fetch subcommand
	rootCmd.AddCommand(fetchCmd)
	addFetchFlags(fetchCmd)
}
