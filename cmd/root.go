// ftbind [project path], ftbind build [project path]
package cmd

import (
	"fmt"
	"os"

	"github.com/qobs-build/ftbind/internal/builder"
	"github.com/qobs-build/ftbind/internal/fetch"
	"github.com/qobs-build/ftbind/internal/msg"
	"github.com/qobs-build/ftbind/internal/target"
	"github.com/spf13/cobra"
)

var (
	flagTarget    string
	flagOutDir    string
	flagProfile   string
	flagJobs      int
	flagGenerator EnumValue = NewEnumValue("generator", "", map[string]string{
		"":                      "Use the generator from Ftbind.toml (default)",
		builder.GeneratorDirect: "Compile directly with the C compiler",
		builder.GeneratorNinja:  "Generate build.ninja and run ninja",
	})
	flagFetcher EnumValue = NewEnumValue("fetcher", fetch.KindGoGit, map[string]string{
		fetch.KindGoGit: "Update submodules with go-git (default)",
		fetch.KindGit:   "Update submodules with the git command line client",
	})
)

func projectPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

func newBuilder(args []string) *builder.Builder {
	b, err := builder.NewBuilderInDirectory(projectPath(args), builder.Options{
		Target:      flagTarget,
		OutDir:      flagOutDir,
		Profile:     flagProfile,
		Gen:         flagGenerator.Value(),
		FetcherKind: flagFetcher.Value(),
		Jobs:        flagJobs,
	})
	if err != nil {
		msg.Fatal("%v", err)
	}
	return b
}

func doBuild(cmd *cobra.Command, args []string) {
	if err := newBuilder(args).Build(); err != nil {
		msg.Fatal("%v", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ftbind [project path]",
	Short: "Build flanterm for a freestanding target and generate its bindings",
	Long: `Build flanterm for a freestanding target and generate its bindings.

ftbind makes sure the flanterm sources are checked out, compiles them into a
static archive with kernel safe flags for the target, and writes a Go file
declaring the library's types, constants and functions.`,
	Args: cobra.MaximumNArgs(1),
	Run:  doBuild,
}

var buildCmd = &cobra.Command{
	Use:   "build [project path]",
	Short: "Build the archive and bindings",
	Long:  `Build the archive and bindings. If no project path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doBuild,
}

func init() {
	addBuildFlags(rootCmd)

	// ftbind build subcommand
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd)
}

func addFetchFlags(cmd *cobra.Command) {
	cmd.Flags().Var(&flagFetcher, "fetcher", "How to retrieve submodules, one of "+flagFetcher.HelpString())
	cmd.RegisterFlagCompletionFunc("fetcher", flagFetcher.CompletionFunc())
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagTarget, "target", "t", "", "Target architecture or triple (default $FTBIND_TARGET, $TARGET or [build] target)")
	cmd.Flags().StringVarP(&flagOutDir, "out-dir", "o", "", "Output directory (default $OUT_DIR or [build] out-dir)")
	cmd.Flags().StringVarP(&flagProfile, "profile", "p", builder.DefaultProfile, "Build with the given profile")
	cmd.Flags().IntVarP(&flagJobs, "jobs", "j", 0, "Number of parallel compile jobs (default: number of CPUs)")
	cmd.Flags().VarP(&flagGenerator, "gen", "g", "Generator to build with, one of "+flagGenerator.HelpString())
	cmd.RegisterFlagCompletionFunc("gen", flagGenerator.CompletionFunc())
	cmd.RegisterFlagCompletionFunc("target", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return target.Known, cobra.ShellCompDirectiveNoFileComp
	})
	addFetchFlags(cmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
