// ftbind init [name], ftbind new [path]
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/qobs-build/ftbind/internal/builder"
	"github.com/qobs-build/ftbind/internal/msg"
	"github.com/qobs-build/ftbind/internal/target"
	"github.com/spf13/cobra"
)

func writefile(content string, elem ...string) {
	path := filepath.Join(elem...)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err = os.WriteFile(path, []byte(content), 0o644); err != nil {
			msg.Fatal("create file %s: %v", path, err)
		}
		fmt.Printf("%s file: %s\n", color.HiGreenString("Created"), filepath.ToSlash(path))
	}
}

func mkdir(elem ...string) {
	path := filepath.Join(elem...)
	if err := os.MkdirAll(path, 0o755); err != nil {
		msg.Fatal("mkdir %s: %v", path, err)
	}
}

func getProgramName() string {
	if len(os.Args) == 0 {
		return "ftbind"
	}
	basename := filepath.Base(os.Args[0])
	return strings.TrimSuffix(basename, filepath.Ext(basename))
}

// goPackageName turns a directory name into something usable as a package
// clause
func goPackageName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r - 'A' + 'a'
		default:
			return '_'
		}
	}, name)
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "ft" + name
	}
	return name
}

func manifestTemplate(name, arch string) string {
	return `[package]
name = "flanterm"

[native]
path = "flanterm"
marker = "README.md"
# source = "gh:mintsuki/flanterm@trunk"
sources = ["src/flanterm.c", "src/flanterm_backends/fb.c"]
include = ["src"]

[native.'target_family == "riscv64"']
cflags = ["-mcmodel=medany"]

[bindings]
header = "wrapper.h"
output = "bindings.go"
package = "` + name + `"
build-tags = ["tinygo"]

[build]
target = "` + arch + `"
out-dir = "build"
`
}

// initIn initializes a project in an existing directory
func initIn(dir, name string) {
	writefile(manifestTemplate(goPackageName(name), initTarget), dir, builder.ConfigFile)

	writefile(`#include <stdint.h>
#include <stddef.h>
#include <stdbool.h>

#include "flanterm/src/flanterm.h"
#include "flanterm/src/flanterm_backends/fb.h"
`, dir, "wrapper.h")

	writefile(`build/
`, dir, ".gitignore")

	programName := getProgramName()
	fmt.Printf("Add flanterm with %s, then run %s to build.\n",
		color.HiCyanString("git submodule add https://codeberg.org/mintsuki/flanterm "+filepath.ToSlash(filepath.Join(dir, "flanterm"))),
		color.HiCyanString(programName+" "+dir))
}

var initTarget string

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Create an ftbind project in the current directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		initIn(".", args[0])
	},
}

var newCmd = &cobra.Command{
	Use:   "new [path]",
	Short: "Create an ftbind project in a new directory",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mkdir(args[0])
		initIn(args[0], filepath.Base(args[0]))
	},
}

func init() {
	completeTargets := func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return target.Known, cobra.ShellCompDirectiveNoFileComp
	}

	// ftbind init subcommand
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVarP(&initTarget, "target", "t", "x86_64", "Default target written to Ftbind.toml")
	initCmd.RegisterFlagCompletionFunc("target", completeTargets)

	// ftbind new subcommand
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().StringVarP(&initTarget, "target", "t", "x86_64", "Default target written to Ftbind.toml")
	newCmd.RegisterFlagCompletionFunc("target", completeTargets)
}
