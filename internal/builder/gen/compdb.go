package gen

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const CompileCommandsFile = "compile_commands.json"

// compileCommand is one entry of a clang JSON compilation database
type compileCommand struct {
	Directory string   `json:"directory"`
	File      string   `json:"file"`
	Arguments []string `json:"arguments"`
	Output    string   `json:"output"`
}

// writeCompileCommands writes compile_commands.json for editors and clangd,
// describing exactly the invocations the build runs
func writeCompileCommands(buildDir, cc string, targets []libTarget) error {
	cmds := []compileCommand{}
	for _, target := range targets {
		for _, src := range target.sources {
			job := compileJob{src: src.src, obj: filepath.Join(buildDir, src.obj), cflags: target.cflags, cc: cc}
			cmds = append(cmds, compileCommand{
				Directory: target.basedir,
				File:      src.src,
				Arguments: append([]string{cc}, compileArgs(job)...),
				Output:    job.obj,
			})
		}
	}

	data, err := json.MarshalIndent(cmds, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(buildDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(buildDir, CompileCommandsFile), append(data, '\n'), 0644)
}
