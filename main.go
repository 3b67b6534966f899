package main

import "github.com/qobs-build/ftbind/cmd"

func main() {
	cmd.Execute()
}
