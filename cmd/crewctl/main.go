// Command crewctl drives a running MetaCrew server from the shell.
package main

import (
	"os"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}
