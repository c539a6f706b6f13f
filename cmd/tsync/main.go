// Command tsync reads and writes message threads through the threadsync
// engine: optimistic sends, reconciliation with the server history and an
// offline snapshot cache.
package main

import (
	"fmt"
	"os"
)

// version is overwritten at build time using -ldflags.
var version = "dev"

func main() {
	root := newRootCmd(version)
	err := root.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tsync: %v\n", err)
	}
	os.Exit(exitCode(err))
}
