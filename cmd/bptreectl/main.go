// Command bptreectl inspects and exercises a blockbtree index from the
// command line: create a fresh index file, insert and look up entries,
// scan a range, and print its derived node geometry. It is a debugging and
// demonstration tool, not part of the engine itself — the buffer cache and
// inode layer are external collaborators, and this is one concrete caller
// of that contract, adapted from a single-command db demo into a proper
// cobra command tree in the style of a richer CLI.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var log = logrus.NewEntry(logrus.StandardLogger())

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
