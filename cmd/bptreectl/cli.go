package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagDir         string
	flagIno         uint64
	flagClusterSize int
	flagHashWidth   int
	flagVerbose     bool
	flagDebug       bool
)

var rootCmd = &cobra.Command{
	Use:   "bptreectl",
	Short: "Inspect and exercise a blockbtree index",
	Long: `bptreectl opens a blockbtree index backed by a directory of
mmap'd inode files and lets you create it, insert and look up entries,
scan a key range, and print its derived node geometry.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagDebug {
			logrus.SetLevel(logrus.DebugLevel)
		} else if flagVerbose {
			logrus.SetLevel(logrus.InfoLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagDir, "dir", "./bptreedata", "directory holding the index's backing inode files")
	pf.Uint64Var(&flagIno, "ino", 1, "inode number identifying the index within dir")
	pf.IntVar(&flagClusterSize, "cluster-size", 4096, "node block size in bytes")
	pf.IntVar(&flagHashWidth, "hash-width", 0, "use fixed-width hash keys of this size (8, 16, 20, or 32) instead of uint64 keys")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "enable info-level logging")
	pf.BoolVarP(&flagDebug, "debug", "d", false, "enable debug-level logging")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(delCmd)
	rootCmd.AddCommand(rangeCmd)
	rootCmd.AddCommand(statCmd)
}
