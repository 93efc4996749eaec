package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "liveavatar",
		Short:        "Run and drive live avatar streaming sessions",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCommand(), newChatCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
