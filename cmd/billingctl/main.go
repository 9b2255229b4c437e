package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "billingctl",
		Short:        "Operate the school billing engine from the command line",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(notifyTestCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
