package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "werewolf",
	Short: "A replicated werewolf game peer",
	Long:  `werewolf runs one peer of a Paxos-replicated hidden-role social deduction game.`,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
