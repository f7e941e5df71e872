package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the relay's cached BUS token",
}

var tokenFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drop the cached BUS token so the next send logs in again",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, _, err := callAPI("DELETE", "/v1/token", nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "BUS token flushed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenFlushCmd)
}
