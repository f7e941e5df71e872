package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/bus_relay/internal/logging"
)

// logsCmd reads the relay's local error log (ERROR_LOG_FILE).
var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Read or clear the relay's error log",
}

var logsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the last lines of the error log",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := errorLogPath(cmd)
		if err != nil {
			return err
		}
		n, _ := cmd.Flags().GetInt("lines")
		lines, err := logging.Tail(path, n)
		if err != nil {
			return fmt.Errorf("read error log: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, map[string]any{"file": path, "lines": lines})
			return nil
		}
		if len(lines) == 0 {
			fmt.Fprintln(out, "error log is empty")
			return nil
		}
		for _, l := range lines {
			fmt.Fprintln(out, l)
		}
		return nil
	},
}

var logsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Truncate the error log",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := errorLogPath(cmd)
		if err != nil {
			return err
		}
		if err := logging.Truncate(path); err != nil {
			return fmt.Errorf("clear error log: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", path)
		return nil
	},
}

func errorLogPath(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("file"); p != "" {
		return p, nil
	}
	if p := viper.GetString("error_log"); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("no error log given: pass --file or set error_log in the config")
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.AddCommand(logsTailCmd)
	logsCmd.AddCommand(logsClearCmd)
	logsCmd.PersistentFlags().String("file", "", "error log path (default from config error_log)")
	logsTailCmd.Flags().IntP("lines", "n", 50, "number of lines to show")
}
