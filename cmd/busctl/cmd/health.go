package cmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the relay",
	Long:  `Check the relay's /healthz endpoint, including its backend checks and whether the BUS is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, body, err := callAPI("GET", "/healthz", nil)
		var apiErr *apiError
		if err != nil && !errors.As(err, &apiErr) {
			return fmt.Errorf("health check failed: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, body)
			return err
		}

		res := gjson.ParseBytes(body)
		if res.Get("ok").Bool() {
			fmt.Fprintln(out, "✓ Relay is healthy")
		} else {
			fmt.Fprintf(out, "✗ Relay is unhealthy: %s\n", res.Get("message").String())
		}
		var names []string
		checks := map[string]bool{}
		res.Get("checks").ForEach(func(k, v gjson.Result) bool {
			names = append(names, k.String())
			checks[k.String()] = v.Bool()
			return true
		})
		sort.Strings(names)
		for _, name := range names {
			mark := "✓"
			if !checks[name] {
				mark = "✗"
			}
			fmt.Fprintf(out, "  %s %s\n", mark, name)
		}
		if res.Get("bus_configured").Bool() {
			fmt.Fprintln(out, "  BUS: configured")
		} else {
			fmt.Fprintln(out, "  BUS: not configured, events are skipped")
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
