package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

// retriesCmd represents the retries command
var retriesCmd = &cobra.Command{
	Use:   "retries",
	Short: "Inspect scheduled BUS retries",
}

var retriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending retries, soonest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			return fmt.Errorf("limit must be positive")
		}
		_, body, err := callAPI("GET", fmt.Sprintf("/v1/retries?limit=%d", limit), nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, body)
			return nil
		}
		res := gjson.ParseBytes(body)
		entries := res.Get("entries").Array()
		fmt.Fprintf(out, "%d pending (showing %d)\n", res.Get("total").Int(), len(entries))
		if len(entries) == 0 {
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tID\tEVENT\tATTEMPT\tNEXT\tLAST ERROR")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\n",
				e.Get("kind").String(),
				e.Get("entity_id").Int(),
				e.Get("event_type").String(),
				e.Get("attempt").Int(),
				e.Get("next_attempt_at").String(),
				e.Get("last_error").String(),
			)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(retriesCmd)
	retriesCmd.AddCommand(retriesListCmd)
	retriesListCmd.Flags().Int("limit", 100, "maximum entries to show (relay caps at 1000)")
}
