package cmd

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var validKinds = []string{"article", "author", "topic"}

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync [article|author|topic] [id]",
	Short: "Send an entity to the BUS now",
	Long: `Load an entity from WordPress and send it to the BUS immediately,
bypassing the trigger rules. A failed send is scheduled for retry as usual.

Examples:
  busctl sync article 42
  busctl sync author 7 --action created
  busctl sync topic 3 --action deleted`,
	Args: cobra.MatchAll(cobra.ExactArgs(2), func(cmd *cobra.Command, args []string) error {
		for _, k := range validKinds {
			if args[0] == k {
				return nil
			}
		}
		return fmt.Errorf("invalid kind %q, expected one of %v", args[0], validKinds)
	}),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := args[0]
		if _, err := strconv.ParseInt(args[1], 10, 64); err != nil {
			return fmt.Errorf("invalid id %q", args[1])
		}
		action, _ := cmd.Flags().GetString("action")

		path := fmt.Sprintf("/v1/sync/%s/%s", kind, args[1])
		if action != "" {
			path += "?action=" + url.QueryEscape(action)
		}
		status, body, err := callAPI("POST", path, nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, body)
			return nil
		}
		res := gjson.ParseBytes(body)
		fmt.Fprintf(out, "%s %d: %s", res.Get("event_type").String(), res.Get("entity_id").Int(), res.Get("outcome").String())
		if code := res.Get("status_code").Int(); code != 0 {
			fmt.Fprintf(out, " (BUS HTTP %d)", code)
		}
		fmt.Fprintln(out)
		if status != 200 {
			if next := res.Get("retry.next_attempt_at"); next.Exists() {
				fmt.Fprintf(out, "  retry #%d scheduled for %s\n", res.Get("retry.attempt").Int(), next.String())
			}
			if res.Get("dead_lettered").Bool() {
				fmt.Fprintln(out, "  gave up, entry dead-lettered")
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().String("action", "", "created, updated or deleted (default updated)")
}
