package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Send content events to the relay",
}

// eventSendCmd posts a content event as the WordPress hook would.
var eventSendCmd = &cobra.Command{
	Use:   "send [file]",
	Short: "Post a content event read from a file or stdin",
	Long: `Post a content event to the relay, exactly as the WordPress hooks do.
The event is read from the given file, or from stdin when the file is "-"
or omitted.

Example:
  echo '{"kind":"article","id":42,"post_type":"post","old_status":"draft","new_status":"publish"}' | busctl event send`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var src io.Reader = cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			src = f
		}
		raw, err := io.ReadAll(src)
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		if !json.Valid(raw) {
			return fmt.Errorf("event is not valid JSON")
		}

		_, body, err := callAPI("POST", "/v1/content-events", raw)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, body)
			return nil
		}
		res := gjson.ParseBytes(body)
		fmt.Fprintf(out, "%s %d: %s", res.Get("kind").String(), res.Get("entity_id").Int(), res.Get("decision").String())
		if reason := res.Get("reason").String(); reason != "" {
			fmt.Fprintf(out, " (%s)", reason)
		}
		if outcome := res.Get("outcome").String(); outcome != "" {
			fmt.Fprintf(out, " -> %s", outcome)
		}
		fmt.Fprintln(out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(eventSendCmd)
}
