package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kalambet/wingman/internal/config"
	"github.com/kalambet/wingman/internal/conversation"
	"github.com/kalambet/wingman/internal/dispatch"
)

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror the account's matches into local storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		pageSize, _ := cmd.Flags().GetInt("page-size")
		includeMessaged, _ := cmd.Flags().GetBool("include-messaged")

		q := url.Values{}
		if pageSize > 0 {
			q.Set("page_size", strconv.Itoa(pageSize))
		}
		if includeMessaged {
			q.Set("include_messaged", "true")
		}
		path := "/matches/sync"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}
		var res struct {
			Pages    int               `json:"pages"`
			Inserted int               `json:"inserted"`
			Matches  []json.RawMessage `json:"matches"`
		}
		if err := client.call(cmd.Context(), http.MethodPost, path, &res); err != nil {
			return err
		}
		printSuccess("Synced %d page(s): %d new of %d match(es)", res.Pages, res.Inserted, len(res.Matches))
		return nil
	},
}

func init() {
	syncCmd.Flags().Int("page-size", 0, "matches per page (default from config)")
	syncCmd.Flags().Bool("include-messaged", false, "also walk matches that already have messages")
}

// --- enrich ---

var enrichCmd = &cobra.Command{
	Use:   "enrich [match-id]",
	Short: "Fetch profile detail for stored matches",
	Long: `Schedule enrichment for every stored match, or enrich one match immediately.

Examples:
  wingman enrich
  wingman enrich 5f1c...`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			var m map[string]any
			if err := client.call(cmd.Context(), http.MethodPost, "/matches/"+url.PathEscape(args[0])+"/enrich", &m); err != nil {
				return err
			}
			return printJSON(m)
		}
		return schedule(cmd, client, "/matches/enrich", "enrichment(s)")
	},
}

// --- openers ---

var openersCmd = &cobra.Command{
	Use:   "openers",
	Short: "Schedule a greeting to every uncontacted match within distance",
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}
		return schedule(cmd, client, withThreshold("/openers", threshold), "opener(s)")
	},
}

var openerCmd = &cobra.Command{
	Use:   "opener <match-id>",
	Short: "Send the greeting to one match now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}
		var res struct {
			ID string `json:"_id"`
		}
		if err := client.call(cmd.Context(), http.MethodPost, "/matches/"+url.PathEscape(args[0])+"/opener", &res); err != nil {
			return err
		}
		printSuccess("Sent opener to %s (message %s)", args[0], res.ID)
		return nil
	},
}

// --- unmatch ---

var unmatchCmd = &cobra.Command{
	Use:   "unmatch [match-id]",
	Short: "Drop distant matches, or one match immediately",
	Long: `Schedule an unmatch for every stored match farther than the threshold,
or unmatch one match immediately.

Examples:
  wingman unmatch --threshold 40
  wingman unmatch 5f1c...`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			var res map[string]string
			if err := client.call(cmd.Context(), http.MethodDelete, "/matches/"+url.PathEscape(args[0]), &res); err != nil {
				return err
			}
			printSuccess("Unmatched %s", args[0])
			return nil
		}
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		return schedule(cmd, client, withThreshold("/unmatch", threshold), "unmatch(es)")
	},
}

func init() {
	openersCmd.Flags().Float64("threshold", 0, "maximum distance in km (default from config)")
	unmatchCmd.Flags().Float64("threshold", 0, "distance in km beyond which matches are dropped (default from config)")
}

// schedule posts to a scheduling endpoint and prints the resulting schedule.
func schedule(cmd *cobra.Command, client *apiClient, path, what string) error {
	var items []scheduled
	if err := client.call(cmd.Context(), http.MethodPost, path, &items); err != nil {
		return err
	}
	if refused := printSchedule(what, items); refused > 0 {
		return fmt.Errorf("%d of %d submission(s) refused", refused, len(items))
	}
	return nil
}

// --- reply ---

var replyCmd = &cobra.Command{
	Use:   "reply",
	Short: "Run one reply cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}
		var report conversation.Report
		if err := client.call(cmd.Context(), http.MethodPost, "/reply", &report); err != nil {
			return err
		}
		printReport(report)
		return nil
	},
}

// --- task ---

var taskCmd = &cobra.Command{
	Use:   "task <task-id>",
	Short: "Show the state of a scheduled task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}
		var st dispatch.Status
		if err := client.call(cmd.Context(), http.MethodGet, "/tasks/"+url.PathEscape(args[0]), &st); err != nil {
			return err
		}
		printTask(st)
		if len(st.Result) > 0 {
			return printJSON(st.Result)
		}
		return nil
	},
}

// --- matches ---

var matchesCmd = &cobra.Command{
	Use:   "matches [match-id]",
	Short: "List stored matches, show one, or count them by distance",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		totals, _ := cmd.Flags().GetBool("totals")
		threshold, _ := cmd.Flags().GetFloat64("threshold")

		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}

		switch {
		case totals:
			var t struct {
				Total    int `json:"total_matches"`
				Under    int `json:"under"`
				AtOrOver int `json:"at_or_over"`
				Unknown  int `json:"unknown_distance"`
			}
			if err := client.call(cmd.Context(), http.MethodGet, withThreshold("/matches/totals", threshold), &t); err != nil {
				return err
			}
			printStatus("Total", "%d", t.Total)
			printStatus("Under threshold", "%d", t.Under)
			printStatus("At or over threshold", "%d", t.AtOrOver)
			printStatus("Unknown distance", "%d", t.Unknown)
			return nil
		case len(args) == 1:
			var m map[string]any
			if err := client.call(cmd.Context(), http.MethodGet, "/matches/"+url.PathEscape(args[0]), &m); err != nil {
				return err
			}
			return printJSON(m)
		default:
			var ms []map[string]any
			if err := client.call(cmd.Context(), http.MethodGet, "/matches", &ms); err != nil {
				return err
			}
			return printJSON(ms)
		}
	},
}

func init() {
	matchesCmd.Flags().Bool("totals", false, "print counts under and over the distance threshold")
	matchesCmd.Flags().Float64("threshold", 0, "distance threshold in km for --totals (default from config)")
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show the cached account profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}
		var p map[string]any
		if err := client.call(cmd.Context(), http.MethodGet, "/profile", &p); err != nil {
			return err
		}
		return printJSON(p)
	},
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export long conversations as chat-format training data",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd.Context())
		if err != nil {
			return err
		}
		var res conversation.ExportResult
		if err := client.call(cmd.Context(), http.MethodPost, "/conversations/export", &res); err != nil {
			return err
		}
		printSuccess("Exported %d conversation(s) to %s", res.Exported, res.Dir)
		if res.Skipped > 0 {
			printWarning("Skipped %d conversation(s) with ids unusable as file names", res.Skipped)
		}
		printStatus("Combined", "%s", res.Combined)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSecretCmd = &cobra.Command{
	Use:   "secret <key> <value>",
	Short: "Store a secret (platform.token, llm.api_key) in the local secret store",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configSecretCmd)
}
