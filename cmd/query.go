package cmd

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/relaycore/ledgersync/internal/output"
	"github.com/relaycore/ledgersync/internal/registry"
	"github.com/relaycore/ledgersync/internal/syncclient"
	"github.com/relaycore/ledgersync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query <table>",
	Short: "Run a filtered read against a table's materialized ledger state",
	Long: `Query the server's materialized view of one table, filtering, sorting,
and paginating the same way the ledger's queryState endpoint does.

Examples:
  ledgersync query notes --filter '{"archived":false}'
  ledgersync query notes --like-field title --like "invoice" --limit 20
  ledgersync query notes --sort-by updated_at --sort-dir desc`,
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table := args[0]

		if !syncconfig.IsAuthenticated() {
			output.Error("not logged in (run: ledgersync auth login)")
			return fmt.Errorf("not authenticated")
		}

		projectID, err := requireLinkedProject()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("table", table)

		if v, _ := cmd.Flags().GetString("id"); v != "" {
			params.Set("id", v)
		}
		if v, _ := cmd.Flags().GetString("sort-by"); v != "" {
			params.Set("sort_by", v)
		}
		if v, _ := cmd.Flags().GetString("sort-dir"); v != "" {
			params.Set("sort_dir", v)
		}
		if v, _ := cmd.Flags().GetBool("include-deleted"); v {
			params.Set("include_deleted", "true")
		}
		if v, _ := cmd.Flags().GetString("filter"); v != "" {
			params.Set("filter", v)
		}
		if v, _ := cmd.Flags().GetString("or-filter"); v != "" {
			params.Set("or_filter", v)
		}
		if v, _ := cmd.Flags().GetString("like-field"); v != "" {
			params.Set("like_field", v)
		}
		if v, _ := cmd.Flags().GetString("like"); v != "" {
			params.Set("like", v)
		}
		if v, _ := cmd.Flags().GetString("regex-field"); v != "" {
			params.Set("regex_field", v)
		}
		if v, _ := cmd.Flags().GetString("regex"); v != "" {
			params.Set("regex", v)
		}
		if v, _ := cmd.Flags().GetString("regex-flags"); v != "" {
			params.Set("regex_flags", v)
		}
		if v, _ := cmd.Flags().GetString("date-field"); v != "" {
			params.Set("date_field", v)
		}
		if v, _ := cmd.Flags().GetInt64("date-from"); v != 0 {
			params.Set("date_from", strconv.FormatInt(v, 10))
		}
		if v, _ := cmd.Flags().GetInt64("date-to"); v != 0 {
			params.Set("date_to", strconv.FormatInt(v, 10))
		}
		if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
			params.Set("limit", strconv.Itoa(v))
		}
		if v, _ := cmd.Flags().GetInt("offset"); v > 0 {
			params.Set("offset", strconv.Itoa(v))
		}

		client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), "")

		resp, err := client.QueryState(projectID, params)
		if err != nil {
			output.Error("query: %v", err)
			return err
		}

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			return output.JSON(resp.Rows)
		}

		rows := make([]registry.Row, 0, len(resp.Rows))
		for _, r := range resp.Rows {
			rows = append(rows, registry.Row(r))
		}
		fmt.Print(output.FormatRows(rows))
		if len(rows) == 0 {
			fmt.Println("No rows matching query")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(queryCmd)

	queryCmd.Flags().String("id", "", "Exact row ID")
	queryCmd.Flags().String("sort-by", "", "Sort by field")
	queryCmd.Flags().String("sort-dir", "", "Sort direction: asc or desc")
	queryCmd.Flags().Bool("include-deleted", false, "Include soft-deleted rows")
	queryCmd.Flags().String("filter", "", "JSON equality filter, e.g. {\"status\":\"open\"}")
	queryCmd.Flags().String("or-filter", "", "JSON array of filter clauses, OR'd together")
	queryCmd.Flags().String("like-field", "", "Field to substring-match (pairs with --like)")
	queryCmd.Flags().String("like", "", "Substring to match in --like-field")
	queryCmd.Flags().String("regex-field", "", "Field to regex-match (pairs with --regex)")
	queryCmd.Flags().String("regex", "", "Regular expression to match in --regex-field")
	queryCmd.Flags().String("regex-flags", "", "Regex flags (subset of gimsuy)")
	queryCmd.Flags().String("date-field", "", "Field to range-filter with --date-from/--date-to")
	queryCmd.Flags().Int64("date-from", 0, "Epoch-ms lower bound for --date-field")
	queryCmd.Flags().Int64("date-to", 0, "Epoch-ms upper bound for --date-field")
	queryCmd.Flags().IntP("limit", "n", 50, "Limit results")
	queryCmd.Flags().Int("offset", 0, "Skip this many results")
	queryCmd.Flags().Bool("json", false, "JSON output")
}
