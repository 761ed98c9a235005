package cmd

import (
	"fmt"
	"time"

	"github.com/relaycore/ledgersync/internal/clientstore"
	"github.com/relaycore/ledgersync/internal/output"
	"github.com/relaycore/ledgersync/internal/registry"
	"github.com/spf13/cobra"
)

var syncConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show recent sync conflicts",
	Long: `Lists rows the sync runner overwrote locally because the server's
conflict resolution favored the remote version.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 || limit > 1000 {
			output.Error("limit must be between 1 and 1000")
			return fmt.Errorf("invalid limit: %d", limit)
		}

		baseDir := getBaseDir()
		reg, err := registry.Default()
		if err != nil {
			output.Error("build registry: %v", err)
			return err
		}
		store, err := clientstore.Open(baseDir, reg)
		if err != nil {
			output.Error("open store: %v", err)
			return err
		}
		defer store.Close()

		conflicts, err := store.GetRecentConflicts(limit)
		if err != nil {
			output.Error("query conflicts: %v", err)
			return err
		}

		if len(conflicts) == 0 {
			fmt.Println("No sync conflicts found.")
			return nil
		}

		fmt.Println("Recent sync conflicts:")
		fmt.Printf("  %-21s %-12s %-20s %s\n", "TIME", "TABLE", "ROW", "SEQ")
		for _, c := range conflicts {
			ts := time.UnixMilli(c.OverwrittenAt).Format("2006-01-02 15:04:05")
			fmt.Printf("  %-21s %-12s %-20s %d\n", ts, c.Table, truncateID(c.RowID, 20), c.ServerSeq.Int64)
		}
		return nil
	},
}

func init() {
	syncConflictsCmd.Flags().Int("limit", 20, "Max conflicts to show")
	syncCmd.AddCommand(syncConflictsCmd)
}
