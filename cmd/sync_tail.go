package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaycore/ledgersync/internal/output"
	"github.com/relaycore/ledgersync/internal/syncclient"
	"github.com/relaycore/ledgersync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var syncTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recently committed ledger blocks",
	Long: `Show recently committed blocks from the hash chain. Use -f to follow
new blocks in real-time.

Examples:
  ledgersync sync tail          # Show last 20 blocks
  ledgersync sync tail -f       # Follow new blocks in real-time
  ledgersync sync tail -n 50    # Show last 50 blocks`,
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		lines, _ := cmd.Flags().GetInt("lines")

		projectID, err := requireLinkedProject()
		if err != nil {
			return err
		}

		client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), "")

		var since int64
		resp, err := client.ListBlocks(projectID, since, lines)
		if err != nil {
			output.Error("list blocks: %v", err)
			return err
		}

		for _, b := range resp.Blocks {
			printBlock(b)
		}
		since = resp.LastHeight

		if !follow {
			if len(resp.Blocks) == 0 {
				fmt.Println("No blocks committed yet.")
			}
			return nil
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-sigCh:
				fmt.Println()
				return nil
			case <-ticker.C:
				newResp, err := client.ListBlocks(projectID, since, 100)
				if err != nil {
					slog.Debug("sync tail: poll", "err", err)
					continue
				}
				for _, b := range newResp.Blocks {
					printBlock(b)
				}
				if newResp.LastHeight > since {
					since = newResp.LastHeight
				}
			}
		}
	},
}

func printBlock(b syncclient.Block) {
	ts := time.UnixMilli(b.Ts).Format("15:04:05")
	height := fmt.Sprintf("#%d", b.Height)

	fmt.Printf("%s %s hash:%s signer:%s\n",
		ts, height, truncateID(b.Hash, 16), truncateID(b.SignerID, 12))
}

func truncateID(id string, max int) string {
	if len(id) <= max {
		return id
	}
	return id[:max-3] + "..."
}

func init() {
	syncTailCmd.Flags().BoolP("follow", "f", false, "Follow new blocks in real-time")
	syncTailCmd.Flags().IntP("lines", "n", 20, "Number of initial blocks to show")
	syncCmd.AddCommand(syncTailCmd)
}
