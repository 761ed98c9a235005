package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/relaycore/ledgersync/internal/clientstore"
	"github.com/relaycore/ledgersync/internal/output"
	"github.com/relaycore/ledgersync/internal/registry"
	"github.com/relaycore/ledgersync/internal/syncclient"
	"github.com/relaycore/ledgersync/internal/syncconfig"
	"github.com/relaycore/ledgersync/internal/syncrunner"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Sync the local ledger with the remote server",
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		pushOnly, _ := cmd.Flags().GetBool("push")
		pullOnly, _ := cmd.Flags().GetBool("pull")
		statusOnly, _ := cmd.Flags().GetBool("status")

		if !syncconfig.IsAuthenticated() {
			output.Error("not logged in (run: ledgersync auth login)")
			return fmt.Errorf("not authenticated")
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

		syncState, err := store.GetSyncState()
		if err != nil {
			output.Error("get sync state: %v", err)
			return err
		}
		if syncState == nil || syncState.ProjectID == "" {
			output.Error("project not linked (run: ledgersync project link <id>)")
			return fmt.Errorf("not linked")
		}

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			output.Error("get device id: %v", err)
			return err
		}

		client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), deviceID)
		runner := syncrunner.New(store, client, reg, syncState.ProjectID, nil)

		if statusOnly {
			return runSyncStatus(runner, client, syncState)
		}

		if pushOnly {
			return runSyncPush(runner)
		}
		if pullOnly {
			return runSyncPull(runner)
		}

		result := runner.RunOnce()
		if result.Err != nil {
			output.Error("sync: %v", result.Err)
			return result.Err
		}

		fmt.Printf("Pushed %d, pulled %d (seq %d).\n", result.Pushed, result.Pulled, result.LastServerSeq)
		return nil
	},
}

func runSyncStatus(runner *syncrunner.Runner, client *syncclient.Client, state *clientstore.SyncState) error {
	fmt.Printf("Project:     %s\n", state.ProjectID)
	fmt.Printf("Last pulled: seq %d\n", state.LastPulledServerSeq)
	if state.LastSyncAt.Valid {
		fmt.Printf("Last sync:   %s\n", time.UnixMilli(state.LastSyncAt.Int64).Format(time.RFC3339))
	}

	serverStatus, err := client.SyncStatus(state.ProjectID)
	if err != nil {
		if errors.Is(err, syncclient.ErrUnauthorized) {
			output.Warning("unauthorized - re-login may be needed")
			return nil
		}
		output.Error("server status: %v", err)
		return err
	}

	fmt.Printf("\nServer:\n")
	fmt.Printf("  Last seq: %d\n", serverStatus.LastServerSeq)

	status := runner.GetStatus()
	fmt.Printf("\nRunner state: %s\n", status.State)
	if status.LastError != "" {
		fmt.Printf("Last error:   %s\n", status.LastError)
	}
	return nil
}

// runSyncPush drives one cycle but reports only the push side, since the
// runner couples push and pull into one cycle (spec §4.6's push-then-pull
// ordering). A push-only flag still runs one full cycle and reports what
// was pushed.
func runSyncPush(runner *syncrunner.Runner) error {
	result := runner.RunOnce()
	if result.Err != nil {
		output.Error("push: %v", result.Err)
		return result.Err
	}
	if result.Pushed == 0 {
		fmt.Println("Nothing to push.")
	} else {
		fmt.Printf("Pushed %d events.\n", result.Pushed)
	}
	return nil
}

func runSyncPull(runner *syncrunner.Runner) error {
	result := runner.RunOnce()
	if result.Err != nil {
		output.Error("pull: %v", result.Err)
		return result.Err
	}
	if result.Pulled == 0 {
		fmt.Println("Nothing to pull.")
	} else {
		fmt.Printf("Pulled %d events (seq %d).\n", result.Pulled, result.LastServerSeq)
	}
	return nil
}

func init() {
	syncCmd.Flags().Bool("push", false, "Run one full sync cycle and report only what was pushed")
	syncCmd.Flags().Bool("pull", false, "Run one full sync cycle and report only what was pulled")
	syncCmd.Flags().Bool("status", false, "Show sync status only")
	rootCmd.AddCommand(syncCmd)
}
