package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relaycore/ledgersync/internal/clientstore"
	"github.com/relaycore/ledgersync/internal/output"
	"github.com/relaycore/ledgersync/internal/registry"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Short:   "Initialize a new ledgersync project",
	Long:    `Creates the local .ledgersync directory and embedded SQLite store.`,
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseDir := getBaseDir()

		if _, err := os.Stat(filepath.Join(baseDir, ".ledgersync")); err == nil {
			output.Warning(".ledgersync/ already exists")
			return nil
		}

		reg, err := registry.Default()
		if err != nil {
			output.Error("failed to build registry: %v", err)
			return err
		}

		store, err := clientstore.Initialize(baseDir, reg)
		if err != nil {
			output.Error("failed to initialize store: %v", err)
			return err
		}
		defer store.Close()

		fmt.Println("INITIALIZED .ledgersync/")

		gitignorePath := filepath.Join(baseDir, ".gitignore")
		if _, err := os.Stat(filepath.Join(baseDir, ".git")); err == nil {
			addToGitignore(gitignorePath)
		}

		fmt.Println("Run `ledgersync auth login` then `ledgersync sync init` to connect to a server.")

		return nil
	},
}

func addToGitignore(path string) {
	content, _ := os.ReadFile(path)
	contentStr := string(content)

	if strings.Contains(contentStr, ".ledgersync/") {
		return
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	if len(contentStr) > 0 && !strings.HasSuffix(contentStr, "\n") {
		f.WriteString("\n")
	}

	f.WriteString(".ledgersync/\n")
	fmt.Println("Added .ledgersync/ to .gitignore")
}

func init() {
	rootCmd.AddCommand(initCmd)
}
