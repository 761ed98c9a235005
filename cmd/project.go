package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/relaycore/ledgersync/internal/clientstore"
	"github.com/relaycore/ledgersync/internal/output"
	"github.com/relaycore/ledgersync/internal/registry"
	"github.com/relaycore/ledgersync/internal/syncclient"
	"github.com/relaycore/ledgersync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var validRoles = map[string]bool{"owner": true, "writer": true, "reader": true}

// requireLinkedProject opens the local store and returns the project ID it
// is currently linked to, or an error if it isn't linked yet.
func requireLinkedProject() (string, error) {
	baseDir := getBaseDir()
	reg, err := registry.Default()
	if err != nil {
		return "", err
	}
	store, err := clientstore.Open(baseDir, reg)
	if err != nil {
		output.Error("open store: %v", err)
		return "", err
	}
	defer store.Close()

	syncState, err := store.GetSyncState()
	if err != nil || syncState == nil || syncState.ProjectID == "" {
		output.Error("project not linked (run: ledgersync project link <id>)")
		return "", fmt.Errorf("not linked")
	}
	return syncState.ProjectID, nil
}

var syncProjectCmd = &cobra.Command{
	Use:     "project",
	Aliases: []string{"sp"},
	Short:   "Manage sync projects",
	GroupID: "sync",
}

var syncProjectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a remote sync project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncconfig.IsAuthenticated() {
			output.Error("not logged in (run: ledgersync auth login)")
			return fmt.Errorf("not authenticated")
		}

		name := args[0]
		description, _ := cmd.Flags().GetString("description")

		serverURL := syncconfig.GetServerURL()
		apiKey := syncconfig.GetAPIKey()
		client := syncclient.New(serverURL, apiKey, "")

		project, err := client.CreateProject(name, description)
		if err != nil {
			output.Error("create project: %v", err)
			return err
		}

		baseDir := getBaseDir()
		reg, err := registry.Default()
		if err != nil {
			output.Success("Created project %s (%s)", project.Name, project.ID)
			output.Warning("auto-link failed: %v", err)
			return nil
		}
		store, err := clientstore.Open(baseDir, reg)
		if err != nil {
			output.Success("Created project %s (%s)", project.Name, project.ID)
			output.Warning("auto-link failed: %v", err)
			return nil
		}
		defer store.Close()

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			output.Success("Created project %s (%s)", project.Name, project.ID)
			output.Warning("auto-link failed: %v", err)
			return nil
		}

		if err := store.SetSyncState(deviceID, project.ID); err != nil {
			output.Success("Created project %s (%s)", project.Name, project.ID)
			output.Warning("auto-link failed: %v", err)
			return nil
		}

		output.Success("Created and linked to project %s (%s)", project.Name, project.ID)
		return nil
	},
}

var syncProjectLinkCmd = &cobra.Command{
	Use:   "link <project-id>",
	Short: "Link local store to a remote sync project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		projectID := args[0]
		force, _ := cmd.Flags().GetBool("force")

		currentState, err := store.GetSyncState()
		if err != nil {
			output.Error("get sync state: %v", err)
			return err
		}

		if currentState != nil && currentState.ProjectID != "" && currentState.ProjectID != projectID {
			if !force {
				reader := bufio.NewReader(os.Stdin)
				fmt.Printf("This store is linked to project %s. Re-link to %s and reset the sync cursor? [y/N] ", currentState.ProjectID, projectID)
				line, _ := reader.ReadString('\n')
				line = strings.TrimSpace(strings.ToLower(line))
				if line != "y" && line != "yes" {
					output.Warning("link cancelled")
					return nil
				}
			}
			if err := store.ClearSyncState(); err != nil {
				output.Error("clear sync state: %v", err)
				return err
			}
		}

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			output.Error("get device id: %v", err)
			return err
		}

		if err := store.SetSyncState(deviceID, projectID); err != nil {
			output.Error("link project: %v", err)
			return err
		}

		output.Success("Linked to project %s", projectID)
		return nil
	},
}

var syncProjectUnlinkCmd = &cobra.Command{
	Use:   "unlink",
	Short: "Unlink local store from remote sync",
	RunE: func(cmd *cobra.Command, args []string) error {
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

		if err := store.ClearSyncState(); err != nil {
			output.Error("unlink project: %v", err)
			return err
		}

		output.Success("Unlinked from sync project")
		return nil
	},
}

var syncProjectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remote sync projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncconfig.IsAuthenticated() {
			output.Error("not logged in (run: ledgersync auth login)")
			return fmt.Errorf("not authenticated")
		}

		serverURL := syncconfig.GetServerURL()
		apiKey := syncconfig.GetAPIKey()
		client := syncclient.New(serverURL, apiKey, "")

		projects, err := client.ListProjects()
		if err != nil {
			output.Error("list projects: %v", err)
			return err
		}

		if len(projects) == 0 {
			fmt.Println("No projects.")
			return nil
		}

		fmt.Printf("%-36s  %-20s  %s\n", "ID", "NAME", "CREATED")
		for _, p := range projects {
			fmt.Printf("%-36s  %-20s  %s\n", p.ID, p.Name, p.CreatedAt)
		}
		return nil
	},
}

var syncProjectMembersCmd = &cobra.Command{
	Use:   "members",
	Short: "List project members",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncconfig.IsAuthenticated() {
			output.Error("not logged in (run: ledgersync auth login)")
			return fmt.Errorf("not authenticated")
		}

		projectID, err := requireLinkedProject()
		if err != nil {
			return err
		}

		client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), "")
		members, err := client.ListMembers(projectID)
		if err != nil {
			output.Error("list members: %v", err)
			return err
		}

		if len(members) == 0 {
			fmt.Println("No members.")
			return nil
		}

		fmt.Printf("%-36s  %-10s  %s\n", "USER ID", "ROLE", "ADDED")
		for _, m := range members {
			fmt.Printf("%-36s  %-10s  %s\n", m.UserID, m.Role, m.CreatedAt)
		}
		return nil
	},
}

var syncProjectInviteCmd = &cobra.Command{
	Use:   "invite <email> [role]",
	Short: "Invite a user to the project by email",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncconfig.IsAuthenticated() {
			output.Error("not logged in (run: ledgersync auth login)")
			return fmt.Errorf("not authenticated")
		}

		projectID, err := requireLinkedProject()
		if err != nil {
			return err
		}

		email := args[0]
		role := "writer"
		if len(args) > 1 {
			role = args[1]
		}
		if !validRoles[role] {
			output.Error("invalid role %q (must be owner, writer, or reader)", role)
			return fmt.Errorf("invalid role: %s", role)
		}

		client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), "")
		m, err := client.AddMember(projectID, email, role)
		if err != nil {
			output.Error("invite member: %v", err)
			return err
		}

		output.Success("Invited %s as %s (user %s)", email, m.Role, m.UserID)
		return nil
	},
}

var syncProjectKickCmd = &cobra.Command{
	Use:   "kick <user-id>",
	Short: "Remove a member from the project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncconfig.IsAuthenticated() {
			output.Error("not logged in (run: ledgersync auth login)")
			return fmt.Errorf("not authenticated")
		}

		projectID, err := requireLinkedProject()
		if err != nil {
			return err
		}

		client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), "")
		if err := client.RemoveMember(projectID, args[0]); err != nil {
			output.Error("remove member: %v", err)
			return err
		}

		output.Success("Removed member %s", args[0])
		return nil
	},
}

var syncProjectRoleCmd = &cobra.Command{
	Use:   "role <user-id> <role>",
	Short: "Change a member's role",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncconfig.IsAuthenticated() {
			output.Error("not logged in (run: ledgersync auth login)")
			return fmt.Errorf("not authenticated")
		}

		projectID, err := requireLinkedProject()
		if err != nil {
			return err
		}

		if !validRoles[args[1]] {
			output.Error("invalid role %q (must be owner, writer, or reader)", args[1])
			return fmt.Errorf("invalid role: %s", args[1])
		}

		client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetAPIKey(), "")
		if err := client.UpdateMemberRole(projectID, args[0], args[1]); err != nil {
			output.Error("update role: %v", err)
			return err
		}

		output.Success("Updated %s to %s", args[0], args[1])
		return nil
	},
}

var syncProjectJoinCmd = &cobra.Command{
	Use:   "join [name-or-id]",
	Short: "Join a remote sync project by name or ID",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !syncconfig.IsAuthenticated() {
			output.Error("not logged in (run: ledgersync auth login)")
			return fmt.Errorf("not authenticated")
		}

		serverURL := syncconfig.GetServerURL()
		apiKey := syncconfig.GetAPIKey()
		client := syncclient.New(serverURL, apiKey, "")

		projects, err := client.ListProjects()
		if err != nil {
			output.Error("list projects: %v", err)
			return err
		}

		if len(projects) == 0 {
			output.Error("no projects found")
			return fmt.Errorf("no projects found")
		}

		var selected syncclient.ProjectResponse

		if len(args) == 0 {
			fmt.Println("Available projects:")
			for i, p := range projects {
				fmt.Printf("  %d) %s (%s)\n", i+1, p.Name, p.ID)
			}
			fmt.Print("Select project number: ")

			scanner := bufio.NewScanner(os.Stdin)
			if !scanner.Scan() {
				return fmt.Errorf("no input")
			}
			input := strings.TrimSpace(scanner.Text())

			num, err := strconv.Atoi(input)
			if err != nil || num < 1 || num > len(projects) {
				output.Error("invalid selection %q", input)
				return fmt.Errorf("invalid selection")
			}
			selected = projects[num-1]
		} else {
			query := args[0]
			found := false
			for _, p := range projects {
				if p.Name == query {
					selected = p
					found = true
					break
				}
			}
			if !found {
				for _, p := range projects {
					if p.ID == query {
						selected = p
						found = true
						break
					}
				}
			}
			if !found {
				output.Error("no project matching %q", query)
				return fmt.Errorf("no project matching %q", query)
			}
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

		deviceID, err := syncconfig.GetDeviceID()
		if err != nil {
			output.Error("get device id: %v", err)
			return err
		}

		if err := store.SetSyncState(deviceID, selected.ID); err != nil {
			output.Error("link project: %v", err)
			return err
		}

		output.Success("Linked to project %s (%s)", selected.Name, selected.ID)
		return nil
	},
}

func init() {
	syncProjectCreateCmd.Flags().String("description", "", "Project description")
	syncProjectLinkCmd.Flags().BoolP("force", "f", false, "Skip confirmation prompts")
	syncProjectUnlinkCmd.Flags().BoolP("force", "f", false, "Skip confirmation prompts")

	syncProjectCmd.AddCommand(syncProjectCreateCmd)
	syncProjectCmd.AddCommand(syncProjectJoinCmd)
	syncProjectCmd.AddCommand(syncProjectLinkCmd)
	syncProjectCmd.AddCommand(syncProjectUnlinkCmd)
	syncProjectCmd.AddCommand(syncProjectListCmd)
	syncProjectCmd.AddCommand(syncProjectMembersCmd)
	syncProjectCmd.AddCommand(syncProjectInviteCmd)
	syncProjectCmd.AddCommand(syncProjectKickCmd)
	syncProjectCmd.AddCommand(syncProjectRoleCmd)
	rootCmd.AddCommand(syncProjectCmd)
}
