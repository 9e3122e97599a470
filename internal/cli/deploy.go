package cli

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Manage deployments",
}

var deployTriggerCmd = &cobra.Command{
	Use:   "trigger <project-id>",
	Short: "Trigger a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var dep map[string]any
		if err := apiRequest(http.MethodPost, "/projects/"+url.PathEscape(args[0])+"/deployments", nil, &dep); err != nil {
			return err
		}
		printJSON(dep)
		return nil
	},
}

var deployListLimit int

var deployListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List deployments, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/projects/%s/deployments?limit=%d", url.PathEscape(args[0]), deployListLimit)
		var deps []map[string]any
		if err := apiRequest(http.MethodGet, path, nil, &deps); err != nil {
			return err
		}
		printJSON(deps)
		return nil
	},
}

var deployGetCmd = &cobra.Command{
	Use:   "get <project-id> <number>",
	Short: "Show one deployment attempt",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/projects/%s/deployments/%s", url.PathEscape(args[0]), url.PathEscape(args[1]))
		var dep map[string]any
		if err := apiRequest(http.MethodGet, path, nil, &dep); err != nil {
			return err
		}
		printJSON(dep)
		return nil
	},
}

var deployCancelCmd = &cobra.Command{
	Use:   "cancel <project-id> <number>",
	Short: "Cancel a pending or building deployment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/projects/%s/deployments/%s/cancel", url.PathEscape(args[0]), url.PathEscape(args[1]))
		var dep map[string]any
		if err := apiRequest(http.MethodPost, path, nil, &dep); err != nil {
			return err
		}
		printJSON(dep)
		return nil
	},
}

func init() {
	deployListCmd.Flags().IntVarP(&deployListLimit, "limit", "n", 20, "Maximum deployments to list")
	deployCmd.AddCommand(deployTriggerCmd, deployListCmd, deployGetCmd, deployCancelCmd)
	rootCmd.AddCommand(deployCmd)
}
