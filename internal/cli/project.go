package cli

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var (
	projectTemplate    string
	projectDescription string
)

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project from a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if projectTemplate == "" {
			return errors.New("--template is required")
		}
		payload := map[string]string{
			"name":        args[0],
			"template":    projectTemplate,
			"description": projectDescription,
		}
		var created map[string]any
		if err := apiRequest(http.MethodPost, "/projects", payload, &created); err != nil {
			return err
		}
		printJSON(created)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var projects []map[string]any
		if err := apiRequest(http.MethodGet, "/projects", nil, &projects); err != nil {
			return err
		}
		printJSON(projects)
		return nil
	},
}

var projectGetCmd = &cobra.Command{
	Use:   "get <project-id>",
	Short: "Show one project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var project map[string]any
		if err := apiRequest(http.MethodGet, "/projects/"+url.PathEscape(args[0]), nil, &project); err != nil {
			return err
		}
		printJSON(project)
		return nil
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete a project and its workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiRequest(http.MethodDelete, "/projects/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil
	},
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List available project templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var reply map[string]any
		if err := apiRequest(http.MethodGet, "/templates", nil, &reply); err != nil {
			return err
		}
		printJSON(reply)
		return nil
	},
}

func init() {
	projectCreateCmd.Flags().StringVarP(&projectTemplate, "template", "t", "", "Project template (fastapi, react, vue, node, python)")
	projectCreateCmd.Flags().StringVarP(&projectDescription, "description", "d", "", "Project description")
	projectCmd.AddCommand(projectCreateCmd, projectListCmd, projectGetCmd, projectDeleteCmd)
	rootCmd.AddCommand(projectCmd, templatesCmd)
}
