package cli

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Control project dev servers",
}

var serverStartCmd = &cobra.Command{
	Use:   "start <project-id>",
	Short: "Start the preview dev server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec map[string]any
		if err := apiRequest(http.MethodPost, "/projects/"+url.PathEscape(args[0])+"/server/start", nil, &rec); err != nil {
			return err
		}
		printJSON(rec)
		return nil
	},
}

var serverStopCmd = &cobra.Command{
	Use:   "stop <project-id>",
	Short: "Stop the preview dev server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec map[string]any
		if err := apiRequest(http.MethodPost, "/projects/"+url.PathEscape(args[0])+"/server/stop", nil, &rec); err != nil {
			return err
		}
		printJSON(rec)
		return nil
	},
}

var serverStatusCmd = &cobra.Command{
	Use:   "status <project-id>",
	Short: "Show dev server state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec map[string]any
		if err := apiRequest(http.MethodGet, "/projects/"+url.PathEscape(args[0])+"/server", nil, &rec); err != nil {
			return err
		}
		printJSON(rec)
		return nil
	},
}

func init() {
	serverCmd.AddCommand(serverStartCmd, serverStopCmd, serverStatusCmd)
	rootCmd.AddCommand(serverCmd)
}
