package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs <project-id>",
	Short: "Stream dev server output",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func runLogs(cmd *cobra.Command, args []string) error {
	projectID := args[0]
	wsURL, err := logsEndpoint(cliCfg.APIBaseURL, projectID)
	if err != nil {
		return err
	}
	log.Debugw("connecting", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect log stream: %w", err)
	}
	defer conn.Close()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)

	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			var line struct {
				Line string `json:"line"`
				At   string `json:"at"`
			}
			if json.Unmarshal(payload, &line) == nil && line.Line != "" {
				fmt.Printf("%s %s\n", line.At, line.Line)
				continue
			}
			fmt.Println(string(payload))
		}
	}()

	select {
	case <-interrupt:
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return nil
	case err := <-done:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return err
	}
}

func logsEndpoint(apiBase, projectID string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("invalid api base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/logs"
	u.RawQuery = "project_id=" + url.QueryEscape(projectID)
	return u.String(), nil
}

func init() {
	rootCmd.AddCommand(logsCmd)
}
