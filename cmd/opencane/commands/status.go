package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencane/opencane/pkg/cli"
)

var (
	statusAddr   string
	statusToken  string
	statusOutput string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running instance over the control API",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "127.0.0.1:18792", "control API address")
	statusCmd.Flags().StringVar(&statusToken, "token", "", "auth token, when the API requires one")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "output format: text|yaml|json")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	client := &http.Client{Timeout: 10 * time.Second}

	status, err := fetchJSON(client, statusAddr, "/v1/runtime/status")
	if err != nil {
		return err
	}
	health, err := fetchJSON(client, statusAddr, "/v1/runtime/observability")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusOutput != "text" {
		return cli.Print(out, map[string]any{"status": status, "observability": health},
			cli.ParseFormat(statusOutput))
	}

	styles := cli.NewStyles(cli.DefaultTheme)
	healthy := styles.Bad.Render("degraded")
	if b, _ := health["healthy"].(bool); b {
		healthy = styles.Good.Render("healthy")
	}
	sections := []cli.Section{
		{Title: "Runtime", Rows: []cli.KV{
			{Key: "adapter", Value: fmt.Sprint(status["adapter"])},
			{Key: "sessions", Value: fmt.Sprint(status["session_count"])},
			{Key: "vector backend", Value: fmt.Sprint(status["vector_backend"])},
			{Key: "health", Value: healthy},
		}},
	}
	if queue, ok := status["queue"].(map[string]any); ok {
		sections = append(sections, cli.Section{Title: "Ingest queue", Rows: mapRows(queue)})
	}
	if rates, ok := health["rates"].(map[string]any); ok {
		sections = append(sections, cli.Section{Title: "Rates", Rows: mapRows(rates)})
	}
	if alerts, ok := health["alerts"].([]any); ok && len(alerts) > 0 {
		rows := make([]cli.KV, 0, len(alerts))
		for i, a := range alerts {
			rows = append(rows, cli.KV{Key: fmt.Sprintf("%d", i+1), Value: styles.Bad.Render(fmt.Sprint(a))})
		}
		sections = append(sections, cli.Section{Title: "Alerts", Rows: rows})
	}
	fmt.Fprint(out, styles.RenderSections(sections))
	return nil
}

// fetchJSON calls one control endpoint and unwraps the response envelope.
func fetchJSON(client *http.Client, addr, path string) (map[string]any, error) {
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return nil, err
	}
	if statusToken != "" {
		req.Header.Set("Authorization", "Bearer "+statusToken)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status: %s unreachable: %w", addr, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("status: decode %s: %w", path, err)
	}
	if ok, _ := body["success"].(bool); !ok {
		return nil, fmt.Errorf("status: %s: %v (%v)", path, body["error_code"], body["message"])
	}
	delete(body, "success")
	return body, nil
}

func mapRows(m map[string]any) []cli.KV {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]cli.KV, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, cli.KV{Key: k, Value: fmt.Sprint(m[k])})
	}
	return rows
}
