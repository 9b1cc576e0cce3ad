package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/glimpse/internal/config"
)

// shotView mirrors the API's record shape for CLI rendering.
type shotView struct {
	ID            string   `json:"id"`
	CapturedAt    string   `json:"captured_at"`
	AppLabel      string   `json:"app_label"`
	ExtractedText *string  `json:"extracted_text"`
	Categories    []string `json:"categories"`
	Tags          []string `json:"tags"`
	Description   string   `json:"description"`
	Status        string   `json:"status"`
	RetryCount    int      `json:"retry_count"`
	LastError     string   `json:"last_error"`
	Score         *float32 `json:"score"`
}

func printShot(v shotView) {
	fmt.Printf("%s  %s  %s  %s\n",
		colorize(colorCyan, shortID(v.ID)),
		v.CapturedAt,
		colorize(colorBold, v.AppLabel),
		statusLabel(v.Status),
	)
	if v.Description != "" {
		fmt.Printf("    %s\n", v.Description)
	}
	if len(v.Tags) > 0 {
		fmt.Printf("    Tags: %s\n", strings.Join(v.Tags, ", "))
	}
	if v.Status == "failed" && v.LastError != "" {
		fmt.Printf("    %s\n", colorize(colorRed, v.LastError))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func statusLabel(status string) string {
	switch status {
	case "processed":
		return colorize(colorGreen, status)
	case "failed":
		return colorize(colorRed, status)
	default:
		return colorize(colorYellow, status)
	}
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show glimpse daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}

		serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
		client := &http.Client{Timeout: 2 * time.Second}

		resp, err := client.Get(serverURL + "/health")
		if err != nil {
			printStatus("Daemon", "stopped")
		} else {
			resp.Body.Close()
			if resp.StatusCode == 200 {
				printStatus("Daemon", "running on port %d", cfg.Server.Port)
			} else {
				printStatus("Daemon", "error (HTTP %d)", resp.StatusCode)
			}
		}

		printStatus("Embed model", "%s (dim %d)", cfg.LLM.EmbedModel, cfg.LLM.EmbedDim)
		printStatus("Chat model", "%s", cfg.LLM.ChatModel)
		printStatus("OCR service", "%s", cfg.OCR.BaseURL)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		printStatus("Watch dir", "%s", cfg.Storage.WatchDir)

		if resp != nil && resp.StatusCode == 200 {
			api, err := newAPIClient()
			if err == nil {
				for _, status := range []string{"pending", "processing", "processed", "failed"} {
					listResp, err := api.get(cmd.Context(), "/screenshots?status="+status)
					if err != nil {
						continue
					}
					var shots []json.RawMessage
					if decodeJSON(listResp, &shots) == nil {
						printStatus(capitalize(status), "%d", len(shots))
					}
				}
			}
		}
		return nil
	},
}

// --- save ---

var saveCmd = &cobra.Command{
	Use:   "save <image-file>",
	Short: "Save a screenshot image into the archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appID, _ := cmd.Flags().GetString("app-id")
		appLabel, _ := cmd.Flags().GetString("app-label")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading image: %w", err)
		}
		if appLabel == "" {
			appLabel = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]string{
			"image":     base64.StdEncoding.EncodeToString(data),
			"app_id":    appID,
			"app_label": appLabel,
		}
		resp, err := client.post(cmd.Context(), "/screenshots", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued screenshot %s", result["id"])
		return nil
	},
}

func init() {
	saveCmd.Flags().String("app-id", "cli", "source app id")
	saveCmd.Flags().String("app-label", "", "source app label (default: file name)")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search screenshots by text, falling back to semantic similarity",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/search?q=%s&limit=%d", url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var results []shotView
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for _, r := range results {
			if r.Score != nil {
				fmt.Printf("[score: %.3f]\n", *r.Score)
			}
			printShot(r)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
}

// --- recent ---

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List recently captured screenshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		app, _ := cmd.Flags().GetString("app")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/screenshots?limit=%d", limit)
		if app != "" {
			path += "&app=" + url.QueryEscape(app)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var shots []shotView
		if err := decodeJSON(resp, &shots); err != nil {
			return err
		}

		if len(shots) == 0 {
			fmt.Println("No screenshots found.")
			return nil
		}
		for _, s := range shots {
			printShot(s)
		}
		return nil
	},
}

func init() {
	recentCmd.Flags().Int("limit", 20, "maximum number of screenshots to list")
	recentCmd.Flags().String("app", "", "filter by source app id")
}

// --- requeue ---

var requeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Re-queue a failed screenshot for analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/screenshots/"+args[0]+"/requeue", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Screenshot %s re-queued", args[0])
		return nil
	},
}

// --- apps ---

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List source apps present in the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/apps")
		if err != nil {
			return err
		}

		var apps []string
		if err := decodeJSON(resp, &apps); err != nil {
			return err
		}

		if len(apps) == 0 {
			fmt.Println("No screenshots captured yet.")
			return nil
		}
		for _, app := range apps {
			fmt.Println(app)
		}
		return nil
	},
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a screenshot and its image file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/screenshots/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted screenshot %s", args[0])
		return nil
	},
}
