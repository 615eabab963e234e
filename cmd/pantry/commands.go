package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/pantry/internal/config"
)

// --- captures ---

var capturesCmd = &cobra.Command{
	Use:   "captures",
	Short: "Submit and inspect captures",
}

type captureSummary struct {
	ID           string    `json:"id"`
	DeviceID     string    `json:"device_id"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message"`
	CapturedAt   time.Time `json:"captured_at"`
}

var capturesAddCmd = &cobra.Command{
	Use:   "add <image-file>",
	Short: "Upload an image as a new capture",
	Long: `Upload an image as a new capture.

Examples:
  pantry captures add shelf.jpg --device kitchen-cam
  pantry captures add shelf.jpg --device kitchen-cam --trigger door --process`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device, _ := cmd.Flags().GetString("device")
		trigger, _ := cmd.Flags().GetString("trigger")
		process, _ := cmd.Flags().GetBool("process")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading image: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"device_id":    device,
			"trigger_type": trigger,
			"image":        base64.StdEncoding.EncodeToString(data),
			"process":      process,
		}
		resp, err := client.post(cmd.Context(), "/captures", req)
		if err != nil {
			return err
		}

		var result struct {
			Capture captureSummary `json:"capture"`
			TaskID  string         `json:"task_id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored capture %s", result.Capture.ID)
		if result.TaskID != "" {
			printStatus("Task", "%s", result.TaskID)
		}
		return nil
	},
}

var capturesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent captures",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		if status != "" {
			q.Set("status", status)
		}
		resp, err := client.get(cmd.Context(), "/captures?"+q.Encode())
		if err != nil {
			return err
		}

		var captures []captureSummary
		if err := decodeJSON(resp, &captures); err != nil {
			return err
		}
		writeCaptures(os.Stdout, captures)
		return nil
	},
}

var capturesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a capture and its observation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/captures/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var capture any
		if err := decodeJSON(resp, &capture); err != nil {
			return err
		}
		return printJSON(os.Stdout, capture)
	},
}

var capturesProcessCmd = &cobra.Command{
	Use:   "process <id>",
	Short: "Analyze a stored capture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/captures/" + url.PathEscape(args[0]) + "/process"
		if wait {
			path += "?sync=true"
		}
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if !wait {
			printSuccess("Queued capture %s as task %v", args[0], result["task_id"])
			return nil
		}
		return printJSON(os.Stdout, result)
	},
}

var capturesRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Requeue a failed capture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/captures/"+url.PathEscape(args[0])+"/retry", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Requeued capture %s as task %s", args[0], result["task_id"])
		return nil
	},
}

var capturesPendingCmd = &cobra.Command{
	Use:   "process-pending",
	Short: "Queue every stored capture for analysis",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/captures/process-pending"
		if limit > 0 {
			path += "?limit=" + strconv.Itoa(limit)
		}
		resp, err := client.post(cmd.Context(), path, nil)
		if err != nil {
			return err
		}

		var report struct {
			Found  int              `json:"found"`
			Queued []queuedCapture  `json:"queued"`
			Failed []enqueueFailure `json:"failed"`
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		printSuccess("Queued %d of %d stored captures", len(report.Queued), report.Found)
		for _, f := range report.Failed {
			printWarning("%s: %s", f.CaptureID, f.Error)
		}
		return nil
	},
}

type queuedCapture struct {
	CaptureID string `json:"capture_id"`
	TaskID    string `json:"task_id"`
}

type enqueueFailure struct {
	CaptureID string `json:"capture_id"`
	Error     string `json:"error"`
}

func writeCaptures(w io.Writer, captures []captureSummary) {
	if len(captures) == 0 {
		fmt.Fprintln(w, "No captures found.")
		return
	}
	for _, c := range captures {
		line := fmt.Sprintf("%s  %-9s  %s  %s",
			colorize(colorCyan, c.ID),
			c.Status,
			c.CapturedAt.Local().Format(time.DateTime),
			c.DeviceID,
		)
		if c.ErrorMessage != "" {
			line += "  " + colorize(colorRed, c.ErrorMessage)
		}
		fmt.Fprintln(w, line)
	}
}

func init() {
	capturesAddCmd.Flags().String("device", "cli", "device id recorded with the capture")
	capturesAddCmd.Flags().String("trigger", "manual", "what triggered the capture")
	capturesAddCmd.Flags().Bool("process", false, "queue the capture for analysis immediately")
	capturesListCmd.Flags().String("status", "", "only list captures in this status")
	capturesListCmd.Flags().Int("limit", 20, "maximum number of captures to list")
	capturesProcessCmd.Flags().Bool("wait", false, "analyze in the request and print the outcome")
	capturesPendingCmd.Flags().Int("limit", 0, "maximum number of captures to queue (server default when 0)")

	capturesCmd.AddCommand(capturesAddCmd)
	capturesCmd.AddCommand(capturesListCmd)
	capturesCmd.AddCommand(capturesShowCmd)
	capturesCmd.AddCommand(capturesProcessCmd)
	capturesCmd.AddCommand(capturesRetryCmd)
	capturesCmd.AddCommand(capturesPendingCmd)
}

// --- inventory ---

var inventoryCmd = &cobra.Command{
	Use:     "inventory",
	Aliases: []string{"inv"},
	Short:   "Show and correct the inventory",
}

type inventoryItem struct {
	Name          string     `json:"name"`
	CountEstimate int        `json:"count_estimate"`
	Confidence    float64    `json:"confidence"`
	LastSeenAt    *time.Time `json:"last_seen_at"`
	IsManual      bool       `json:"is_manual"`
	Notes         string     `json:"notes"`
}

var inventoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List items in the pantry",
	RunE: func(cmd *cobra.Command, args []string) error {
		includeStale, _ := cmd.Flags().GetBool("include-stale")
		low, _ := cmd.Flags().GetInt("low")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		if includeStale {
			q.Set("include_stale", "true")
		}
		if cmd.Flags().Changed("low") {
			q.Set("max_count", strconv.Itoa(low))
		}
		path := "/inventory"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var items []inventoryItem
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		writeInventory(os.Stdout, items)
		return nil
	},
}

func writeInventory(w io.Writer, items []inventoryItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "Pantry is empty.")
		return
	}
	for _, it := range items {
		conf := colorize(confidenceColor(it.Confidence), fmt.Sprintf("%3.0f%%", it.Confidence*100))
		line := fmt.Sprintf("%4d  %s  %s", it.CountEstimate, conf, colorize(colorBold, it.Name))
		if it.IsManual {
			line += " (manual)"
		}
		if it.Notes != "" {
			line += "  " + it.Notes
		}
		fmt.Fprintln(w, line)
	}
}

var inventorySetCmd = &cobra.Command{
	Use:   "set <name> <count>",
	Short: "Set an item's count by hand",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		count, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("count must be an integer: %w", err)
		}
		notes, _ := cmd.Flags().GetString("notes")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/inventory/override", map[string]any{
			"name":  args[0],
			"count": count,
			"notes": notes,
		})
		if err != nil {
			return err
		}

		var change struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
			Delta int    `json:"delta"`
		}
		if err := decodeJSON(resp, &change); err != nil {
			return err
		}
		printSuccess("Set %s = %d (%+d)", change.Name, change.Count, change.Delta)
		return nil
	},
}

var inventoryAdjustCmd = &cobra.Command{
	Use:   "adjust <name> <delta>",
	Short: "Add to or remove from an item's count",
	Long: `Add to or remove from an item's count.

Examples:
  pantry inventory adjust "olive oil" 2
  pantry inventory adjust eggs -- -6`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("delta must be an integer: %w", err)
		}
		notes, _ := cmd.Flags().GetString("notes")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/inventory/adjust", map[string]any{
			"name":  args[0],
			"delta": delta,
			"notes": notes,
		})
		if err != nil {
			return err
		}

		var change struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}
		if err := decodeJSON(resp, &change); err != nil {
			return err
		}
		printSuccess("%s now %d", change.Name, change.Count)
		return nil
	},
}

var inventoryHistoryCmd = &cobra.Command{
	Use:   "history <name>",
	Short: "Show an item's event history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/inventory/items/%s/history?days=%d", url.PathEscape(args[0]), days)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var history any
		if err := decodeJSON(resp, &history); err != nil {
			return err
		}
		return printJSON(os.Stdout, history)
	},
}

var inventoryEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent inventory events",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")
		limit, _ := cmd.Flags().GetInt("limit")
		eventType, _ := cmd.Flags().GetString("type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("days", strconv.Itoa(days))
		q.Set("limit", strconv.Itoa(limit))
		if eventType != "" {
			q.Set("event_type", eventType)
		}
		resp, err := client.get(cmd.Context(), "/inventory/events?"+q.Encode())
		if err != nil {
			return err
		}

		var events any
		if err := decodeJSON(resp, &events); err != nil {
			return err
		}
		return printJSON(os.Stdout, events)
	},
}

var inventoryVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that counts match the event ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/inventory/verify")
		if err != nil {
			return err
		}

		var result struct {
			Consistent bool `json:"consistent"`
			Mismatches []struct {
				Name          string `json:"name"`
				CountEstimate int    `json:"count_estimate"`
				DeltaSum      int    `json:"delta_sum"`
			} `json:"mismatches"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Consistent {
			printSuccess("Inventory matches its event ledger")
			return nil
		}
		for _, m := range result.Mismatches {
			printWarning("%s: count %d, ledger sum %d", m.Name, m.CountEstimate, m.DeltaSum)
		}
		return fmt.Errorf("%d items disagree with the ledger", len(result.Mismatches))
	},
}

var inventoryMarkStaleCmd = &cobra.Command{
	Use:   "mark-stale",
	Short: "Zero the confidence of items not seen recently",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/inventory/mark-stale", map[string]int{"stale_after_days": days})
		if err != nil {
			return err
		}

		var result struct {
			Marked int `json:"marked"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Marked %d items stale", result.Marked)
		return nil
	},
}

type staleItem struct {
	Name          string     `json:"name"`
	LastCount     int        `json:"last_count"`
	LastSeenAt    *time.Time `json:"last_seen_at"`
	DaysSinceSeen *int       `json:"days_since_seen"`
}

var inventoryStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List items not seen for a number of days",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/inventory/stale-items"
		if days > 0 {
			path += "?days_threshold=" + strconv.Itoa(days)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			ThresholdDays int         `json:"threshold_days"`
			Items         []staleItem `json:"items"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		writeStaleItems(os.Stdout, result.ThresholdDays, result.Items)
		return nil
	},
}

func writeStaleItems(w io.Writer, thresholdDays int, items []staleItem) {
	if len(items) == 0 {
		fmt.Fprintf(w, "Everything was seen in the last %d days.\n", thresholdDays)
		return
	}
	for _, it := range items {
		seen := "never seen"
		if it.DaysSinceSeen != nil {
			seen = fmt.Sprintf("%d days ago", *it.DaysSinceSeen)
		}
		fmt.Fprintf(w, "%4d  %s  %s\n", it.LastCount, colorize(colorBold, it.Name), colorize(colorYellow, seen))
	}
}

var inventoryExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the whole inventory as JSON or CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		history, _ := cmd.Flags().GetBool("history")
		output, _ := cmd.Flags().GetString("output")
		if format != "json" && format != "csv" {
			return fmt.Errorf("format must be json or csv, got %q", format)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("format", format)
		if history {
			q.Set("include_history", "true")
		}
		resp, err := client.get(cmd.Context(), "/inventory/export?"+q.Encode())
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkResponse(resp); err != nil {
			return err
		}

		if output == "" || output == "-" {
			_, err = io.Copy(os.Stdout, resp.Body)
			return err
		}
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			return fmt.Errorf("writing %s: %w", output, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		printSuccess("Exported inventory to %s", output)
		return nil
	},
}

func init() {
	inventoryListCmd.Flags().Bool("include-stale", false, "include items with zero confidence")
	inventoryListCmd.Flags().Int("low", 0, "only list items with at most this count")
	inventorySetCmd.Flags().String("notes", "", "note stored with the item")
	inventoryAdjustCmd.Flags().String("notes", "", "note stored with the item")
	inventoryHistoryCmd.Flags().Int("days", 30, "how many days of history to show")
	inventoryEventsCmd.Flags().Int("days", 7, "how many days of events to show")
	inventoryEventsCmd.Flags().Int("limit", 100, "maximum number of events")
	inventoryEventsCmd.Flags().String("type", "", "only show events of this type (seen, adjusted, manual_override)")
	inventoryStaleCmd.Flags().Int("days", 0, "unseen days before an item is listed (server default when 0)")
	inventoryExportCmd.Flags().String("format", "json", "export format: json or csv")
	inventoryExportCmd.Flags().Bool("history", false, "include each item's recent events (json only)")
	inventoryExportCmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")
	inventoryMarkStaleCmd.Flags().Int("days", 0, "unseen days before an item is stale (server default when 0)")

	inventoryCmd.AddCommand(inventoryListCmd)
	inventoryCmd.AddCommand(inventorySetCmd)
	inventoryCmd.AddCommand(inventoryAdjustCmd)
	inventoryCmd.AddCommand(inventoryHistoryCmd)
	inventoryCmd.AddCommand(inventoryEventsCmd)
	inventoryCmd.AddCommand(inventoryVerifyCmd)
	inventoryCmd.AddCommand(inventoryMarkStaleCmd)
	inventoryCmd.AddCommand(inventoryStaleCmd)
	inventoryCmd.AddCommand(inventoryExportCmd)
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and revoke queued tasks",
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a task's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/tasks/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var info any
		if err := decodeJSON(resp, &info); err != nil {
			return err
		}
		return printJSON(os.Stdout, info)
	},
}

var tasksRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/tasks/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Revoked task %s", args[0])
		return nil
	},
}

func init() {
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksRevokeCmd)
}

// --- stats ---

type statsResponse struct {
	Items struct {
		Total  int `json:"total"`
		Stale  int `json:"stale"`
		Manual int `json:"manual"`
	} `json:"items"`
	Captures map[string]int `json:"captures"`
	Tasks    map[string]int `json:"tasks"`
}

func fetchStats(ctx context.Context, c *apiClient) (statsResponse, error) {
	var st statsResponse
	resp, err := c.get(ctx, "/stats")
	if err != nil {
		return st, err
	}
	err = decodeJSON(resp, &st)
	return st, err
}

// formatCounts renders a status histogram as "a=1 b=2" in key order.
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return strings.Join(parts, " ")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadUnvalidated()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		if err := cfg.Validate(); err != nil {
			printWarning("configuration is incomplete:\n%v", err)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
