package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/attune-app/attuned/internal/config"
)

func userFlag(cmd *cobra.Command) (string, error) {
	user, _ := cmd.Flags().GetString("user")
	if user == "" {
		return "", fmt.Errorf("--user is required")
	}
	return user, nil
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect or delete a user's context profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the profile as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userFlag(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/profile/"+user)
		if err != nil {
			return err
		}

		var prof any
		if err := decodeJSON(resp, &prof); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(prof)
	},
}

var profileDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the profile and all conversation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userFlag(cmd)
		if err != nil {
			return err
		}
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes the profile and all history for %s. Use --confirm to proceed.", user)
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/profile/"+user)
		if err != nil {
			return err
		}
		if err := drainClose(resp); err != nil {
			return err
		}

		printSuccess("Deleted all data for %s", user)
		return nil
	},
}

func init() {
	profileShowCmd.Flags().String("user", "", "user ID")
	profileDeleteCmd.Flags().String("user", "", "user ID")
	profileDeleteCmd.Flags().Bool("confirm", false, "confirm deletion")
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileDeleteCmd)
}

// --- insights ---

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Review extracted insights awaiting confirmation",
}

var insightsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending insights",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userFlag(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/profile/"+user+"/insights")
		if err != nil {
			return err
		}

		var insights []struct {
			ID         string  `json:"ID"`
			Content    string  `json:"Content"`
			Category   string  `json:"Category"`
			Confidence float64 `json:"Confidence"`
		}
		if err := decodeJSON(resp, &insights); err != nil {
			return err
		}

		if len(insights) == 0 {
			fmt.Println("No pending insights.")
			return nil
		}

		for _, in := range insights {
			fmt.Printf("%s  [%s, %.2f]  %s\n",
				colorize(colorCyan, in.ID[:8]),
				in.Category,
				in.Confidence,
				in.Content,
			)
		}
		return nil
	},
}

var insightsConfirmCmd = &cobra.Command{
	Use:   "confirm <id>",
	Short: "Confirm a pending insight into the profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userFlag(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/profile/"+user+"/insights/"+args[0]+"/confirm", nil)
		if err != nil {
			return err
		}
		if err := drainClose(resp); err != nil {
			return err
		}

		printSuccess("Confirmed insight %s", args[0])
		return nil
	},
}

var insightsDismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Dismiss a pending insight",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userFlag(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/profile/"+user+"/insights/"+args[0]+"/dismiss", nil)
		if err != nil {
			return err
		}
		if err := drainClose(resp); err != nil {
			return err
		}

		printSuccess("Dismissed insight %s", args[0])
		return nil
	},
}

var insightsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Dismiss all pending insights",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userFlag(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/profile/"+user+"/insights/dismiss-all", nil)
		if err != nil {
			return err
		}
		if err := drainClose(resp); err != nil {
			return err
		}

		printSuccess("Cleared pending insights for %s", user)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{insightsListCmd, insightsConfirmCmd, insightsDismissCmd, insightsClearCmd} {
		c.Flags().String("user", "", "user ID")
		insightsCmd.AddCommand(c)
	}
}

// --- patterns ---

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Review patterns inferred across sessions",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List inferred patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userFlag(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/profile/"+user+"/patterns")
		if err != nil {
			return err
		}

		var results []struct {
			ID          string   `json:"id"`
			PatternText string   `json:"pattern_text"`
			SourceCount int      `json:"source_count"`
			Confidence  float64  `json:"confidence"`
			Domains     []string `json:"domains"`
			CrossDomain bool     `json:"cross_domain"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("No patterns yet.")
			return nil
		}

		for _, p := range results {
			label := fmt.Sprintf("%d sessions, %.2f", p.SourceCount, p.Confidence)
			if p.CrossDomain {
				label += ", cross-domain: " + strings.Join(p.Domains, ", ")
			}
			fmt.Printf("%s  [%s]  %s\n", colorize(colorCyan, p.ID[:8]), label, p.PatternText)
		}
		return nil
	},
}

var patternsDismissCmd = &cobra.Command{
	Use:   "dismiss <id>",
	Short: "Dismiss a pattern so it is not re-inferred",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userFlag(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/profile/"+user+"/patterns/"+args[0]+"/dismiss", nil)
		if err != nil {
			return err
		}
		if err := drainClose(resp); err != nil {
			return err
		}

		printSuccess("Dismissed pattern %s", args[0])
		return nil
	},
}

func init() {
	patternsListCmd.Flags().String("user", "", "user ID")
	patternsDismissCmd.Flags().String("user", "", "user ID")
	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsDismissCmd)
}

// --- style ---

var styleCmd = &cobra.Command{
	Use:   "style",
	Short: "Manage the coaching style override",
}

var styleSetCmd = &cobra.Command{
	Use:   "set <style>",
	Short: "Pin the coaching style (reflective, direct, exploratory, gentle)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userFlag(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]string{"style": args[0]}
		resp, err := client.put(cmd.Context(), "/profile/"+user+"/style/override", body)
		if err != nil {
			return err
		}
		if err := drainClose(resp); err != nil {
			return err
		}

		printSuccess("Coaching style pinned to %s", args[0])
		return nil
	},
}

var styleClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the override and revert to the inferred style",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userFlag(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/profile/"+user+"/style/override")
		if err != nil {
			return err
		}

		var prof struct {
			Coaching struct {
				Style struct {
					InferredStyle string `json:"inferred_style"`
				} `json:"style"`
			} `json:"coaching"`
		}
		if err := decodeJSON(resp, &prof); err != nil {
			return err
		}

		if prof.Coaching.Style.InferredStyle != "" {
			printSuccess("Override cleared, inferred style is %s", prof.Coaching.Style.InferredStyle)
		} else {
			printSuccess("Override cleared")
		}
		return nil
	},
}

func init() {
	styleSetCmd.Flags().String("user", "", "user ID")
	styleClearCmd.Flags().String("user", "", "user ID")
	styleCmd.AddCommand(styleSetCmd)
	styleCmd.AddCommand(styleClearCmd)
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <file.pdf>",
	Short: "Import a coaching session transcript from a PDF",
	Long: `Import a coaching session transcript from a PDF.

The transcript is split into turns on speaker labels ("User:", "Coach:")
and fed through the same analysis pipeline as live conversations.

Examples:
  attuned import session.pdf --user alice
  attuned import session.pdf --user alice --domain career`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := userFlag(cmd)
		if err != nil {
			return err
		}
		domain, _ := cmd.Flags().GetString("domain")
		session, _ := cmd.Flags().GetString("session")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]string{
			"user_id":    user,
			"session_id": session,
			"domain":     domain,
			"content":    base64.StdEncoding.EncodeToString(data),
		}
		resp, err := client.post(cmd.Context(), "/import", req)
		if err != nil {
			return err
		}

		var result struct {
			SessionID string `json:"session_id"`
			Turns     int    `json:"turns"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Imported %d turns into session %s", result.Turns, result.SessionID)
		return nil
	},
}

func init() {
	importCmd.Flags().String("user", "", "user ID")
	importCmd.Flags().String("session", "", "session ID (defaults to a new session)")
	importCmd.Flags().String("domain", "", "coaching domain for the session")
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
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
