package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/finadvisor/internal/config"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the advisor (interactive when no message is given)",
	Long: `Chat with the advisor.

Examples:
  finadvisor chat --user alice "How much should I save each month?"
  finadvisor chat --user alice`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if len(args) > 0 {
			reply, err := sendChat(cmd.Context(), client, userID, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, reply)
			return nil
		}

		printStep("Chatting as %s. Type 'exit' to quit.", userID)
		return chatLoop(cmd.Context(), client, userID, os.Stdin, stdout)
	},
}

func init() {
	chatCmd.Flags().String("user", "cli", "user id for the conversation")
}

func sendChat(ctx context.Context, client *apiClient, userID, message string) (string, error) {
	var result struct {
		Reply string `json:"reply"`
	}
	if err := client.postJSON(ctx, "/chat", map[string]string{"user_id": userID, "message": message}, &result); err != nil {
		return "", err
	}
	return result.Reply, nil
}

// chatLoop reads one message per line until EOF or "exit", then ends the
// server-side session.
func chatLoop(ctx context.Context, client *apiClient, userID string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, colorize(colorBold, "you> "))
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		reply, err := sendChat(ctx, client, userID, line)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s\n\n", colorize(colorCyan, "advisor>"), reply)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	return client.deleteJSON(ctx, "/sessions/"+url.PathEscape(userID), nil)
}

// --- savings / insurance ---

var savingsCmd = &cobra.Command{
	Use:   "savings",
	Short: "Estimate savings for a user",
	Long: `Estimate savings for a user. Pass either all five required demographic
flags (--age, --marital-status, --dependents, --income, --net-worth) or none
of them. With none, the stored profile is used. A partial set is rejected.

Example:
  finadvisor savings --user alice --age 30 --marital-status single \
    --dependents 0 --income 100000 --net-worth 50000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCalculation(cmd, "/calculate_savings")
	},
}

var insuranceCmd = &cobra.Command{
	Use:   "insurance",
	Short: "Recommend insurance coverage for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCalculation(cmd, "/recommend_insurance")
	},
}

func init() {
	for _, c := range []*cobra.Command{savingsCmd, insuranceCmd} {
		c.Flags().String("user", "cli", "user id")
		c.Flags().Int("age", 0, "age in years")
		c.Flags().String("marital-status", "", "marital status (single, married, ...)")
		c.Flags().Int("dependents", 0, "number of dependents")
		c.Flags().Float64("income", 0, "annual income")
		c.Flags().Float64("net-worth", 0, "net worth")
		c.Flags().String("location", "", "city or region")
	}
}

// demographicsFromFlags returns only the demographics the user set, keyed by
// profile field name.
func demographicsFromFlags(flags *pflag.FlagSet) map[string]any {
	demo := map[string]any{}
	if flags.Changed("age") {
		v, _ := flags.GetInt("age")
		demo["age"] = v
	}
	if flags.Changed("marital-status") {
		v, _ := flags.GetString("marital-status")
		demo["marital_status"] = v
	}
	if flags.Changed("dependents") {
		v, _ := flags.GetInt("dependents")
		demo["dependents"] = v
	}
	if flags.Changed("income") {
		v, _ := flags.GetFloat64("income")
		demo["income"] = v
	}
	if flags.Changed("net-worth") {
		v, _ := flags.GetFloat64("net-worth")
		demo["net_worth"] = v
	}
	if flags.Changed("location") {
		v, _ := flags.GetString("location")
		demo["location"] = v
	}
	return demo
}

func runCalculation(cmd *cobra.Command, path string) error {
	userID, _ := cmd.Flags().GetString("user")

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	result, err := calculate(cmd.Context(), client, path, userID, demographicsFromFlags(cmd.Flags()))
	if err != nil {
		return err
	}
	return printJSON(result)
}

// calculate calls a model endpoint. A data error in the response body is
// returned as an error.
func calculate(ctx context.Context, client *apiClient, path, userID string, demo map[string]any) (map[string]any, error) {
	var result map[string]any
	if err := client.postJSON(ctx, path, map[string]any{"user_id": userID, "demographics": demo}, &result); err != nil {
		return nil, err
	}
	if err := payloadError(result); err != nil {
		return nil, err
	}
	return result, nil
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect stored profiles",
}

var profileShowCmd = &cobra.Command{
	Use:   "show <user_id>",
	Short: "Show a user's profile as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var p map[string]any
		if err := client.getJSON(cmd.Context(), "/profiles/"+url.PathEscape(args[0]), &p); err != nil {
			return err
		}
		if len(p) == 0 {
			printWarning("No profile stored for %s", args[0])
			return nil
		}
		return printJSON(p)
	},
}

func init() {
	profileCmd.AddCommand(profileShowCmd)
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage conversation sessions",
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <user_id>",
	Short: "Forget a user's conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if err := client.deleteJSON(cmd.Context(), "/sessions/"+url.PathEscape(args[0]), nil); err != nil {
			return err
		}

		printSuccess("Session for %s ended", args[0])
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionEndCmd)
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Show chat history",
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent interactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		userID, _ := cmd.Flags().GetString("user")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprintf("%d", limit))
		if userID != "" {
			q.Set("user_id", userID)
		}
		var interactions []struct {
			ID          string `json:"id"`
			UserID      string `json:"user_id"`
			CreatedAt   string `json:"created_at"`
			UserMessage string `json:"user_message"`
			Status      string `json:"status"`
		}
		if err := client.getJSON(cmd.Context(), "/interactions?"+q.Encode(), &interactions); err != nil {
			return err
		}

		if len(interactions) == 0 {
			fmt.Fprintln(stdout, "No interactions found.")
			return nil
		}

		for _, ix := range interactions {
			msg := truncate(ix.UserMessage, 80)
			id := ix.ID
			if len(id) > 8 {
				id = id[:8]
			}
			status := ""
			if ix.Status != "" && ix.Status != "ok" {
				status = colorize(colorRed, "["+ix.Status+"] ")
			}
			fmt.Fprintf(stdout, "%s  %s  %s  %s%s\n",
				colorize(colorCyan, id),
				ix.CreatedAt,
				ix.UserID,
				status,
				msg,
			)
		}
		return nil
	},
}

func init() {
	interactionsListCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
	interactionsListCmd.Flags().String("user", "", "only show this user's interactions")
	interactionsCmd.AddCommand(interactionsListCmd)
}

// --- market ---

var marketCmd = &cobra.Command{
	Use:   "market",
	Short: "Market data",
}

var marketSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show the market snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var snap map[string]any
		if err := client.getJSON(cmd.Context(), "/market/snapshot", &snap); err != nil {
			return err
		}
		return printJSON(snap)
	},
}

var marketQuoteCmd = &cobra.Command{
	Use:   "quote <symbol>",
	Short: "Fetch the latest quote for a ticker symbol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q, err := fetchMarket(cmd.Context(), client, "/market/quotes/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		return printJSON(q)
	},
}

var marketSeriesCmd = &cobra.Command{
	Use:   "series <symbol>",
	Short: "Show recent price history for a ticker symbol",
	Long: `Show recent price history for a ticker symbol, newest bar first.
--interval is "daily" (default) or "intraday" for 60-minute bars.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetString("interval")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		s, err := fetchMarket(cmd.Context(), client, seriesPath(args[0], interval))
		if err != nil {
			return err
		}
		return printJSON(s)
	},
}

func seriesPath(symbol, interval string) string {
	path := "/market/series/" + url.PathEscape(symbol)
	if interval != "" {
		path += "?" + url.Values{"interval": {interval}}.Encode()
	}
	return path
}

// fetchMarket GETs a market endpoint. An error payload is returned as an error.
func fetchMarket(ctx context.Context, client *apiClient, path string) (map[string]any, error) {
	var out map[string]any
	if err := client.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	if err := payloadError(out); err != nil {
		return nil, err
	}
	return out, nil
}

func init() {
	marketCmd.AddCommand(marketSnapshotCmd)
	marketCmd.AddCommand(marketQuoteCmd)
	marketCmd.AddCommand(marketSeriesCmd)
	marketSeriesCmd.Flags().String("interval", "daily", "daily or intraday")
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

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		printStatus("LLM API key", "%s", keyState(cfg.LLM.APIKey))
		printStatus("Market API key", "%s", keyState(cfg.Market.APIKey))
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

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key>",
	Short: "Store an API key in the secrets file (value read from stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := readSecret(os.Stdin)
		if err != nil {
			return err
		}
		if err := config.SetSecret(args[0], value); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
