package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"inbox-watcher/internal/config"
	"inbox-watcher/internal/models"
	"inbox-watcher/internal/services/email"
	"inbox-watcher/internal/services/poller"
)

var checkCmd = &cobra.Command{
	Use:   "check <account-id>",
	Short: "Poll one account once and print its unread messages",
	Long: `Run a single poll cycle for an account and print the messages found.
Nothing is delivered to the account's sinks.

Examples:
  inbox-watcher check work
  inbox-watcher check work -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	accountCfg, ok := cfg.Account(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", config.ErrAccountNotFound, args[0])
	}
	account := accountCfg.Account(cfg.Defaults)

	logger, err := newLogger(config.LogConfig{Level: "warn"})
	if err != nil {
		return err
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	supervisor := poller.NewSupervisor(email.DefaultFactory(logger, cfg.Defaults.DialTimeout), logger)
	result, err := supervisor.PollOnce(cmd.Context(), account)
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), outputFmt, result)
}

func printResult(w io.Writer, format string, result *models.PollResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "text", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	fmt.Fprintf(w, "%s: %d message(s)\n", result.AccountID, len(result.Messages))
	for _, msg := range result.Messages {
		date := ""
		if !msg.Date.IsZero() {
			date = msg.Date.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "\n%s  %s\n  %s\n", date, msg.From, msg.Subject)
		if msg.Preview != "" {
			fmt.Fprintf(w, "  %s\n", msg.Preview)
		}
	}
	return nil
}
