package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"inbox-watcher/internal/config"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List and edit configured accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := config.NewStore(configPath)
		if err != nil {
			return err
		}
		return printAccounts(cmd.OutOrStdout(), outputFmt, store.Accounts(), store.Defaults())
	},
}

var accountsEnableCmd = &cobra.Command{
	Use:   "enable <account-id>",
	Short: "Poll the account on serve",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], true)
	},
}

var accountsDisableCmd = &cobra.Command{
	Use:   "disable <account-id>",
	Short: "Keep the account configured but do not poll it on serve",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], false)
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <account-id>",
	Short: "Remove the account from the configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := config.NewStore(configPath)
		if err != nil {
			return err
		}
		if err := store.Delete(args[0]); err != nil {
			return fmt.Errorf("%w: %s", err, args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed account %s\n", args[0])
		return nil
	},
}

func init() {
	accountsCmd.AddCommand(accountsListCmd, accountsEnableCmd, accountsDisableCmd, accountsRemoveCmd)
	rootCmd.AddCommand(accountsCmd)
}

func setEnabled(cmd *cobra.Command, id string, enabled bool) error {
	store, err := config.NewStore(configPath)
	if err != nil {
		return err
	}
	account, ok := store.Account(id)
	if !ok {
		return fmt.Errorf("%w: %s", config.ErrAccountNotFound, id)
	}
	account.Enabled = &enabled
	if err := store.Put(account); err != nil {
		return err
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Account %s %s\n", id, state)
	return nil
}

type accountRow struct {
	ID       string `json:"id"`
	Protocol string `json:"protocol"`
	Address  string `json:"address"`
	Username string `json:"username"`
	Enabled  bool   `json:"enabled"`
	Interval string `json:"polling_interval"`
	Services int    `json:"services"`
}

func printAccounts(w io.Writer, format string, accounts []config.AccountConfig, defaults config.PollingDefaults) error {
	rows := make([]accountRow, 0, len(accounts))
	for _, a := range accounts {
		account := a.Account(defaults)
		rows = append(rows, accountRow{
			ID:       account.ID,
			Protocol: account.Protocol,
			Address:  fmt.Sprintf("%s:%d", account.Host, account.Port),
			Username: account.Username,
			Enabled:  account.Enabled,
			Interval: account.PollInterval.String(),
			Services: len(a.Services),
		})
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "text", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROTOCOL\tADDRESS\tUSERNAME\tENABLED\tINTERVAL\tSERVICES")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%d\n", r.ID, r.Protocol, r.Address, r.Username, r.Enabled, r.Interval, r.Services)
	}
	return tw.Flush()
}
